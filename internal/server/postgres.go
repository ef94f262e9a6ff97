package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS notes (
	id         BIGINT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS note_versions (
	id          BIGSERIAL PRIMARY KEY,
	note_id     BIGINT NOT NULL,
	content     TEXT NOT NULL,
	author_id   BIGINT NOT NULL DEFAULT 0,
	author_name TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS note_versions_note_id ON note_versions (note_id, id DESC);
`

// PGStore is the postgres-backed Store.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects to databaseURL and ensures the schema exists.
func NewPGStore(ctx context.Context, databaseURL string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) GetNote(ctx context.Context, id int64) (*Note, error) {
	var n Note
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, content, updated_at FROM notes WHERE id = $1`, id,
	).Scan(&n.ID, &n.Title, &n.Content, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get note %d: %w", id, err)
	}
	return &n, nil
}

func (s *PGStore) SaveNote(ctx context.Context, n *Note) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notes (id, title, content, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, content = EXCLUDED.content, updated_at = now()`,
		n.ID, n.Title, n.Content)
	if err != nil {
		return fmt.Errorf("save note %d: %w", n.ID, err)
	}
	return nil
}

func (s *PGStore) SaveVersion(ctx context.Context, v *Version) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO note_versions (note_id, content, author_id, author_name) VALUES ($1, $2, $3, $4)`,
		v.NoteID, v.Content, v.AuthorID, v.AuthorName)
	if err != nil {
		return fmt.Errorf("save version for note %d: %w", v.NoteID, err)
	}
	return nil
}

func (s *PGStore) ListVersions(ctx context.Context, noteID int64) ([]Version, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, note_id, content, author_id, author_name, created_at
		 FROM note_versions WHERE note_id = $1 ORDER BY id DESC`, noteID)
	if err != nil {
		return nil, fmt.Errorf("list versions for note %d: %w", noteID, err)
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.ID, &v.NoteID, &v.Content, &v.AuthorID, &v.AuthorName, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PGStore) Close() { s.pool.Close() }
