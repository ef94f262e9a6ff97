package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNoteNotFound is returned for unknown note ids.
var ErrNoteNotFound = errors.New("note not found")

// Note is a persisted document.
type Note struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title,omitempty"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Version is one entry of a note's saved history.
type Version struct {
	ID         int64     `json:"id"`
	NoteID     int64     `json:"noteId"`
	Content    string    `json:"content"`
	AuthorID   int64     `json:"authorId,omitempty"`
	AuthorName string    `json:"authorName,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store persists notes and their versions. The hub treats it as an
// external collaborator: reliable and already authenticated.
type Store interface {
	GetNote(ctx context.Context, id int64) (*Note, error)
	SaveNote(ctx context.Context, n *Note) error
	SaveVersion(ctx context.Context, v *Version) error
	ListVersions(ctx context.Context, noteID int64) ([]Version, error)
	Close()
}

// MemStore is the in-memory Store used by default and in tests.
type MemStore struct {
	mu          sync.RWMutex
	notes       map[int64]*Note
	versions    map[int64][]Version
	nextVersion int64
}

func NewMemStore() *MemStore {
	return &MemStore{
		notes:    make(map[int64]*Note),
		versions: make(map[int64][]Version),
	}
}

func (s *MemStore) GetNote(_ context.Context, id int64) (*Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notes[id]
	if !ok {
		return nil, ErrNoteNotFound
	}
	copy := *n
	return &copy, nil
}

func (s *MemStore) SaveNote(_ context.Context, n *Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *n
	copy.UpdatedAt = time.Now()
	s.notes[n.ID] = &copy
	return nil
}

func (s *MemStore) SaveVersion(_ context.Context, v *Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextVersion++
	copy := *v
	copy.ID = s.nextVersion
	copy.CreatedAt = time.Now()
	s.versions[v.NoteID] = append(s.versions[v.NoteID], copy)
	return nil
}

func (s *MemStore) ListVersions(_ context.Context, noteID int64) ([]Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]Version(nil), s.versions[noteID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *MemStore) Close() {}
