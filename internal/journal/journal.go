// Package journal persists the local buffer to disk so editing can
// continue while the session is offline and the text survives a restart.
package journal

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketBuffers = []byte("buffers")

// Journal is a bbolt-backed store of per-note buffer snapshots.
type Journal struct {
	db *bolt.DB
}

// Open creates or opens the journal file at path.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBuffers)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Save writes the current buffer for noteID, replacing any prior snapshot.
func (j *Journal) Save(noteID int64, content string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBuffers).Put(key(noteID), []byte(content))
	})
}

// Load returns the saved buffer for noteID. ok is false when none exists.
func (j *Journal) Load(noteID int64) (content string, ok bool, err error) {
	err = j.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBuffers).Get(key(noteID))
		if v != nil {
			content = string(v)
			ok = true
		}
		return nil
	})
	return content, ok, err
}

// Delete removes the saved buffer for noteID, e.g. after a clean rejoin.
func (j *Journal) Delete(noteID int64) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBuffers).Delete(key(noteID))
	})
}

// Close releases the journal file.
func (j *Journal) Close() error { return j.db.Close() }

func key(noteID int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(noteID))
	return k
}
