// Package presence maintains the roster of participants in a room.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/realtime-notes/collab/internal/protocol"
)

// Tracker holds the current participant roster. Updates arrive as full
// snapshots and replace the prior set wholesale; applying the same roster
// twice is indistinguishable from applying it once.
type Tracker struct {
	mu    sync.Mutex
	users map[int64]protocol.PresenceUser
}

// NewTracker returns an empty roster.
func NewTracker() *Tracker {
	return &Tracker{users: make(map[int64]protocol.PresenceUser)}
}

// Replace installs the new roster. An empty list means "only me". Later
// entries win when a userId repeats within one snapshot.
func (t *Tracker) Replace(users []protocol.PresenceUser) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.users = make(map[int64]protocol.PresenceUser, len(users))
	for _, u := range users {
		t.users[u.UserID] = u
	}
}

// Users returns the roster sorted by userId. The slice is a copy and safe
// to retain.
func (t *Tracker) Users() []protocol.PresenceUser {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.PresenceUser, 0, len(t.users))
	for _, u := range t.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Count returns the roster size.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.users)
}

// Stale returns the participants whose lastSeen is older than cutoff.
// Deciding what staleness means for display (the usual guidance is twice
// the refresh interval) is the UI layer's call, not this package's.
func (t *Tracker) Stale(cutoff time.Time) []protocol.PresenceUser {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []protocol.PresenceUser
	for _, u := range t.users {
		if u.LastSeen > 0 && time.UnixMilli(u.LastSeen).Before(cutoff) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
