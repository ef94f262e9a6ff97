// Package session tracks the client's membership in a document room.
package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/realtime-notes/collab/internal/protocol"
)

// State is the room membership state machine: Idle → Joining → Joined →
// Idle on explicit leave, and Joined → Idle → Joining automatically after
// a transport reconnection.
type State int

const (
	Idle State = iota
	Joining
	Joined
)

var stateNames = map[State]string{
	Idle:    "idle",
	Joining: "joining",
	Joined:  "joined",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Identity is the participant identity the engine was constructed with.
// It is injected explicitly; the engine never reads ambient global state.
type Identity struct {
	UserID    int64
	UserName  string
	UserEmail string
	Token     string
	Anonymous bool
}

// AnonymousIdentity mints a locally generated, non-persistent identity for
// a participant without a credential. The numeric id is random and only
// meaningful for the lifetime of the session.
func AnonymousIdentity() Identity {
	n := uuid.New().ID()
	return Identity{
		UserID:    int64(n),
		UserName:  fmt.Sprintf("guest-%04d", n%10000),
		Anonymous: true,
	}
}

// Manager holds the transient client session for one document.
type Manager struct {
	identity Identity

	mu        sync.Mutex
	state     State
	noteID    int64
	sessionID string
}

// NewManager creates a manager for the given identity.
func NewManager(identity Identity) *Manager {
	return &Manager{identity: identity}
}

func (m *Manager) Identity() Identity { return m.identity }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsJoined() bool { return m.State() == Joined }

func (m *Manager) NoteID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.noteID
}

// SessionID is the server-issued identifier substituting for a credential
// in anonymous mode. Empty for authenticated participants.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// CanHistory reports whether undo/redo is available: it requires a joined,
// authenticated session. Anonymous participants cannot retrieve history.
func (m *Manager) CanHistory() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Joined && !m.identity.Anonymous
}

// CanPersist reports whether edits are guaranteed durably persisted
// server-side. Anonymous edits are not; this is a capability, not an error.
func (m *Manager) CanPersist() bool {
	return !m.identity.Anonymous
}

// StartJoin moves to Joining and returns the join payload to transmit. An
// anonymous re-join threads the previously issued sessionId.
func (m *Manager) StartJoin(noteID int64) protocol.JoinPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Joining
	m.noteID = noteID
	return protocol.JoinPayload{
		NoteID:      noteID,
		UserID:      m.identity.UserID,
		UserName:    m.identity.UserName,
		IsAnonymous: m.identity.Anonymous,
		SessionID:   m.sessionID,
	}
}

// HandleJoined applies the server's join response. It reports whether the
// session is now joined.
func (m *Manager) HandleJoined(p protocol.JoinedPayload) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Joining || p.NoteID != m.noteID {
		return false
	}
	if !p.Success {
		m.state = Idle
		return false
	}
	m.state = Joined
	if p.SessionID != "" {
		m.sessionID = p.SessionID
	}
	return true
}

// Leave moves to Idle regardless of network outcome and returns the
// best-effort leave payload. The session identifier is discarded.
func (m *Manager) Leave() protocol.LeavePayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := protocol.LeavePayload{
		NoteID:    m.noteID,
		UserName:  m.identity.UserName,
		SessionID: m.sessionID,
	}
	m.state = Idle
	m.noteID = 0
	m.sessionID = ""
	return p
}

// Suspend drops to Idle after a transport failure while keeping the
// sessionId so an anonymous participant can re-establish the same session
// on reconnect.
func (m *Manager) Suspend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Idle
}
