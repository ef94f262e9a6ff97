package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/realtime-notes/collab/internal/protocol"
)

const (
	undoDepth        = 100
	presenceTTL      = 30 * time.Second
	clientSendBuffer = 64
)

// ErrOutOfBounds rejects operations referencing positions outside the
// current buffer.
var ErrOutOfBounds = errors.New("operation out of bounds")

type participant struct {
	user      protocol.PresenceUser
	anonymous bool
	lastSeen  time.Time
}

type room struct {
	noteID       int64
	content      string
	version      int64
	ops          []protocol.Operation
	undo         []string
	redo         []string
	participants map[int64]*participant
	clients      map[*wsClient]bool
	dirty        bool // authenticated edits not yet persisted
	cancelRelay  context.CancelFunc
}

// lastOpTime is the stamp of the newest operation in the log; everything
// up to and including it is reflected in the room content.
func (rm *room) lastOpTime() int64 {
	if len(rm.ops) == 0 {
		return 0
	}
	return rm.ops[len(rm.ops)-1].Timestamp
}

type anonSession struct {
	userID int64
	noteID int64
}

// Hub holds every active room: content, version counter, operation log,
// presence and the server-side undo/redo stacks. All room state is guarded
// by one mutex; fan-out to push clients happens through buffered per-client
// send channels so a slow consumer never stalls the room.
type Hub struct {
	store Store
	relay *Relay
	ctx   context.Context

	mu       sync.Mutex
	rooms    map[int64]*room
	sessions map[string]anonSession
	clock    int64 // last stamped operation time, strictly increasing
}

// NewHub creates a hub persisting through store. relay may be nil.
func NewHub(ctx context.Context, store Store, relay *Relay) *Hub {
	return &Hub{
		store:    store,
		relay:    relay,
		ctx:      ctx,
		rooms:    make(map[int64]*room),
		sessions: make(map[string]anonSession),
	}
}

// Join enters (or creates) the room and registers the participant's
// presence. Anonymous participants are issued a sessionId that substitutes
// for a credential on their subsequent requests.
func (h *Hub) Join(p protocol.JoinPayload) (protocol.JoinedPayload, protocol.SnapshotPayload) {
	h.mu.Lock()
	rm := h.roomLocked(p.NoteID)

	sessionID := ""
	if p.IsAnonymous {
		sessionID = p.SessionID
		if _, ok := h.sessions[sessionID]; sessionID == "" || !ok {
			sessionID = uuid.NewString()
		}
		h.sessions[sessionID] = anonSession{userID: p.UserID, noteID: p.NoteID}
	}

	rm.participants[p.UserID] = &participant{
		user: protocol.PresenceUser{
			UserID:   p.UserID,
			UserName: p.UserName,
			LastSeen: time.Now().UnixMilli(),
		},
		anonymous: p.IsAnonymous,
		lastSeen:  time.Now(),
	}
	joined := protocol.JoinedPayload{
		Success:   true,
		NoteID:    p.NoteID,
		UserID:    p.UserID,
		SessionID: sessionID,
	}
	snap := protocol.SnapshotPayload{NoteID: p.NoteID, Content: rm.content, Version: rm.version, OpTime: rm.lastOpTime()}
	h.mu.Unlock()

	h.broadcastPresence(p.NoteID)
	return joined, snap
}

// Leave removes the participant and persists the room if authenticated
// edits are pending.
func (h *Hub) Leave(p protocol.LeavePayload) {
	h.mu.Lock()
	rm := h.rooms[p.NoteID]
	if rm == nil {
		h.mu.Unlock()
		return
	}
	delete(rm.participants, p.UserID)
	if p.SessionID != "" {
		delete(h.sessions, p.SessionID)
	}
	h.persistLocked(rm, p.UserID, p.UserName)
	h.mu.Unlock()

	h.broadcastPresence(p.NoteID)
}

// Heartbeat refreshes the participant's lastSeen.
func (h *Hub) Heartbeat(p protocol.HeartbeatPayload) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm := h.rooms[p.NoteID]
	if rm == nil {
		return
	}
	if pt, ok := rm.participants[p.UserID]; ok {
		pt.lastSeen = time.Now()
		pt.user.LastSeen = time.Now().UnixMilli()
	}
}

// ValidSession reports whether sessionID authorizes requests for noteID.
func (h *Hub) ValidSession(sessionID string, noteID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionID]
	return ok && s.noteID == noteID
}

// ApplyOperation validates op against the room's buffer, applies it,
// stamps version and timestamp, and fans it out to every push client and
// to the relay.
func (h *Hub) ApplyOperation(op protocol.Operation) (protocol.Operation, error) {
	h.mu.Lock()
	rm := h.roomLocked(op.NoteID)

	if op.Position < 0 || op.DeleteLen < 0 || op.Position > len(rm.content) {
		h.mu.Unlock()
		return op, fmt.Errorf("%w: pos=%d del=%d len=%d", ErrOutOfBounds, op.Position, op.DeleteLen, len(rm.content))
	}

	rm.undo = append(rm.undo, rm.content)
	if len(rm.undo) > undoDepth {
		rm.undo = rm.undo[1:]
	}
	rm.redo = nil

	end := op.Position + op.DeleteLen
	if end > len(rm.content) {
		end = len(rm.content)
	}
	rm.content = rm.content[:op.Position] + op.Insert + rm.content[end:]

	rm.version++
	op.Version = rm.version
	op.Timestamp = h.stampLocked()
	rm.ops = append(rm.ops, op)
	if !op.IsAnonymous {
		rm.dirty = true
	}
	h.mu.Unlock()

	h.broadcast(op.NoteID, protocol.NewEnvelope(protocol.MsgOperationDone, op))
	if h.relay != nil {
		h.relay.Publish(h.ctx, op)
	}
	return op, nil
}

// applyRelayed installs an operation accepted by another instance.
func (h *Hub) applyRelayed(op protocol.Operation) {
	h.mu.Lock()
	rm := h.rooms[op.NoteID]
	if rm == nil {
		h.mu.Unlock()
		return
	}
	end := op.Position + op.DeleteLen
	if op.Position < 0 || op.Position > len(rm.content) {
		h.mu.Unlock()
		return
	}
	if end > len(rm.content) {
		end = len(rm.content)
	}
	rm.content = rm.content[:op.Position] + op.Insert + rm.content[end:]
	if op.Version > rm.version {
		rm.version = op.Version
	}
	if op.Timestamp > h.clock {
		h.clock = op.Timestamp
	}
	rm.ops = append(rm.ops, op)
	h.mu.Unlock()

	h.broadcast(op.NoteID, protocol.NewEnvelope(protocol.MsgOperationDone, op))
}

// OperationsSince returns the room's operations stamped after since.
func (h *Hub) OperationsSince(noteID, since int64) []protocol.Operation {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm := h.rooms[noteID]
	if rm == nil {
		return nil
	}
	var out []protocol.Operation
	for _, op := range rm.ops {
		if op.Timestamp > since {
			out = append(out, op)
		}
	}
	return out
}

// Snapshot returns the authoritative buffer state.
func (h *Hub) Snapshot(noteID int64) protocol.SnapshotPayload {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm := h.roomLocked(noteID)
	return protocol.SnapshotPayload{NoteID: noteID, Content: rm.content, Version: rm.version, OpTime: rm.lastOpTime()}
}

// Presence returns the room roster, pruning participants that have neither
// a live push connection nor a recent heartbeat.
func (h *Hub) Presence(noteID int64) []protocol.PresenceUser {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.presenceLocked(noteID)
}

func (h *Hub) presenceLocked(noteID int64) []protocol.PresenceUser {
	rm := h.rooms[noteID]
	if rm == nil {
		return nil
	}
	connected := make(map[int64]bool, len(rm.clients))
	for c := range rm.clients {
		connected[c.userID] = true
	}
	cutoff := time.Now().Add(-presenceTTL)
	out := make([]protocol.PresenceUser, 0, len(rm.participants))
	for id, pt := range rm.participants {
		if !connected[id] && pt.lastSeen.Before(cutoff) {
			delete(rm.participants, id)
			continue
		}
		out = append(out, pt.user)
	}
	return out
}

// Undo pops the room's history stack. ok is false when there is nothing to
// undo.
func (h *Hub) Undo(noteID, userID int64) (string, bool) {
	return h.restore(noteID, userID, true)
}

// Redo restores the most recently undone entry.
func (h *Hub) Redo(noteID, userID int64) (string, bool) {
	return h.restore(noteID, userID, false)
}

func (h *Hub) restore(noteID, userID int64, undo bool) (string, bool) {
	h.mu.Lock()
	rm := h.rooms[noteID]
	if rm == nil {
		h.mu.Unlock()
		return "", false
	}
	var entry string
	if undo {
		if len(rm.undo) == 0 {
			h.mu.Unlock()
			return "", false
		}
		entry = rm.undo[len(rm.undo)-1]
		rm.undo = rm.undo[:len(rm.undo)-1]
		rm.redo = append(rm.redo, rm.content)
	} else {
		if len(rm.redo) == 0 {
			h.mu.Unlock()
			return "", false
		}
		entry = rm.redo[len(rm.redo)-1]
		rm.redo = rm.redo[:len(rm.redo)-1]
		rm.undo = append(rm.undo, rm.content)
	}

	prevLen := len(rm.content)
	rm.content = entry
	rm.version++
	rm.dirty = true
	op := protocol.Operation{
		UserID:    userID,
		NoteID:    noteID,
		Position:  0,
		DeleteLen: prevLen,
		Insert:    entry,
		Version:   rm.version,
		Timestamp: h.stampLocked(),
	}
	rm.ops = append(rm.ops, op)
	h.mu.Unlock()

	h.broadcast(noteID, protocol.NewEnvelope(protocol.MsgOperationDone, op))
	if h.relay != nil {
		h.relay.Publish(h.ctx, op)
	}
	return entry, true
}

// register attaches a push client to its room.
func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	rm := h.roomLocked(c.noteID)
	rm.clients[c] = true
	h.mu.Unlock()
}

// unregister detaches a push client and drops its presence.
func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	rm := h.rooms[c.noteID]
	if rm == nil || !rm.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(rm.clients, c)
	delete(rm.participants, c.userID)
	h.persistLocked(rm, c.userID, c.userName)
	h.mu.Unlock()

	c.close()
	h.broadcastPresence(c.noteID)
}

// broadcast fans env out to every push client in the room. Slow clients
// have the frame dropped rather than stalling the room.
func (h *Hub) broadcast(noteID int64, env *protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("broadcast marshal error: %v", err)
		return
	}

	h.mu.Lock()
	rm := h.rooms[noteID]
	if rm == nil {
		h.mu.Unlock()
		return
	}
	clients := make([]*wsClient, 0, len(rm.clients))
	for c := range rm.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			log.Printf("ws client too slow, dropping frame for user %d", c.userID)
		}
	}
}

func (h *Hub) broadcastPresence(noteID int64) {
	h.mu.Lock()
	users := h.presenceLocked(noteID)
	h.mu.Unlock()
	h.broadcast(noteID, protocol.NewEnvelope(protocol.MsgPresenceUsers, protocol.PresencePayload{
		NoteID: noteID,
		Users:  users,
	}))
}

// roomLocked returns the room, creating it (and loading persisted content)
// on first reference. Caller holds h.mu.
func (h *Hub) roomLocked(noteID int64) *room {
	if rm, ok := h.rooms[noteID]; ok {
		return rm
	}
	rm := &room{
		noteID:       noteID,
		participants: make(map[int64]*participant),
		clients:      make(map[*wsClient]bool),
	}
	if n, err := h.store.GetNote(h.ctx, noteID); err == nil {
		rm.content = n.Content
	} else if !errors.Is(err, ErrNoteNotFound) {
		log.Printf("load note %d: %v", noteID, err)
	}
	if h.relay != nil {
		ctx, cancel := context.WithCancel(h.ctx)
		rm.cancelRelay = cancel
		h.relay.Subscribe(ctx, noteID, h.applyRelayed)
	}
	h.rooms[noteID] = rm
	return rm
}

// persistLocked writes the room's content and a history version through
// the store when authenticated edits are pending. Caller holds h.mu.
func (h *Hub) persistLocked(rm *room, authorID int64, authorName string) {
	if !rm.dirty {
		return
	}
	rm.dirty = false
	note := &Note{ID: rm.noteID, Content: rm.content}
	version := &Version{NoteID: rm.noteID, Content: rm.content, AuthorID: authorID, AuthorName: authorName}
	go func() {
		if err := h.store.SaveNote(h.ctx, note); err != nil {
			log.Printf("persist note %d: %v", rm.noteID, err)
		}
		if err := h.store.SaveVersion(h.ctx, version); err != nil {
			log.Printf("persist version for note %d: %v", rm.noteID, err)
		}
	}()
}

// stampLocked issues a strictly increasing operation timestamp. Caller
// holds h.mu.
func (h *Hub) stampLocked() int64 {
	now := time.Now().UnixMilli()
	if now <= h.clock {
		now = h.clock + 1
	}
	h.clock = now
	return now
}
