package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/realtime-notes/collab/internal/protocol"
)

func newTestHub(t *testing.T) (*Hub, *MemStore) {
	t.Helper()
	store := NewMemStore()
	return NewHub(context.Background(), store, nil), store
}

func apply(t *testing.T, h *Hub, op protocol.Operation) protocol.Operation {
	t.Helper()
	applied, err := h.ApplyOperation(op)
	if err != nil {
		t.Fatalf("ApplyOperation(%+v) error: %v", op, err)
	}
	return applied
}

func TestApplyOperation(t *testing.T) {
	h, _ := newTestHub(t)

	first := apply(t, h, protocol.Operation{NoteID: 1, UserID: 2, Insert: "hello"})
	second := apply(t, h, protocol.Operation{NoteID: 1, UserID: 2, Position: 5, Insert: " world"})

	snap := h.Snapshot(1)
	if snap.Content != "hello world" {
		t.Errorf("content = %q, want %q", snap.Content, "hello world")
	}
	if snap.Version != 2 {
		t.Errorf("version = %d, want 2", snap.Version)
	}
	if first.Version >= second.Version {
		t.Errorf("versions not increasing: %d then %d", first.Version, second.Version)
	}
	if first.Timestamp >= second.Timestamp {
		t.Errorf("timestamps not strictly increasing: %d then %d", first.Timestamp, second.Timestamp)
	}
}

func TestApplyOperationOutOfBounds(t *testing.T) {
	h, _ := newTestHub(t)
	apply(t, h, protocol.Operation{NoteID: 1, Insert: "hi"})

	_, err := h.ApplyOperation(protocol.Operation{NoteID: 1, Position: 3, Insert: "x"})
	if !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("error = %v, want out of bounds", err)
	}
	if got := h.Snapshot(1).Content; got != "hi" {
		t.Errorf("content mutated by rejected op: %q", got)
	}
}

func TestApplyOperationClampsDelete(t *testing.T) {
	h, _ := newTestHub(t)
	apply(t, h, protocol.Operation{NoteID: 1, Insert: "hello"})
	apply(t, h, protocol.Operation{NoteID: 1, Position: 2, DeleteLen: 100})
	if got := h.Snapshot(1).Content; got != "he" {
		t.Errorf("content = %q, want %q", got, "he")
	}
}

// The snapshot advertises the stamp of the newest operation folded into
// it, so a joiner can resume operation delivery strictly after the
// content it already holds.
func TestSnapshotCarriesOperationStamp(t *testing.T) {
	h, _ := newTestHub(t)

	if got := h.Snapshot(1).OpTime; got != 0 {
		t.Errorf("OpTime for an empty room = %d, want 0", got)
	}

	apply(t, h, protocol.Operation{NoteID: 1, UserID: 2, Insert: "hello"})
	last := apply(t, h, protocol.Operation{NoteID: 1, UserID: 2, Position: 5, Insert: " world"})

	snap := h.Snapshot(1)
	if snap.OpTime != last.Timestamp {
		t.Errorf("OpTime = %d, want %d (last applied op)", snap.OpTime, last.Timestamp)
	}
	if ops := h.OperationsSince(1, snap.OpTime); len(ops) != 0 {
		t.Errorf("OperationsSince(snapshot stamp) returned %d ops, want none", len(ops))
	}
}

func TestUndoRedo(t *testing.T) {
	h, _ := newTestHub(t)
	apply(t, h, protocol.Operation{NoteID: 1, UserID: 2, Insert: "hello"})
	apply(t, h, protocol.Operation{NoteID: 1, UserID: 2, Position: 5, Insert: " world"})

	content, ok := h.Undo(1, 2)
	if !ok || content != "hello" {
		t.Fatalf("Undo() = %q, %v", content, ok)
	}
	content, ok = h.Undo(1, 2)
	if !ok || content != "" {
		t.Fatalf("second Undo() = %q, %v", content, ok)
	}
	if _, ok = h.Undo(1, 2); ok {
		t.Fatal("Undo() succeeded on an empty stack")
	}

	content, ok = h.Redo(1, 2)
	if !ok || content != "hello" {
		t.Fatalf("Redo() = %q, %v", content, ok)
	}

	// A fresh edit discards the redo stack.
	apply(t, h, protocol.Operation{NoteID: 1, UserID: 2, Position: 5, Insert: "!"})
	if _, ok = h.Redo(1, 2); ok {
		t.Error("Redo() survived a new edit")
	}
}

// Undo/redo restores are regular operations in the log: pollers receive
// them as full-buffer replaces.
func TestRestoreAppearsInOperationLog(t *testing.T) {
	h, _ := newTestHub(t)
	apply(t, h, protocol.Operation{NoteID: 1, UserID: 2, Insert: "hello"})

	h.Undo(1, 2)
	ops := h.OperationsSince(1, 0)
	last := ops[len(ops)-1]
	if last.Position != 0 || last.DeleteLen != len("hello") || last.Insert != "" {
		t.Errorf("restore op = %+v, want full replace to empty", last)
	}
}

func TestOperationsSince(t *testing.T) {
	h, _ := newTestHub(t)
	first := apply(t, h, protocol.Operation{NoteID: 1, Insert: "a"})
	second := apply(t, h, protocol.Operation{NoteID: 1, Position: 1, Insert: "b"})

	all := h.OperationsSince(1, 0)
	if len(all) != 2 {
		t.Fatalf("OperationsSince(0) returned %d ops", len(all))
	}
	tail := h.OperationsSince(1, first.Timestamp)
	if len(tail) != 1 || tail[0].Timestamp != second.Timestamp {
		t.Errorf("OperationsSince(first) = %+v", tail)
	}
	if got := h.OperationsSince(1, second.Timestamp); len(got) != 0 {
		t.Errorf("OperationsSince(latest) = %+v, want empty", got)
	}
	if got := h.OperationsSince(99, 0); got != nil {
		t.Errorf("unknown room returned ops: %+v", got)
	}
}

func TestJoinIssuesAnonymousSession(t *testing.T) {
	h, _ := newTestHub(t)
	joined, snap := h.Join(protocol.JoinPayload{NoteID: 1, UserID: 50, UserName: "guest", IsAnonymous: true})
	if !joined.Success || joined.SessionID == "" {
		t.Fatalf("joined = %+v, want issued sessionId", joined)
	}
	if snap.NoteID != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if !h.ValidSession(joined.SessionID, 1) {
		t.Error("issued session not valid for its room")
	}
	if h.ValidSession(joined.SessionID, 2) {
		t.Error("session valid for a different room")
	}

	// Re-joining with the same sessionId keeps it.
	again, _ := h.Join(protocol.JoinPayload{NoteID: 1, UserID: 50, UserName: "guest", IsAnonymous: true, SessionID: joined.SessionID})
	if again.SessionID != joined.SessionID {
		t.Errorf("re-join replaced sessionId: %q -> %q", joined.SessionID, again.SessionID)
	}

	// Authenticated joins never get one.
	authed, _ := h.Join(protocol.JoinPayload{NoteID: 1, UserID: 7, UserName: "alice"})
	if authed.SessionID != "" {
		t.Errorf("authenticated join issued sessionId %q", authed.SessionID)
	}
}

func TestPresenceRoster(t *testing.T) {
	h, _ := newTestHub(t)
	h.Join(protocol.JoinPayload{NoteID: 1, UserID: 1, UserName: "alice"})
	h.Join(protocol.JoinPayload{NoteID: 1, UserID: 2, UserName: "bob"})

	users := h.Presence(1)
	if len(users) != 2 {
		t.Fatalf("Presence() = %d users, want 2", len(users))
	}

	h.Leave(protocol.LeavePayload{NoteID: 1, UserID: 1})
	users = h.Presence(1)
	if len(users) != 1 || users[0].UserID != 2 {
		t.Errorf("Presence() after leave = %+v", users)
	}
}

func TestHeartbeatRefreshesLastSeen(t *testing.T) {
	h, _ := newTestHub(t)
	h.Join(protocol.JoinPayload{NoteID: 1, UserID: 1, UserName: "alice"})
	before := h.Presence(1)[0].LastSeen

	time.Sleep(5 * time.Millisecond)
	h.Heartbeat(protocol.HeartbeatPayload{NoteID: 1, UserID: 1})
	after := h.Presence(1)[0].LastSeen
	if after <= before {
		t.Errorf("lastSeen not refreshed: %d -> %d", before, after)
	}
}

func TestRoomLoadsPersistedContent(t *testing.T) {
	store := NewMemStore()
	store.SaveNote(context.Background(), &Note{ID: 9, Content: "persisted"})
	h := NewHub(context.Background(), store, nil)

	_, snap := h.Join(protocol.JoinPayload{NoteID: 9, UserID: 1, UserName: "alice"})
	if snap.Content != "persisted" {
		t.Errorf("snapshot content = %q, want persisted text", snap.Content)
	}
}

func TestLeavePersistsAuthenticatedEdits(t *testing.T) {
	h, store := newTestHub(t)
	h.Join(protocol.JoinPayload{NoteID: 3, UserID: 1, UserName: "alice"})
	apply(t, h, protocol.Operation{NoteID: 3, UserID: 1, Insert: "keep me"})
	h.Leave(protocol.LeavePayload{NoteID: 3, UserID: 1, UserName: "alice"})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n, err := store.GetNote(context.Background(), 3); err == nil && n.Content == "keep me" {
			versions, _ := store.ListVersions(context.Background(), 3)
			if len(versions) == 1 && versions[0].AuthorID == 1 {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("authenticated edits were not persisted after leave")
}

// Anonymous edits live only in the room; leaving must not write them to the
// store.
func TestAnonymousEditsNotPersisted(t *testing.T) {
	h, store := newTestHub(t)
	joined, _ := h.Join(protocol.JoinPayload{NoteID: 4, UserID: 60, UserName: "guest", IsAnonymous: true})
	apply(t, h, protocol.Operation{NoteID: 4, UserID: 60, Insert: "ephemeral", IsAnonymous: true})
	h.Leave(protocol.LeavePayload{NoteID: 4, UserID: 60, SessionID: joined.SessionID})

	time.Sleep(50 * time.Millisecond)
	if _, err := store.GetNote(context.Background(), 4); !errors.Is(err, ErrNoteNotFound) {
		t.Errorf("GetNote = %v, want not found", err)
	}
	if h.ValidSession(joined.SessionID, 4) {
		t.Error("session survived leave")
	}
}
