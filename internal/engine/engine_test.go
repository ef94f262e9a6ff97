package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/realtime-notes/collab/internal/protocol"
	"github.com/realtime-notes/collab/internal/server"
	"github.com/realtime-notes/collab/internal/session"
	"github.com/realtime-notes/collab/internal/transport"
)

var testAccounts = map[string]server.User{
	"tok-a": {ID: 1, Name: "alice"},
	"tok-b": {ID: 2, Name: "bob"},
}

func startEndpoint(t *testing.T, allowAnonymous bool) (*httptest.Server, *server.MemStore) {
	t.Helper()
	store := server.NewMemStore()
	hub := server.NewHub(context.Background(), store, nil)
	srv := server.NewServer(hub, store, testAccounts, allowAnonymous)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, store
}

func wsBase(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func pushEngine(t *testing.T, ts *httptest.Server, token string, id session.Identity) *Engine {
	t.Helper()
	ws := transport.NewWS(wsBase(ts), token)
	ws.SetReconnectDelay(20 * time.Millisecond)
	eng := New(Options{
		Transport: ws,
		REST:      transport.NewREST(ts.URL, token, 0),
		Identity:  id,
	})
	t.Cleanup(eng.Close)
	return eng
}

func pollEngine(t *testing.T, ts *httptest.Server, token string, id session.Identity) *Engine {
	t.Helper()
	rest := transport.NewREST(ts.URL, token, 0)
	eng := New(Options{
		Transport: transport.NewPoll(rest, 20*time.Millisecond),
		REST:      rest,
		Identity:  id,
	})
	t.Cleanup(eng.Close)
	return eng
}

func join(t *testing.T, eng *Engine, noteID int64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Join(ctx, noteID); err != nil {
		t.Fatalf("Join(%d) error: %v", noteID, err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testCollaboration(t *testing.T, a, b *Engine) {
	join(t, a, 1)
	join(t, b, 1)

	a.SendOperation(0, 0, "hello")
	if got := a.Buffer(); got != "hello" {
		t.Fatalf("a.Buffer() after optimistic apply = %q", got)
	}
	waitFor(t, func() bool { return b.Buffer() == "hello" }, "edit never reached b")

	b.SendOperation(5, 0, " world")
	waitFor(t, func() bool { return a.Buffer() == "hello world" }, "edit never reached a")
	if got := b.Buffer(); got != "hello world" {
		t.Errorf("b.Buffer() = %q", got)
	}

	waitFor(t, func() bool { return len(a.Users()) == 2 && len(b.Users()) == 2 }, "rosters never converged")
}

func TestPushCollaboration(t *testing.T) {
	ts, _ := startEndpoint(t, true)
	a := pushEngine(t, ts, "tok-a", session.Identity{UserID: 1, UserName: "alice", Token: "tok-a"})
	b := pushEngine(t, ts, "tok-b", session.Identity{UserID: 2, UserName: "bob", Token: "tok-b"})
	testCollaboration(t, a, b)
}

func TestPollCollaboration(t *testing.T) {
	ts, _ := startEndpoint(t, true)
	a := pollEngine(t, ts, "tok-a", session.Identity{UserID: 1, UserName: "alice", Token: "tok-a"})
	b := pollEngine(t, ts, "tok-b", session.Identity{UserID: 2, UserName: "bob", Token: "tok-b"})
	testCollaboration(t, a, b)
}

// The two bindings carry the same vocabulary; a polling participant and a
// push participant share one room.
func TestMixedBindings(t *testing.T) {
	ts, _ := startEndpoint(t, true)
	a := pushEngine(t, ts, "tok-a", session.Identity{UserID: 1, UserName: "alice", Token: "tok-a"})
	b := pollEngine(t, ts, "tok-b", session.Identity{UserID: 2, UserName: "bob", Token: "tok-b"})
	testCollaboration(t, a, b)
}

func TestJoinAppliesSnapshot(t *testing.T) {
	ts, store := startEndpoint(t, true)
	store.SaveNote(context.Background(), &server.Note{ID: 7, Content: "already here"})

	eng := pushEngine(t, ts, "tok-a", session.Identity{UserID: 1, UserName: "alice", Token: "tok-a"})
	join(t, eng, 7)
	if got := eng.Buffer(); got != "already here" {
		t.Errorf("Buffer() after join = %q, want persisted content", got)
	}
	if !eng.Session().IsJoined() {
		t.Error("session not joined")
	}
}

// A participant joining over the polling binding after the room has built
// up history must end with exactly the snapshot content: the operation log
// the snapshot already contains is never replayed on top of it.
func TestPollJoinAfterHistory(t *testing.T) {
	ts, _ := startEndpoint(t, true)
	a := pushEngine(t, ts, "tok-a", session.Identity{UserID: 1, UserName: "alice", Token: "tok-a"})
	join(t, a, 1)
	a.SendOperation(0, 0, "hel")
	a.SendOperation(3, 0, "lo")

	rest := transport.NewREST(ts.URL, "tok-b", 0)
	waitFor(t, func() bool {
		var snap protocol.SnapshotPayload
		err := rest.Get(context.Background(), "/realtime/snapshot/1", &snap)
		return err == nil && snap.Content == "hello"
	}, "edits never reached the endpoint")

	b := pollEngine(t, ts, "tok-b", session.Identity{UserID: 2, UserName: "bob", Token: "tok-b"})
	join(t, b, 1)
	if got := b.Buffer(); got != "hello" {
		t.Fatalf("Buffer() after join = %q, want %q", got, "hello")
	}

	// Let many poll intervals pass; the pre-join history must stay where
	// it is, folded into the snapshot.
	time.Sleep(300 * time.Millisecond)
	if got := b.Buffer(); got != "hello" {
		t.Errorf("Buffer() after polling = %q, want %q", got, "hello")
	}

	// New edits still flow.
	a.SendOperation(5, 0, " world")
	waitFor(t, func() bool { return b.Buffer() == "hello world" }, "post-join edit never arrived")
}

// Sending before join (or mid-resync) is a silent no-op.
func TestSendOperationRequiresJoinedSession(t *testing.T) {
	ts, _ := startEndpoint(t, true)
	eng := pushEngine(t, ts, "tok-a", session.Identity{UserID: 1, UserName: "alice", Token: "tok-a"})

	eng.SendOperation(0, 0, "too early")
	if got := eng.Buffer(); got != "" {
		t.Errorf("Buffer() = %q, want untouched", got)
	}
}

func TestUndoRedo(t *testing.T) {
	ts, _ := startEndpoint(t, true)
	eng := pushEngine(t, ts, "tok-a", session.Identity{UserID: 1, UserName: "alice", Token: "tok-a"})
	join(t, eng, 1)

	ctx := context.Background()

	// Nothing to undo yet: capability present, stack empty.
	res, err := eng.Undo(ctx)
	if err != nil {
		t.Fatalf("Undo() on empty stack error: %v", err)
	}
	if res.Available {
		t.Fatal("Undo() reported Available on an empty stack")
	}
	if got := eng.Buffer(); got != "" {
		t.Errorf("buffer touched by unavailable undo: %q", got)
	}

	eng.SendOperation(0, 0, "hello")
	eng.SendOperation(5, 0, " world")

	// Delivery is fire-and-forget; wait until the endpoint holds both edits
	// before undoing, or the undo would restore an intermediate state.
	rest := transport.NewREST(ts.URL, "tok-a", 0)
	waitFor(t, func() bool {
		var snap protocol.SnapshotPayload
		err := rest.Get(ctx, "/realtime/snapshot/1", &snap)
		return err == nil && snap.Content == "hello world"
	}, "edits never reached the endpoint")

	res, err = eng.Undo(ctx)
	if err != nil || !res.Available {
		t.Fatalf("Undo() = %+v, %v", res, err)
	}
	if got := eng.Buffer(); got != "hello" {
		t.Errorf("Buffer() after undo = %q, want %q", got, "hello")
	}

	res, err = eng.Redo(ctx)
	if err != nil || !res.Available {
		t.Fatalf("Redo() = %+v, %v", res, err)
	}
	if got := eng.Buffer(); got != "hello world" {
		t.Errorf("Buffer() after redo = %q, want %q", got, "hello world")
	}
}

func TestAnonymousSession(t *testing.T) {
	ts, _ := startEndpoint(t, true)
	id := session.AnonymousIdentity()
	eng := pollEngine(t, ts, "", id)
	join(t, eng, 1)

	if eng.Session().SessionID() == "" {
		t.Error("anonymous join received no sessionId")
	}
	if eng.Session().CanPersist() {
		t.Error("anonymous session claims durable persistence")
	}

	// Edits flow with no credential, authorized by the sessionId alone.
	eng.SendOperation(0, 0, "anon edit")
	observer := pollEngine(t, ts, "tok-a", session.Identity{UserID: 1, UserName: "alice", Token: "tok-a"})
	join(t, observer, 1)
	waitFor(t, func() bool { return observer.Buffer() == "anon edit" }, "anonymous edit never propagated")

	// History is a capability the session lacks; no error, buffer intact.
	res, err := eng.Undo(context.Background())
	if err != nil {
		t.Fatalf("Undo() error: %v", err)
	}
	if res.Available {
		t.Error("history offered to an anonymous session")
	}
	if got := eng.Buffer(); got != "anon edit" {
		t.Errorf("buffer changed by denied undo: %q", got)
	}
}

func TestSendInvite(t *testing.T) {
	ts, _ := startEndpoint(t, true)
	eng := pushEngine(t, ts, "tok-a", session.Identity{UserID: 1, UserName: "alice", Token: "tok-a"})

	if err := eng.SendInvite(context.Background(), 2); err == nil {
		t.Error("SendInvite accepted while not joined")
	}
	join(t, eng, 1)
	if err := eng.SendInvite(context.Background(), 2); err != nil {
		t.Errorf("SendInvite() error: %v", err)
	}
}

// A rejected credential poisons the engine: the join fails with
// ErrAuthRequired and is never silently retried.
func TestAuthRejected(t *testing.T) {
	ts, _ := startEndpoint(t, false)
	eng := pollEngine(t, ts, "wrong-token", session.Identity{UserID: 9, UserName: "mallory", Token: "wrong-token"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Join(ctx, 1); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("Join() = %v, want ErrAuthRequired", err)
	}
	if err := eng.Join(ctx, 1); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("second Join() = %v, want ErrAuthRequired without a retry", err)
	}
}

// Same contract on the push binding: the rejected handshake surfaces as
// ErrAuthRequired instead of being redialed until the context runs out.
func TestAuthRejectedPush(t *testing.T) {
	ts, _ := startEndpoint(t, false)
	eng := pushEngine(t, ts, "wrong-token", session.Identity{UserID: 9, UserName: "mallory", Token: "wrong-token"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Join(ctx, 1); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("Join() = %v, want ErrAuthRequired", err)
	}
	if err := eng.Join(ctx, 1); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("second Join() = %v, want ErrAuthRequired without a retry", err)
	}
}

// A Join that times out releases its claim on the engine: the next Join
// starts fresh instead of failing with ErrBusy.
func TestJoinTimeoutAllowsRetry(t *testing.T) {
	var joins int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var env protocol.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Type != protocol.MsgJoin {
				continue
			}
			if atomic.AddInt32(&joins, 1) == 1 {
				continue // swallow the first join; the client gives up on its own
			}
			conn.WriteJSON(protocol.NewEnvelope(protocol.MsgJoined, protocol.JoinedPayload{Success: true, NoteID: 1, UserID: 1}))
			conn.WriteJSON(protocol.NewEnvelope(protocol.MsgSnapshot, protocol.SnapshotPayload{NoteID: 1, Content: "second attempt"}))
		}
	}))
	defer srv.Close()

	ws := transport.NewWS("ws"+strings.TrimPrefix(srv.URL, "http"), "")
	ws.SetReconnectDelay(20 * time.Millisecond)
	eng := New(Options{
		Transport: ws,
		REST:      transport.NewREST(srv.URL, "", 0),
		Identity:  session.Identity{UserID: 1, UserName: "alice", Token: "t"},
	})
	defer eng.Close()

	short, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := eng.Join(short, 1)
	if err == nil {
		t.Fatal("Join() succeeded against an unresponsive room")
	}
	if errors.Is(err, ErrBusy) {
		t.Fatalf("Join() = %v", err)
	}

	join(t, eng, 1)
	if got := eng.Buffer(); got != "second attempt" {
		t.Errorf("Buffer() = %q", got)
	}
}

func TestLeaveAndRejoin(t *testing.T) {
	ts, _ := startEndpoint(t, true)
	eng := pushEngine(t, ts, "tok-a", session.Identity{UserID: 1, UserName: "alice", Token: "tok-a"})

	join(t, eng, 1)
	eng.SendOperation(0, 0, "note one")
	eng.Leave()
	if eng.Session().IsJoined() {
		t.Fatal("session still joined after Leave")
	}

	// The transport stays up; the same engine can join another document.
	join(t, eng, 2)
	if got := eng.Buffer(); got != "" {
		t.Errorf("Buffer() after joining a fresh note = %q", got)
	}
	eng.SendOperation(0, 0, "note two")
	if got := eng.Buffer(); got != "note two" {
		t.Errorf("Buffer() = %q", got)
	}
}

// flakyPushServer speaks the push vocabulary directly and drops its first
// connection right after delivering the snapshot, to exercise the automatic
// reconnect and re-join.
func flakyPushServer(t *testing.T) *httptest.Server {
	t.Helper()
	var conns int32
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := atomic.AddInt32(&conns, 1)

		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil || env.Type != protocol.MsgJoin {
			return
		}
		conn.WriteJSON(protocol.NewEnvelope(protocol.MsgJoined, protocol.JoinedPayload{Success: true, NoteID: 1, UserID: 1}))
		content := "first connection"
		if n > 1 {
			content = "second connection"
		}
		conn.WriteJSON(protocol.NewEnvelope(protocol.MsgSnapshot, protocol.SnapshotPayload{NoteID: 1, Content: content}))
		if n == 1 {
			return // drop the link; the client must recover on its own
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestReconnectRejoinsAutomatically(t *testing.T) {
	srv := flakyPushServer(t)
	defer srv.Close()

	ws := transport.NewWS("ws"+strings.TrimPrefix(srv.URL, "http"), "")
	ws.SetReconnectDelay(20 * time.Millisecond)
	eng := New(Options{
		Transport: ws,
		REST:      transport.NewREST(srv.URL, "", 0),
		Identity:  session.Identity{UserID: 1, UserName: "alice", Token: "t"},
	})
	defer eng.Close()

	var states []transport.ConnState
	stateCh := make(chan transport.ConnState, 16)
	eng.OnConnState(func(s transport.ConnState) { stateCh <- s })

	join(t, eng, 1)
	if got := eng.Buffer(); got != "first connection" {
		t.Fatalf("Buffer() = %q", got)
	}

	// The server drops the link; the engine must reconnect on the fixed
	// interval and re-join without caller involvement.
	waitFor(t, func() bool { return eng.Buffer() == "second connection" }, "engine never re-joined after the drop")
	if !eng.Session().IsJoined() {
		t.Error("session not re-established")
	}

	sawReconnecting := false
	for {
		select {
		case s := <-stateCh:
			states = append(states, s)
			if s == transport.Reconnecting {
				sawReconnecting = true
			}
		default:
			if !sawReconnecting {
				t.Errorf("observer never saw Reconnecting; states: %v", states)
			}
			return
		}
	}
}
