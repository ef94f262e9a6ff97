// Package engine composes the transport, session, presence, operation and
// history components into the single object an editing surface talks to.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/realtime-notes/collab/internal/buffer"
	"github.com/realtime-notes/collab/internal/history"
	"github.com/realtime-notes/collab/internal/journal"
	"github.com/realtime-notes/collab/internal/presence"
	"github.com/realtime-notes/collab/internal/protocol"
	"github.com/realtime-notes/collab/internal/session"
	"github.com/realtime-notes/collab/internal/transport"
)

// ErrAuthRequired is returned once a credential has been rejected. The
// connection is unusable until the caller re-authenticates and builds a new
// engine; the failure is never silently retried.
var ErrAuthRequired = errors.New("credential rejected; re-authentication required")

// ErrBusy is returned when joining while a session already exists. One
// engine owns exactly one session at a time.
var ErrBusy = errors.New("already in a room; leave first")

// OperationFunc observes an applied remote operation and the resulting
// buffer content.
type OperationFunc func(op protocol.Operation, content string)

// PresenceFunc observes roster changes.
type PresenceFunc func(users []protocol.PresenceUser)

// ErrorFunc observes transport- and protocol-level failures. Nothing
// throws past the engine boundary.
type ErrorFunc func(err error)

// ConnFunc observes connection state changes.
type ConnFunc func(state transport.ConnState)

// Options configures an Engine. Transport and REST are required; Journal
// is optional and enables offline buffer persistence.
type Options struct {
	Transport transport.Transport
	REST      *transport.REST
	Identity  session.Identity
	Journal   *journal.Journal
}

// Engine is the collaboration façade: Join, SendOperation, Undo, Redo,
// Leave, plus observer registration. All protocol state is mutated only by
// the dispatch goroutine's handlers and the mutex-guarded entry points, so
// no two messages are processed concurrently for the same room.
type Engine struct {
	tr   transport.Transport
	rest *transport.REST
	sess *session.Manager
	pres *presence.Tracker
	hist *history.Controller
	jour *journal.Journal

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu         sync.Mutex
	buf        *buffer.Buffer
	synced     bool // snapshot applied since the last (re)join
	wantJoin   bool
	joinSent   bool // a join is in flight on the current connection
	wantNoteID int64
	lastOpTime int64 // high-water timestamp for polling-echo dedup
	authFailed bool
	joinWait   chan error

	obsMu   sync.Mutex
	opSubs  []OperationFunc
	presSub []PresenceFunc
	errSubs []ErrorFunc
	connSub []ConnFunc
}

// New creates an engine. Identity is injected here; anonymous identities
// come from session.AnonymousIdentity.
func New(opts Options) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	sess := session.NewManager(opts.Identity)
	return &Engine{
		tr:     opts.Transport,
		rest:   opts.REST,
		sess:   sess,
		pres:   presence.NewTracker(),
		hist:   history.NewController(opts.REST, sess),
		jour:   opts.Journal,
		ctx:    ctx,
		cancel: cancel,
		buf:    buffer.New(""),
	}
}

// OnOperation registers an operation-applied observer.
func (e *Engine) OnOperation(fn OperationFunc) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.opSubs = append(e.opSubs, fn)
}

// OnPresence registers a presence-changed observer.
func (e *Engine) OnPresence(fn PresenceFunc) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.presSub = append(e.presSub, fn)
}

// OnError registers an error observer.
func (e *Engine) OnError(fn ErrorFunc) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.errSubs = append(e.errSubs, fn)
}

// OnConnState registers a connection state observer.
func (e *Engine) OnConnState(fn ConnFunc) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.connSub = append(e.connSub, fn)
}

// Buffer returns the current shared buffer content.
func (e *Engine) Buffer() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buf.String()
}

// Users returns the current roster.
func (e *Engine) Users() []protocol.PresenceUser { return e.pres.Users() }

// Session returns the session manager for capability checks.
func (e *Engine) Session() *session.Manager { return e.sess }

// ConnState returns the transport connection state.
func (e *Engine) ConnState() transport.ConnState { return e.tr.State() }

// Join enters the document's collaboration room and blocks until the
// authoritative snapshot has been applied or ctx expires. After a
// transport reconnection the engine re-joins automatically; callers only
// see the connection state toggling.
func (e *Engine) Join(ctx context.Context, noteID int64) error {
	e.mu.Lock()
	if e.authFailed {
		e.mu.Unlock()
		return ErrAuthRequired
	}
	if e.wantJoin {
		e.mu.Unlock()
		return ErrBusy
	}
	wait := make(chan error, 1)
	e.joinWait = wait
	e.wantJoin = true
	e.wantNoteID = noteID
	e.lastOpTime = 0
	e.mu.Unlock()

	e.once.Do(func() {
		go e.dispatch()
		e.tr.Connect(e.ctx)
	})

	// If the transport is already up (e.g. joining after a leave), the
	// Connected event that normally triggers the join has already passed.
	if e.tr.State() == transport.Connected {
		e.sendJoin()
	}

	select {
	case <-ctx.Done():
		// Abandon the attempt entirely so a later Join can start fresh
		// instead of tripping over this one's pending state.
		e.mu.Lock()
		e.joinWait = nil
		e.wantJoin = false
		e.joinSent = false
		e.synced = false
		e.wantNoteID = 0
		e.mu.Unlock()
		e.sess.Suspend()
		return protocol.NetworkError(ctx.Err())
	case err := <-wait:
		return err
	}
}

// SendOperation proposes an edit at position: delete deleteLen characters,
// then insert insert. The local buffer is updated optimistically; delivery
// is fire-and-forget and failures surface through the error observer.
// Sending while the session is not joined and resynchronized is a silent
// no-op so text typed mid-reconnect is not half-applied.
func (e *Engine) SendOperation(position, deleteLen int, insert string) {
	e.mu.Lock()
	if !e.sess.IsJoined() || !e.synced {
		e.mu.Unlock()
		return
	}
	id := e.sess.Identity()
	op := protocol.Operation{
		UserID:      id.UserID,
		UserName:    id.UserName,
		NoteID:      e.sess.NoteID(),
		Position:    position,
		DeleteLen:   deleteLen,
		Insert:      insert,
		Timestamp:   time.Now().UnixMilli(),
		IsAnonymous: id.Anonymous,
		SessionID:   e.sess.SessionID(),
	}
	if err := e.buf.Apply(op); err != nil {
		e.mu.Unlock()
		e.notifyError(err)
		return
	}
	e.mu.Unlock()

	if !e.tr.Send(protocol.NewEnvelope(protocol.MsgOperation, op)) {
		e.notifyError(protocol.NetworkError(errors.New("operation dropped: not connected")))
	}
}

// Undo pops the room's global history entry and reconciles the local
// buffer to the returned content. An empty stack or a session without the
// history capability yields Available=false, never an error.
func (e *Engine) Undo(ctx context.Context) (history.Result, error) {
	return e.applyHistory(e.hist.Undo(ctx))
}

// Redo restores the most recently undone entry.
func (e *Engine) Redo(ctx context.Context) (history.Result, error) {
	return e.applyHistory(e.hist.Redo(ctx))
}

func (e *Engine) applyHistory(res history.Result, err error) (history.Result, error) {
	if err != nil {
		if protocol.KindOf(err) == protocol.ErrUnauthorized {
			e.markAuthFailed()
		}
		e.notifyError(err)
		return res, err
	}
	if !res.Available {
		return res, nil
	}

	e.mu.Lock()
	old := e.buf.Len()
	e.buf.Set(res.Content)
	noteID := e.sess.NoteID()
	content := e.buf.String()
	e.mu.Unlock()

	e.notifyOperation(protocol.Operation{
		NoteID:    noteID,
		Position:  0,
		DeleteLen: old,
		Insert:    res.Content,
	}, content)
	return res, nil
}

// SendInvite shares the note with another user out-of-band.
func (e *Engine) SendInvite(ctx context.Context, toUserID int64) error {
	if !e.sess.IsJoined() {
		return protocol.NetworkError(errors.New("not joined"))
	}
	p := protocol.InvitePayload{NoteID: e.sess.NoteID(), ToUserID: toUserID}
	return e.rest.Post(ctx, "/collab/share", p, nil)
}

// Leave exits the room. The leave notification is best-effort; the session
// moves to Idle regardless of network outcome and in-flight results are
// discarded. The transport stays up so another document can be joined.
func (e *Engine) Leave() {
	e.mu.Lock()
	wasJoined := e.wantJoin
	e.wantJoin = false
	e.synced = false
	e.joinSent = false
	noteID := e.wantNoteID
	content := e.buf.String()
	e.mu.Unlock()
	if !wasJoined {
		return
	}

	e.saveJournal(noteID, content)
	p := e.sess.Leave()
	e.tr.Send(protocol.NewEnvelope(protocol.MsgLeave, p))
	e.pres.Replace(nil)
}

// Close leaves the room if needed and tears down the transport.
func (e *Engine) Close() {
	e.Leave()
	e.cancel()
	e.tr.Close()
}

// dispatch is the engine's single event loop; every inbound message and
// state change is handled here, one at a time.
func (e *Engine) dispatch() {
	for ev := range e.tr.Events() {
		switch ev.Type {
		case transport.EventState:
			e.handleConnState(ev.State)
		case transport.EventMessage:
			e.handleMessage(ev.Msg)
		case transport.EventError:
			e.handleError(ev.Err)
		}
	}
}

func (e *Engine) handleConnState(s transport.ConnState) {
	switch s {
	case transport.Connected:
		e.mu.Lock()
		rejoin := e.wantJoin
		e.mu.Unlock()
		if rejoin {
			e.sendJoin()
		}
	case transport.Reconnecting, transport.Disconnected:
		// The session dies with the connection; it is re-established
		// before any further operation is accepted.
		e.mu.Lock()
		e.synced = false
		e.joinSent = false
		noteID := e.wantNoteID
		content := e.buf.String()
		wasJoined := e.sess.IsJoined()
		e.mu.Unlock()
		e.sess.Suspend()
		if wasJoined {
			e.saveJournal(noteID, content)
		}
	}
	e.notifyConn(s)
}

// sendJoin transmits the join request at most once per connection: both the
// Connected event and a Join call on an already-connected transport route
// here, and the duplicate must not go out.
func (e *Engine) sendJoin() {
	e.mu.Lock()
	if e.joinSent {
		e.mu.Unlock()
		return
	}
	e.joinSent = true
	noteID := e.wantNoteID
	e.synced = false
	e.mu.Unlock()

	p := e.sess.StartJoin(noteID)
	if !e.tr.Send(protocol.NewEnvelope(protocol.MsgJoin, p)) {
		// Not connected after all; the next Connected event retries.
		e.sess.Suspend()
		e.mu.Lock()
		e.joinSent = false
		e.mu.Unlock()
	}
}

func (e *Engine) handleMessage(env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgJoined:
		var p protocol.JoinedPayload
		if !e.decode(env.Payload, &p) {
			return
		}
		if !e.sess.HandleJoined(p) {
			err := protocol.StatusError(0, p.Message)
			e.notifyError(err)
			e.failJoin(fmt.Errorf("join rejected: %s", p.Message))
		}

	case protocol.MsgSnapshot:
		var p protocol.SnapshotPayload
		if !e.decode(env.Payload, &p) {
			return
		}
		e.applySnapshot(p)

	case protocol.MsgOperationDone:
		var op protocol.Operation
		if !e.decode(env.Payload, &op) {
			return
		}
		e.applyRemote(op)

	case protocol.MsgPresenceUsers:
		var p protocol.PresencePayload
		if !e.decode(env.Payload, &p) {
			return
		}
		e.pres.Replace(p.Users)
		e.notifyPresence(e.pres.Users())

	case protocol.MsgError:
		var p protocol.ErrorPayload
		if !e.decode(env.Payload, &p) {
			return
		}
		e.notifyError(&protocol.APIError{Kind: protocol.ErrServer, Message: p.Message})

	default:
		log.Printf("engine: ignoring message type %q", env.Type)
	}
}

func (e *Engine) applySnapshot(p protocol.SnapshotPayload) {
	e.mu.Lock()
	if p.NoteID != e.wantNoteID {
		e.mu.Unlock()
		return
	}
	old := e.buf.Len()
	e.buf.Set(p.Content)
	e.synced = true
	if p.OpTime > e.lastOpTime {
		// Operations stamped at or before the snapshot are already part
		// of its content; re-deliveries of them must not reapply.
		e.lastOpTime = p.OpTime
	}
	wait := e.joinWait
	e.joinWait = nil
	noteID := e.wantNoteID
	content := e.buf.String()
	e.mu.Unlock()

	if e.jour != nil {
		if err := e.jour.Delete(noteID); err != nil {
			log.Printf("journal delete error: %v", err)
		}
	}
	if wait != nil {
		wait <- nil
	}
	e.notifyOperation(protocol.Operation{
		NoteID:    noteID,
		Position:  0,
		DeleteLen: old,
		Insert:    p.Content,
	}, content)
}

// applyRemote applies a broadcast operation. Self-originated echoes are
// filtered by userId; stale polling re-deliveries are filtered by the
// timestamp high-water mark. Operations apply in arrival order with no
// transform against concurrent edits.
func (e *Engine) applyRemote(op protocol.Operation) {
	e.mu.Lock()
	if !e.synced || op.NoteID != e.wantNoteID {
		e.mu.Unlock()
		return
	}
	if op.Timestamp > 0 {
		if op.Timestamp <= e.lastOpTime {
			e.mu.Unlock()
			return
		}
		e.lastOpTime = op.Timestamp
	}
	if op.UserID == e.sess.Identity().UserID {
		e.mu.Unlock()
		return
	}
	if err := e.buf.Apply(op); err != nil {
		e.mu.Unlock()
		e.notifyError(err)
		return
	}
	content := e.buf.String()
	e.mu.Unlock()

	e.notifyOperation(op, content)
}

func (e *Engine) handleError(err error) {
	if protocol.KindOf(err) == protocol.ErrUnauthorized {
		e.markAuthFailed()
	}
	e.notifyError(err)
}

// markAuthFailed makes the connection unusable after a rejected
// credential. Auth failures are surfaced, never retried.
func (e *Engine) markAuthFailed() {
	e.mu.Lock()
	already := e.authFailed
	e.authFailed = true
	e.wantJoin = false
	e.mu.Unlock()
	if already {
		return
	}
	e.failJoin(ErrAuthRequired)
	e.sess.Suspend()
	e.tr.Close()
}

func (e *Engine) failJoin(err error) {
	e.mu.Lock()
	wait := e.joinWait
	e.joinWait = nil
	e.wantJoin = false
	e.joinSent = false
	e.mu.Unlock()
	if wait != nil {
		wait <- err
	}
}

func (e *Engine) saveJournal(noteID int64, content string) {
	if e.jour == nil || noteID == 0 {
		return
	}
	if err := e.jour.Save(noteID, content); err != nil {
		log.Printf("journal save error: %v", err)
	}
}

func (e *Engine) decode(data json.RawMessage, out interface{}) bool {
	if err := json.Unmarshal(data, out); err != nil {
		e.notifyError(protocol.ProtocolError(err))
		return false
	}
	return true
}

func (e *Engine) notifyOperation(op protocol.Operation, content string) {
	e.obsMu.Lock()
	subs := append([]OperationFunc(nil), e.opSubs...)
	e.obsMu.Unlock()
	for _, fn := range subs {
		fn(op, content)
	}
}

func (e *Engine) notifyPresence(users []protocol.PresenceUser) {
	e.obsMu.Lock()
	subs := append([]PresenceFunc(nil), e.presSub...)
	e.obsMu.Unlock()
	for _, fn := range subs {
		fn(users)
	}
}

func (e *Engine) notifyError(err error) {
	e.obsMu.Lock()
	subs := append([]ErrorFunc(nil), e.errSubs...)
	e.obsMu.Unlock()
	for _, fn := range subs {
		fn(err)
	}
	if len(subs) == 0 {
		log.Printf("engine error: %v", err)
	}
}

func (e *Engine) notifyConn(s transport.ConnState) {
	e.obsMu.Lock()
	subs := append([]ConnFunc(nil), e.connSub...)
	e.obsMu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}
