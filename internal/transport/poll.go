package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/realtime-notes/collab/internal/protocol"
)

const (
	// DefaultPollInterval matches the endpoint's expected refresh cadence
	// for operations, presence and heartbeat.
	DefaultPollInterval = 1 * time.Second

	// pollFailureThreshold is how many consecutive operation-poll failures
	// flip the connection to Reconnecting. Heartbeat and presence failures
	// never count; the session must survive them.
	pollFailureThreshold = 3
)

// Poll is the fallback transport binding: the same message vocabulary
// carried as periodic pull requests plus a heartbeat. Useful on networks
// that break long-lived connections.
type Poll struct {
	rest     *REST
	interval time.Duration

	mu        sync.Mutex
	state     ConnState
	started   bool
	cancel    context.CancelFunc
	ctx       context.Context
	joined    bool
	joining   bool // join acknowledged, snapshot fetch still in flight
	noteID    int64
	userID    int64
	userName  string
	sessionID string
	since     int64 // high-water operation timestamp for ?since=
	failures  int   // consecutive operation-poll failures

	events *emitter
}

// NewPoll creates a polling transport over the given REST caller.
func NewPoll(rest *REST, interval time.Duration) *Poll {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poll{
		rest:     rest,
		interval: interval,
		events:   newEmitter(eventBuffer),
	}
}

func (t *Poll) Connect(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	t.ctx, t.cancel = context.WithCancel(ctx)
	go t.run(t.ctx)
}

func (t *Poll) Events() <-chan Event { return t.events.ch }

func (t *Poll) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Poll) Close() {
	t.mu.Lock()
	cancel := t.cancel
	started := t.started
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !started {
		t.events.close()
	}
}

// Send maps envelopes onto their request/response equivalents. Requests run
// asynchronously; failures surface as error events, not return values.
func (t *Poll) Send(env *protocol.Envelope) bool {
	t.mu.Lock()
	connected := t.state == Connected
	ctx := t.ctx
	t.mu.Unlock()
	if !connected || ctx == nil {
		return false
	}

	switch env.Type {
	case protocol.MsgJoin:
		var p protocol.JoinPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.events.emit(Event{Type: EventError, Err: protocol.ProtocolError(err)})
			return false
		}
		go t.join(ctx, p)
	case protocol.MsgOperation:
		var op protocol.Operation
		if err := json.Unmarshal(env.Payload, &op); err != nil {
			t.events.emit(Event{Type: EventError, Err: protocol.ProtocolError(err)})
			return false
		}
		go t.sendOperation(ctx, op)
	case protocol.MsgLeave:
		var p protocol.LeavePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return false
		}
		t.mu.Lock()
		t.joined = false
		t.joining = false
		t.mu.Unlock()
		go func() {
			// Best-effort; leaving never blocks on the network outcome.
			if err := t.rest.Post(ctx, "/realtime/leave", p, nil); err != nil {
				log.Printf("poll leave error: %v", err)
			}
		}()
	case protocol.MsgPresenceList:
		go t.pollPresence(ctx)
	case protocol.MsgHeartbeat:
		// The transport runs its own heartbeat timer.
	default:
		return false
	}
	return true
}

func (t *Poll) run(ctx context.Context) {
	defer t.events.close()
	defer t.setState(Disconnected)

	// There is no persistent link to establish; the binding is live as
	// soon as polling starts, and poll results drive liveness after that.
	t.setState(Connected)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			joined := t.joined
			t.mu.Unlock()
			if !joined {
				continue
			}
			t.pollOperations(ctx)
			t.pollPresence(ctx)
			t.heartbeat(ctx)
		}
	}
}

func (t *Poll) join(ctx context.Context, p protocol.JoinPayload) {
	var resp protocol.JoinedPayload
	err := t.rest.Post(ctx, "/realtime/join", p, &resp)
	if err != nil {
		t.events.emit(Event{Type: EventError, Err: err})
		t.events.emit(Event{Type: EventMessage, Msg: protocol.NewEnvelope(protocol.MsgJoined, protocol.JoinedPayload{
			Success: false,
			NoteID:  p.NoteID,
			Message: err.Error(),
		})})
		return
	}

	t.mu.Lock()
	t.noteID = p.NoteID
	t.userID = p.UserID
	t.userName = p.UserName
	t.sessionID = resp.SessionID
	t.joining = resp.Success
	t.failures = 0
	t.mu.Unlock()

	t.events.emit(Event{Type: EventMessage, Msg: protocol.NewEnvelope(protocol.MsgJoined, resp)})
	if resp.Success {
		// Room polling starts once the snapshot has set the high-water
		// mark; ticking before that would replay the operation log the
		// snapshot already contains.
		t.fetchSnapshot(ctx, p.NoteID)
	}
}

// query appends the anonymous sessionId when one was issued.
func (t *Poll) query(path string) string {
	t.mu.Lock()
	sid := t.sessionID
	t.mu.Unlock()
	if sid == "" {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "sessionId=" + url.QueryEscape(sid)
}

// fetchSnapshot emulates the push binding's post-join snapshot frame. The
// snapshot's OpTime becomes the since mark so only operations stamped
// after the snapshot are ever delivered.
func (t *Poll) fetchSnapshot(ctx context.Context, noteID int64) {
	var snap protocol.SnapshotPayload
	if err := t.rest.Get(ctx, t.query(fmt.Sprintf("/realtime/snapshot/%d", noteID)), &snap); err != nil {
		t.events.emit(Event{Type: EventError, Err: err})
		return
	}
	t.mu.Lock()
	t.since = snap.OpTime
	if t.joining {
		// A leave racing the fetch wins; the room must not be re-entered.
		t.joining = false
		t.joined = true
	}
	t.mu.Unlock()
	t.events.emit(Event{Type: EventMessage, Msg: protocol.NewEnvelope(protocol.MsgSnapshot, snap)})
}

func (t *Poll) sendOperation(ctx context.Context, op protocol.Operation) {
	if err := t.rest.Post(ctx, "/realtime/operation", op, nil); err != nil {
		t.events.emit(Event{Type: EventError, Err: err})
	}
}

type operationsResponse struct {
	Operations []protocol.Operation `json:"operations"`
}

func (t *Poll) pollOperations(ctx context.Context) {
	t.mu.Lock()
	noteID := t.noteID
	since := t.since
	t.mu.Unlock()

	var resp operationsResponse
	err := t.rest.Get(ctx, t.query(fmt.Sprintf("/realtime/operations/%d?since=%d", noteID, since)), &resp)
	if err != nil {
		t.opPollFailed(err)
		return
	}
	t.opPollSucceeded()

	for i := range resp.Operations {
		op := resp.Operations[i]
		t.mu.Lock()
		if op.Timestamp > t.since {
			t.since = op.Timestamp
		}
		t.mu.Unlock()
		t.events.emit(Event{Type: EventMessage, Msg: protocol.NewEnvelope(protocol.MsgOperationDone, op)})
	}
}

func (t *Poll) pollPresence(ctx context.Context) {
	t.mu.Lock()
	noteID := t.noteID
	t.mu.Unlock()

	var resp protocol.PresencePayload
	if err := t.rest.Get(ctx, t.query(fmt.Sprintf("/realtime/users/%d", noteID)), &resp); err != nil {
		log.Printf("presence poll error: %v", err)
		return
	}
	resp.NoteID = noteID
	t.events.emit(Event{Type: EventMessage, Msg: protocol.NewEnvelope(protocol.MsgPresenceUsers, resp)})
}

func (t *Poll) heartbeat(ctx context.Context) {
	t.mu.Lock()
	p := protocol.HeartbeatPayload{NoteID: t.noteID, UserID: t.userID, UserName: t.userName, SessionID: t.sessionID}
	t.mu.Unlock()

	if err := t.rest.Post(ctx, "/realtime/heartbeat", p, nil); err != nil {
		// Heartbeat failures never terminate the session.
		log.Printf("heartbeat error: %v", err)
	}
}

func (t *Poll) opPollFailed(err error) {
	t.mu.Lock()
	t.failures++
	trip := t.failures >= pollFailureThreshold && t.state == Connected
	t.mu.Unlock()

	log.Printf("operation poll error: %v", err)
	if trip {
		t.setState(Reconnecting)
	}
}

func (t *Poll) opPollSucceeded() {
	t.mu.Lock()
	t.failures = 0
	recovered := t.state == Reconnecting
	t.mu.Unlock()

	if recovered {
		t.setState(Connected)
	}
}

func (t *Poll) setState(s ConnState) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()
	t.events.emit(Event{Type: EventState, State: s})
}
