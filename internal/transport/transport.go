// Package transport owns the connection to a collaboration endpoint.
//
// Two bindings carry the same message vocabulary: a persistent
// push-style websocket connection (WS) and a periodic-pull fallback built
// from plain requests plus a heartbeat (Poll). The engine treats both
// identically through the Transport interface.
package transport

import (
	"context"
	"sync"

	"github.com/realtime-notes/collab/internal/protocol"
)

// ConnState is the transport connection state. It is owned exclusively by
// the transport; observers never mutate it.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Reconnecting
)

var connStateNames = map[ConnState]string{
	Disconnected: "disconnected",
	Connecting:   "connecting",
	Connected:    "connected",
	Reconnecting: "reconnecting",
}

func (s ConnState) String() string {
	if n, ok := connStateNames[s]; ok {
		return n
	}
	return "unknown"
}

// EventType identifies the kind of transport event.
type EventType int

const (
	// EventState reports a connection state change.
	EventState EventType = iota
	// EventMessage delivers an inbound envelope.
	EventMessage
	// EventError reports a non-fatal failure (decode errors, dropped
	// sends). Delivery of subsequent messages continues.
	EventError
)

// Event is a single transport notification.
type Event struct {
	Type  EventType
	State ConnState
	Msg   *protocol.Envelope
	Err   error
}

// Transport is one bidirectional message channel to the collaboration
// endpoint.
type Transport interface {
	// Connect starts the transport. It returns immediately; progress is
	// reported through Events. On unexpected closure the transport
	// schedules its own retries until Close or ctx cancellation.
	Connect(ctx context.Context)

	// Send enqueues env if and only if the connection is Connected. It
	// reports false when the message was dropped; callers must not assume
	// delivery either way.
	Send(env *protocol.Envelope) bool

	// Events delivers state changes, inbound messages and non-fatal
	// errors. The channel is closed after Close.
	Events() <-chan Event

	// State returns the current connection state.
	State() ConnState

	// Close tears the transport down without retry.
	Close()
}

// emitter serializes event delivery and survives racing emits after Close.
type emitter struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func newEmitter(buf int) *emitter {
	return &emitter{ch: make(chan Event, buf)}
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- ev:
	default:
		// Consumer can't keep up; drop rather than stall the connection.
	}
}

func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
