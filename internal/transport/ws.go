package transport

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/realtime-notes/collab/internal/protocol"
)

const (
	// DefaultReconnectDelay matches the endpoint's expected retry cadence:
	// a fixed interval with a single outstanding retry at a time.
	DefaultReconnectDelay = 1 * time.Second

	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second

	eventBuffer = 256
)

// WS is the push-style transport binding: one persistent websocket
// connection carrying envelope frames in both directions.
type WS struct {
	url            string
	token          string
	reconnectDelay time.Duration

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes (frames, pings)
	conn    *websocket.Conn
	state   ConnState
	cancel  context.CancelFunc
	started bool

	events *emitter
}

// NewWS creates a push transport dialing wsURL. The credential travels as a
// connection-establishment query parameter; empty token means anonymous.
func NewWS(wsURL, token string) *WS {
	return &WS{
		url:            wsURL,
		token:          token,
		reconnectDelay: DefaultReconnectDelay,
		events:         newEmitter(eventBuffer),
	}
}

// SetReconnectDelay overrides the fixed retry interval. Must be called
// before Connect.
func (t *WS) SetReconnectDelay(d time.Duration) {
	if d > 0 {
		t.reconnectDelay = d
	}
}

func (t *WS) Connect(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	ctx, t.cancel = context.WithCancel(ctx)
	go t.run(ctx)
}

func (t *WS) Events() <-chan Event { return t.events.ch }

func (t *WS) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Send writes env if the connection is Connected; otherwise the message is
// silently dropped and Send reports false.
func (t *WS) Send(env *protocol.Envelope) bool {
	t.mu.Lock()
	conn := t.conn
	connected := t.state == Connected
	t.mu.Unlock()
	if !connected || conn == nil {
		return false
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(env); err != nil {
		log.Printf("ws write error: %v", err)
		return false
	}
	return true
}

// Close tears down the connection without retry.
func (t *WS) Close() {
	t.mu.Lock()
	cancel := t.cancel
	conn := t.conn
	started := t.started
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if !started {
		t.events.close()
	}
}

func (t *WS) run(ctx context.Context) {
	defer t.events.close()
	defer t.setState(Disconnected)

	retry := backoff.NewConstantBackOff(t.reconnectDelay)
	t.setState(Connecting)
	for {
		if ctx.Err() != nil {
			return
		}

		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.dialURL(), nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				// A rejected credential is not a transient failure; redialing
				// with the same token would be rejected forever.
				t.events.emit(Event{Type: EventError, Err: protocol.StatusError(http.StatusUnauthorized, "credential rejected")})
				return
			}
			log.Printf("ws dial error: %v (retry in %v)", err, t.reconnectDelay)
			t.setState(Reconnecting)
			if !t.wait(ctx, retry.NextBackOff()) {
				return
			}
			continue
		}

		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		t.setState(Connected)

		pingCtx, pingCancel := context.WithCancel(ctx)
		go t.pingLoop(pingCtx, conn)
		t.readLoop(conn)
		pingCancel()

		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		t.setState(Reconnecting)
		if !t.wait(ctx, retry.NextBackOff()) {
			return
		}
	}
}

// readLoop delivers inbound frames until the connection drops. Malformed
// payloads are reported and skipped; they never stall later messages.
func (t *WS) readLoop(conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.events.emit(Event{Type: EventError, Err: protocol.ProtocolError(err)})
			continue
		}
		t.events.emit(Event{Type: EventMessage, Msg: &env})
	}
}

// pingLoop keeps the connection alive. It exits when the context is
// cancelled or the connection is no longer current.
func (t *WS) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			current := t.conn == conn
			t.mu.Unlock()
			if !current {
				return
			}
			t.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (t *WS) setState(s ConnState) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()
	t.events.emit(Event{Type: EventState, State: s})
}

func (t *WS) dialURL() string {
	if t.token == "" {
		return t.url
	}
	u, err := url.Parse(t.url)
	if err != nil {
		return t.url
	}
	q := u.Query()
	q.Set("token", t.token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (t *WS) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
