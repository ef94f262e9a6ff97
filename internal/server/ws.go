package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/realtime-notes/collab/internal/protocol"
)

// wsClient is one push-binding connection. Outbound frames go through a
// buffered send channel so a slow reader never blocks the hub.
type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	userID    int64
	userName  string
	noteID    int64
	anonymous bool

	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	c := &wsClient{
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
	}
	go c.writePump()
	return c
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

func (c *wsClient) reply(env *protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *wsClient) replyError(message string) {
	c.reply(protocol.NewEnvelope(protocol.MsgError, protocol.ErrorPayload{Message: message}))
}

// handleWS upgrades the connection and runs the push binding. The
// credential travels as a query parameter on the handshake; a connection
// without one is anonymous and limited accordingly.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	user, authed := s.authorize(r)
	if !authed {
		if token := r.URL.Query().Get("token"); token != "" {
			// A wrong credential is rejected outright; only a missing one
			// falls back to anonymous mode.
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !s.allowAnonymous {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	c := newWSClient(conn)
	defer s.hub.unregister(c)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.replyError("malformed frame")
			continue
		}
		if !s.handleFrame(c, user, authed, &env) {
			return
		}
	}
}

// handleFrame processes one inbound push frame. It reports false when the
// connection should close.
func (s *Server) handleFrame(c *wsClient, user User, authed bool, env *protocol.Envelope) bool {
	switch env.Type {
	case protocol.MsgJoin:
		var p protocol.JoinPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			c.replyError("malformed join")
			return true
		}
		if authed {
			p.UserID = user.ID
			if user.Name != "" {
				p.UserName = user.Name
			}
			p.IsAnonymous = false
		} else {
			p.IsAnonymous = true
		}
		joined, snap := s.hub.Join(p)
		c.userID = p.UserID
		c.userName = p.UserName
		c.noteID = p.NoteID
		c.anonymous = p.IsAnonymous
		s.hub.register(c)
		c.reply(protocol.NewEnvelope(protocol.MsgJoined, joined))
		c.reply(protocol.NewEnvelope(protocol.MsgSnapshot, snap))

	case protocol.MsgOperation:
		var op protocol.Operation
		if json.Unmarshal(env.Payload, &op) != nil {
			c.replyError("malformed operation")
			return true
		}
		if c.noteID == 0 || op.NoteID != c.noteID {
			c.replyError("not joined to that room")
			return true
		}
		op.UserID = c.userID
		op.IsAnonymous = c.anonymous
		if _, err := s.hub.ApplyOperation(op); err != nil {
			c.replyError(err.Error())
		}

	case protocol.MsgPresenceList:
		c.reply(protocol.NewEnvelope(protocol.MsgPresenceUsers, protocol.PresencePayload{
			NoteID: c.noteID,
			Users:  s.hub.Presence(c.noteID),
		}))

	case protocol.MsgHeartbeat:
		s.hub.Heartbeat(protocol.HeartbeatPayload{NoteID: c.noteID, UserID: c.userID, UserName: c.userName})

	case protocol.MsgUndo, protocol.MsgRedo:
		if c.anonymous {
			c.replyError("history unavailable for anonymous sessions")
			return true
		}
		var ok bool
		if env.Type == protocol.MsgUndo {
			_, ok = s.hub.Undo(c.noteID, c.userID)
		} else {
			_, ok = s.hub.Redo(c.noteID, c.userID)
		}
		if !ok {
			c.replyError("nothing to restore")
		}

	case protocol.MsgLeave:
		return false

	default:
		c.replyError("unsupported message type")
	}
	return true
}
