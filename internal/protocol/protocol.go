// Package protocol defines the wire vocabulary exchanged with a
// collaboration endpoint. Both transport bindings (push frames and
// request/response polling) carry these same types.
package protocol

import "encoding/json"

// MessageType identifies the kind of collaboration message.
type MessageType string

const (
	MsgJoin          MessageType = "room.join"
	MsgJoined        MessageType = "room.joined"
	MsgSnapshot      MessageType = "room.snapshot"
	MsgLeave         MessageType = "room.leave"
	MsgOperation     MessageType = "op.apply"
	MsgOperationDone MessageType = "op.applied"
	MsgPresenceList  MessageType = "presence.list"
	MsgPresenceUsers MessageType = "presence.users"
	MsgInviteSend    MessageType = "invite.send"
	MsgInviteAccept  MessageType = "invite.accept"
	MsgHeartbeat     MessageType = "heartbeat"
	MsgUndo          MessageType = "undo"
	MsgRedo          MessageType = "redo"
	MsgError         MessageType = "error"
)

// Envelope wraps every message on the wire.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope. Marshal errors are
// impossible for the payload structs in this package, so they are dropped.
func NewEnvelope(t MessageType, payload interface{}) *Envelope {
	data, _ := json.Marshal(payload)
	return &Envelope{Type: t, Payload: data}
}

// Operation is a single position-addressed edit: starting at Position in
// the current shared buffer, remove DeleteLen characters, then insert
// Insert. A DeleteLen at or beyond the buffer length with Position 0
// signals a full-buffer replace.
type Operation struct {
	UserID      int64  `json:"userId"`
	UserName    string `json:"userName"`
	NoteID      int64  `json:"noteId"`
	Position    int    `json:"position"`
	DeleteLen   int    `json:"deleteLen"`
	Insert      string `json:"insert"`
	BaseVersion int64  `json:"baseVersion,omitempty"`
	Version     int64  `json:"version,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
	IsAnonymous bool   `json:"isAnonymous,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
}

// PresenceUser is one participant currently joined to a room. Unique by
// UserID within a room; superseded wholesale by the most recent roster.
type PresenceUser struct {
	UserID    int64  `json:"userId"`
	UserName  string `json:"userName"`
	UserEmail string `json:"userEmail,omitempty"`
	LastSeen  int64  `json:"lastSeen,omitempty"`
}

// JoinPayload is sent to enter a document's collaboration room.
type JoinPayload struct {
	NoteID      int64  `json:"noteId"`
	UserID      int64  `json:"userId,omitempty"`
	UserName    string `json:"userName"`
	IsAnonymous bool   `json:"isAnonymous,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
}

// JoinedPayload acknowledges a join. SessionID is set only for anonymous
// participants and substitutes for a credential on subsequent requests.
type JoinedPayload struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	NoteID    int64  `json:"noteId"`
	UserID    int64  `json:"userId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// SnapshotPayload carries the authoritative buffer state on join. OpTime
// is the stamp of the newest operation already folded into Content;
// receivers resume operation delivery strictly after it.
type SnapshotPayload struct {
	NoteID  int64  `json:"noteId"`
	Content string `json:"content"`
	Version int64  `json:"version,omitempty"`
	OpTime  int64  `json:"opTime,omitempty"`
}

// PresencePayload is the full participant roster for a room.
type PresencePayload struct {
	NoteID int64          `json:"noteId"`
	Users  []PresenceUser `json:"users"`
}

// HeartbeatPayload keeps a participant marked active.
type HeartbeatPayload struct {
	NoteID    int64  `json:"noteId"`
	UserID    int64  `json:"userId,omitempty"`
	UserName  string `json:"userName"`
	SessionID string `json:"sessionId,omitempty"`
}

// LeavePayload announces departure. Best-effort, never acknowledged.
type LeavePayload struct {
	NoteID    int64  `json:"noteId"`
	UserID    int64  `json:"userId,omitempty"`
	UserName  string `json:"userName"`
	SessionID string `json:"sessionId,omitempty"`
}

// InvitePayload shares a note with another user out-of-band.
type InvitePayload struct {
	NoteID   int64 `json:"noteId"`
	ToUserID int64 `json:"toUserId"`
}

// HistoryPayload requests an undo or redo against the room's server-held
// history stack.
type HistoryPayload struct {
	NoteID    int64  `json:"noteId"`
	SessionID string `json:"sessionId,omitempty"`
}

// HistoryResult is the server's answer to an undo/redo request.
type HistoryResult struct {
	Success bool   `json:"success"`
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorPayload is a protocol-level failure notice from the server.
type ErrorPayload struct {
	Message string `json:"message"`
}
