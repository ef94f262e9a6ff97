// Package history drives undo/redo against the server-held global history
// stack for a document. There is no personal edit stack; a successful
// request replaces the entire local buffer with the returned content.
package history

import (
	"context"
	"fmt"

	"github.com/realtime-notes/collab/internal/protocol"
	"github.com/realtime-notes/collab/internal/session"
	"github.com/realtime-notes/collab/internal/transport"
)

// Result is the outcome of an undo/redo request. Available=false is a
// capability-denied outcome (not joined, anonymous, or empty history), not
// an error; the buffer must be left untouched.
type Result struct {
	Available bool
	Content   string
	Message   string
}

// Controller issues undo/redo requests scoped to the current room.
type Controller struct {
	rest *transport.REST
	sess *session.Manager
}

// NewController creates a controller bound to the given session.
func NewController(rest *transport.REST, sess *session.Manager) *Controller {
	return &Controller{rest: rest, sess: sess}
}

// Undo pops the most recent history entry and returns the restored content.
func (c *Controller) Undo(ctx context.Context) (Result, error) {
	return c.request(ctx, "undo")
}

// Redo restores the most recently undone entry.
func (c *Controller) Redo(ctx context.Context) (Result, error) {
	return c.request(ctx, "redo")
}

func (c *Controller) request(ctx context.Context, verb string) (Result, error) {
	if !c.sess.CanHistory() {
		return Result{Message: "history unavailable for this session"}, nil
	}

	p := protocol.HistoryPayload{
		NoteID:    c.sess.NoteID(),
		SessionID: c.sess.SessionID(),
	}
	var out protocol.HistoryResult
	err := c.rest.Post(ctx, fmt.Sprintf("/realtime/%s/%d", verb, p.NoteID), p, &out)
	if err != nil {
		// An empty stack answers 404: "nothing to undo", not a failure.
		if protocol.KindOf(err) == protocol.ErrNotFound {
			return Result{Message: "nothing to " + verb}, nil
		}
		return Result{}, err
	}
	if !out.Success {
		return Result{Message: out.Message}, nil
	}
	return Result{Available: true, Content: out.Content}, nil
}
