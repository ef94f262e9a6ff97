// Package buffer holds the local copy of a shared document.
//
// Operations apply in arrival order with no positional transform against
// each other. Two in-flight edits at overlapping positions can leave
// participants with diverged buffers until the next full snapshot resync;
// that is a known property of the protocol, not something this package
// tries to repair.
package buffer

import (
	"fmt"

	"github.com/realtime-notes/collab/internal/protocol"
)

// Buffer is the local text buffer. Not safe for concurrent use; the engine
// serializes all access on its dispatch goroutine.
type Buffer struct {
	text string
}

// New returns a buffer holding s.
func New(s string) *Buffer {
	return &Buffer{text: s}
}

func (b *Buffer) String() string { return b.text }

func (b *Buffer) Len() int { return len(b.text) }

// Set replaces the whole buffer, e.g. from an authoritative snapshot.
func (b *Buffer) Set(s string) { b.text = s }

// Apply splices op into the buffer: delete DeleteLen characters at
// Position, then insert Insert there. A DeleteLen past the end of the
// buffer deletes to the end — with Position 0 that is the full-replace
// form. A Position outside the buffer is a protocol violation.
func (b *Buffer) Apply(op protocol.Operation) error {
	if op.Position < 0 || op.DeleteLen < 0 {
		return protocol.ProtocolError(fmt.Errorf("negative op bounds: pos=%d del=%d", op.Position, op.DeleteLen))
	}
	if op.Position > len(b.text) {
		return protocol.ProtocolError(fmt.Errorf("op position %d beyond buffer length %d", op.Position, len(b.text)))
	}
	end := op.Position + op.DeleteLen
	if end > len(b.text) {
		end = len(b.text)
	}
	b.text = b.text[:op.Position] + op.Insert + b.text[end:]
	return nil
}

// Inverse returns the operation that undoes op against the current buffer
// state. It must be computed before op is applied.
func (b *Buffer) Inverse(op protocol.Operation) (protocol.Operation, error) {
	if op.Position < 0 || op.Position > len(b.text) {
		return protocol.Operation{}, protocol.ProtocolError(fmt.Errorf("op position %d beyond buffer length %d", op.Position, len(b.text)))
	}
	end := op.Position + op.DeleteLen
	if end > len(b.text) {
		end = len(b.text)
	}
	inv := op
	inv.Insert = b.text[op.Position:end]
	inv.DeleteLen = len(op.Insert)
	return inv, nil
}

// IsFullReplace reports whether op is the replace-entire-buffer form:
// position zero with a deletion spanning at least the current content.
func (b *Buffer) IsFullReplace(op protocol.Operation) bool {
	return op.Position == 0 && op.DeleteLen >= len(b.text)
}
