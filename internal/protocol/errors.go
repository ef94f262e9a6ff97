package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrKind classifies a collaboration failure.
type ErrKind int

const (
	// ErrNetwork means the request or connection never completed.
	ErrNetwork ErrKind = iota
	// ErrUnauthorized means the credential was rejected (HTTP 401).
	ErrUnauthorized
	// ErrNotFound covers missing rooms and empty history stacks (HTTP 404).
	ErrNotFound
	// ErrServer is any other non-2xx response.
	ErrServer
	// ErrProtocol means a malformed inbound payload.
	ErrProtocol
)

var errKindNames = map[ErrKind]string{
	ErrNetwork:      "network",
	ErrUnauthorized: "unauthorized",
	ErrNotFound:     "not_found",
	ErrServer:       "server",
	ErrProtocol:     "protocol",
}

func (k ErrKind) String() string {
	if s, ok := errKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// APIError is a classified collaboration failure. Message carries the
// server-provided text when present.
type APIError struct {
	Kind    ErrKind
	Status  int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *APIError) Unwrap() error { return e.Err }

// NetworkError wraps a request that never completed.
func NetworkError(err error) *APIError {
	return &APIError{Kind: ErrNetwork, Err: err}
}

// ProtocolError wraps a malformed inbound payload.
func ProtocolError(err error) *APIError {
	return &APIError{Kind: ErrProtocol, Err: err}
}

// StatusError classifies a non-2xx HTTP status.
func StatusError(status int, message string) *APIError {
	kind := ErrServer
	switch status {
	case http.StatusUnauthorized:
		kind = ErrUnauthorized
	case http.StatusNotFound:
		kind = ErrNotFound
	}
	return &APIError{Kind: kind, Status: status, Message: message}
}

// KindOf extracts the ErrKind from err, defaulting to ErrNetwork for
// unclassified errors (a bare error here means the call never completed).
func KindOf(err error) ErrKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ErrNetwork
}
