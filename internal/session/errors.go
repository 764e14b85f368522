package session

import (
	"errors"
	"fmt"
)

// ErrorKind classifies session errors for callers that map them to an
// external surface (HTTP status codes, client messages).
type ErrorKind string

const (
	// ErrInvalidInput is a bad session id, unknown animator kind, or
	// nonexistent motion source. No session is created.
	ErrInvalidInput ErrorKind = "invalid_input"
	// ErrInitTimeout means the engine handshake missed its deadline.
	ErrInitTimeout ErrorKind = "init_timeout"
	// ErrInitFailure means the animator reported an initialize failure.
	ErrInitFailure ErrorKind = "init_failure"
	// ErrAlreadyExists is a session id collision.
	ErrAlreadyExists ErrorKind = "already_exists"
	// ErrNotFound means no session has the given id.
	ErrNotFound ErrorKind = "not_found"
	// ErrClosedSession is an operation on a session past Closing.
	ErrClosedSession ErrorKind = "closed_session"
	// ErrEngineLost means the engine process exited unexpectedly.
	ErrEngineLost ErrorKind = "engine_lost"
)

// Error is a typed session error.
type Error struct {
	Kind    ErrorKind
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from an error chain, or "" for errors that
// did not originate in this package.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
