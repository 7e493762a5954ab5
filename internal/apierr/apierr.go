// Package apierr defines the typed error kinds the daemon's core returns.
// The HTTP layer maps each kind to a status code; everywhere else errors
// propagate with fmt.Errorf's %w so callers can still errors.As down to a
// *Error when they need the kind.
package apierr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the daemon's well-known failure classes.
type Kind string

const (
	InvalidArgument   Kind = "invalid-argument"
	NotFound          Kind = "not-found"
	Forbidden         Kind = "forbidden"
	Conflict          Kind = "conflict"
	ResourceExhausted Kind = "resource-exhausted"
	ExhaustedStorage  Kind = "exhausted-storage"
	BackendError      Kind = "backend-error"
	Unavailable       Kind = "unavailable"
)

// Error is a domain error annotated with a Kind the HTTP layer can map to
// a status code.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error that wraps cause with the given kind and message.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
