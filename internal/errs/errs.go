// Package errs defines the error taxonomy shared across the bus,
// hosts, orchestrator, planner, and conversation engine, following the
// agent's internal/tools typed-error convention: a closed Kind enum
// plus an *Error carrying an optional wrapped cause.
package errs

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories surfaced to bus callers as
// {"error": {"kind": ..., "message": ...}}.
type Kind string

const (
	Timeout            Kind = "Timeout"
	NoResponders       Kind = "NoResponders"
	Disconnected       Kind = "Disconnected"
	InvalidInput       Kind = "InvalidInput"
	UnboundPlaceholder Kind = "UnboundPlaceholder"
	AmbiguousReference Kind = "AmbiguousReference"
	ApprovalRequired   Kind = "ApprovalRequired"
	ResourceBusy       Kind = "ResourceBusy"
	BackendError       Kind = "BackendError"
	Cancelled          Kind = "Cancelled"
)

// Error is the concrete error type carrying a Kind, a human-readable
// Message, and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind wrapping err, using err's
// message unless msg is non-empty.
func Wrap(kind Kind, err error, msg string) *Error {
	if msg == "" && err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error,
// otherwise returns BackendError as the catch-all for opaque failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return BackendError
}
