// Package errkind classifies pipeline failures into the kinds clients see on
// the wire.
package errkind

import (
	"context"
	"errors"
	"fmt"
)

// Kind names a failure class.
type Kind string

const (
	// BackendUnavailable means the model backend could not be reached.
	BackendUnavailable Kind = "BackendUnavailable"
	// BackendRejected means the backend answered with an error, a refusal or
	// output that cannot be used.
	BackendRejected Kind = "BackendRejected"
	// StageInputInvalid means the request or a stage instruction was unusable.
	StageInputInvalid Kind = "StageInputInvalid"
	// SessionResolutionFailed means the session store could not produce a session.
	SessionResolutionFailed Kind = "SessionResolutionFailed"
	// ClientDisconnected means the caller went away before the run finished.
	ClientDisconnected Kind = "ClientDisconnected"
	// Internal covers everything else.
	Internal Kind = "Internal"
)

// Error carries a Kind alongside the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind. A nil err yields an error carrying only the kind.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is New with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the kind of err. Context cancellation counts as
// ClientDisconnected. Unclassified errors are Internal; nil has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return ClientDisconnected
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return BackendUnavailable
	}
	return Internal
}

// Is reports whether err has the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
