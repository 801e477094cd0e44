// Package enginerr implements the error taxonomy of as a plain
// wrapped-error sentinel kind, the way the teacher distinguishes retryable
// from terminal failures by classifying observed conditions (see
// resolver_http.go's status-code based retry decision) rather than by a
// custom exception hierarchy.
package enginerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error for routing/escalation purposes.
type Kind string

const (
	BadDefinition Kind = "BadDefinition"
	NotFound Kind = "NotFound"
	PreconditionFailed Kind = "PreconditionFailed"
	DeadEnd Kind = "DeadEnd"
	HandlerConfig Kind = "HandlerConfig"
	HandlerTransient Kind = "HandlerTransient"
	HandlerFatal Kind = "HandlerFatal"
	ScriptError Kind = "ScriptError"
	Unsupported Kind = "Unsupported"
	StoreError Kind = "StoreError"
)

// Error wraps an underlying cause with a Kind.
type Error struct {
	Kind Kind
	Op string // component/operation that raised it, e.g. "executor.dispatchGateway"
	Err error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an *Error from a format string.
func Newf(kind Kind, op, format string, args...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind of err, if it (or something it wraps) is an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Retryable reports whether the error kind is one a caller should retry
// within a configured budget before escalating (HandlerTransient only).
func Retryable(err error) bool {
	return Is(err, HandlerTransient)
}

// Terminal reports whether the error should set the owning instance to ERROR
// if escalation finds no handler.
func Terminal(err error) bool {
	switch k, ok := KindOf(err); {
	case !ok:
		return true
	default:
		switch k {
		case DeadEnd, HandlerFatal, HandlerConfig, ScriptError, Unsupported, StoreError:
			return true
		default:
			return false
		}
	}
}
