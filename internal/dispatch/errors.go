package dispatch

import (
	"errors"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Error kinds
// ---------------------------------------------------------------------------

// Sentinel error kinds. Every failure an adapter reports wraps exactly one of
// these, so callers can decide retry vs. abort with errors.Is.
var (
	ErrConfiguration    = errors.New("adapter configuration failed")
	ErrConnection       = errors.New("backend unreachable")
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrUpload           = errors.New("store did not fully succeed")
	ErrUnknownOperation = errors.New("unknown operation")
)

// Error is the typed error every adapter operation returns. Kind is one of the
// sentinels above; Op and Time are filled in by the Dispatcher when the error
// crosses the invocation boundary. The Dispatcher never reclassifies Kind.
type Error struct {
	Kind error
	Op   string
	Time time.Time
	Err  error
	msg  string
}

func (e *Error) Error() string {
	s := e.msg
	if s == "" && e.Kind != nil {
		s = e.Kind.Error()
	}
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Err != nil {
		s = s + ": " + e.Err.Error()
	}
	return s
}

// Is reports whether target is this error's kind, so that
// errors.Is(err, dispatch.ErrNotFound) works across wrapping.
func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of the given kind with a formatted message.
func Errorf(kind error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// WrapErr builds an *Error of the given kind around an underlying cause.
func WrapErr(kind error, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: err, msg: fmt.Sprintf(format, args...)}
}

// KindName returns the wire label of an error's kind. Untyped errors are
// reported as internal.
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrUpload):
		return "upload"
	case errors.Is(err, ErrUnknownOperation):
		return "unknown_operation"
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	}
	return "internal"
}

// withInvocation returns err annotated with the operation name and invocation
// timestamp. Typed errors keep their kind; untyped errors are wrapped without
// assigning a kind so no misclassification can occur.
func withInvocation(err error, op string, at time.Time) error {
	var de *Error
	if errors.As(err, &de) {
		if de.Op == "" {
			de.Op = op
		}
		if de.Time.IsZero() {
			de.Time = at
		}
		return err
	}
	return fmt.Errorf("invoke %s: %w", op, err)
}
