package model

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the engine matches exactly one of these
// through errors.Is, except raw programming errors.
var (
	// ErrValidation marks malformed or out-of-range input. Never mutates state.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a referenced entity that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a violated state-machine precondition: wrong owner,
	// wrong status, a lost settlement race, or a bid already resolved.
	ErrConflict = errors.New("conflict")

	// ErrUnavailable marks an infrastructure failure (store unreachable).
	ErrUnavailable = errors.New("temporarily unavailable")
)

// Error is the typed error carried through the engine.
type Error struct {
	Kind      error  // one of ErrValidation, ErrNotFound, ErrConflict, ErrUnavailable
	Op        string // operation that failed, e.g. "accept bid"
	Msg       string
	Retryable bool
	Err       error // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the error's kind so callers can write errors.Is(err, ErrConflict).
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err (or anything it wraps) is marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// Validationf builds an ErrValidation error.
func Validationf(op, format string, args ...any) *Error {
	return &Error{Kind: ErrValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf builds an ErrNotFound error.
func NotFoundf(op, format string, args ...any) *Error {
	return &Error{Kind: ErrNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf builds a non-retryable ErrConflict error.
func Conflictf(op, format string, args ...any) *Error {
	return &Error{Kind: ErrConflict, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// RetryableConflict builds an ErrConflict the caller may retry as a whole,
// e.g. a lock that could not be acquired in time.
func RetryableConflict(op string, cause error) *Error {
	return &Error{Kind: ErrConflict, Op: op, Msg: "resource busy, retry", Retryable: true, Err: cause}
}

// Unavailable wraps an infrastructure failure.
func Unavailable(op string, cause error) *Error {
	return &Error{Kind: ErrUnavailable, Op: op, Retryable: true, Err: cause}
}
