// Package errs holds the error kinds shared across agentwall packages. Every
// failure surfaced to an HTTP client wraps exactly one of these sentinels so
// the API layer can map it to a status code with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrConflict         = errors.New("conflict")
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrCircuitOpen      = errors.New("circuit open")
	ErrRateLimited      = errors.New("rate limited")
	ErrUpstream         = errors.New("upstream failure")
)

// kindError carries a client-facing message while still matching its sentinel.
type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.kind }

// Validation returns an error matching ErrValidation with msg as its text.
func Validation(format string, args ...any) error {
	return &kindError{kind: ErrValidation, msg: fmt.Sprintf(format, args...)}
}

// Conflict returns an error matching ErrConflict with msg as its text.
func Conflict(format string, args ...any) error {
	return &kindError{kind: ErrConflict, msg: fmt.Sprintf(format, args...)}
}

// NotFound returns an error matching ErrNotFound with msg as its text.
func NotFound(format string, args ...any) error {
	return &kindError{kind: ErrNotFound, msg: fmt.Sprintf(format, args...)}
}

// Unavailable wraps cause so it matches ErrStoreUnavailable.
func Unavailable(cause error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, cause)
}

// Message returns the text meant for clients. Errors built by this package
// expose their message as is; anything else collapses to its sentinel text so
// driver details do not leak.
func Message(err error) string {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.msg
	}
	for _, s := range []error{ErrValidation, ErrConflict, ErrNotFound, ErrUnauthorized, ErrForbidden, ErrStoreUnavailable, ErrCircuitOpen, ErrRateLimited, ErrUpstream} {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}
