// Package apperr defines the error kinds shared by the session, dispatch and
// acknowledgment layers. Callers test kinds with errors.Is.
package apperr

import "errors"

var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrStore       = errors.New("store unavailable")
)

// Error carries a caller-facing message together with its kind and optional cause.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Validation reports bad or missing caller input.
func Validation(msg string) error {
	return &Error{Kind: ErrValidation, Message: msg}
}

// NotFound reports a missing command or device.
func NotFound(msg string) error {
	return &Error{Kind: ErrNotFound, Message: msg}
}

// RateLimited reports a request rejected by a time window.
func RateLimited(msg string) error {
	return &Error{Kind: ErrRateLimited, Message: msg}
}

// Store wraps a failure of the external store.
func Store(msg string, err error) error {
	return &Error{Kind: ErrStore, Message: msg, Err: err}
}

// Message returns the caller-facing message of err, or fallback when err is not an *Error.
func Message(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return fallback
}
