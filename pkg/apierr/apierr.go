// Package apierr defines EntDB's error taxonomy. Every failure the
// coordinator, applier, archiver or snapshotter can surface is one of the
// codes below; nothing panics for an expected condition.
package apierr

import "fmt"

// Code is one of the stable error codes a caller can switch on.
type Code string

const (
	InvalidRequest     Code = "INVALID_REQUEST"
	ValidationError    Code = "VALIDATION_ERROR"
	Forbidden          Code = "FORBIDDEN"
	NotFound           Code = "NOT_FOUND"
	Conflict           Code = "CONFLICT"
	ServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	Timeout            Code = "TIMEOUT"
	Internal           Code = "INTERNAL"
)

// Error is the concrete error type returned across every component
// boundary. Details carries structured, code-specific context (e.g. a
// VALIDATION_ERROR's offending field and suggestion).
type Error struct {
	Code          Code
	Message       string
	Details       map[string]any
	CorrelationID string
}

func (e *Error) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("%s: %s (correlation_id=%s)", e.Code, e.Message, e.CorrelationID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs an Error with no details.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails returns a copy of e with the given details merged in.
func (e *Error) WithDetails(details map[string]any) *Error {
	out := *e
	out.Details = details
	return &out
}

// WithCorrelationID returns a copy of e carrying the given correlation id.
func (e *Error) WithCorrelationID(id string) *Error {
	out := *e
	out.CorrelationID = id
	return &out
}

// Is allows errors.Is(err, apierr.Conflict) style matching against a bare
// Code by wrapping it as a sentinel-shaped Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinel returns a comparable *Error for a bare code, for use with
// errors.Is(err, apierr.Sentinel(apierr.NotFound)).
func Sentinel(code Code) *Error {
	return &Error{Code: code}
}
