package engine

import (
	"errors"
	"fmt"
)

// Code is one of the stable error codes from spec §7.
type Code string

const (
	CodeInvalidInput      Code = "INVALID_INPUT"
	CodeNotFound          Code = "NOT_FOUND"
	CodeConflict          Code = "CONFLICT"
	CodeUnavailable       Code = "UNAVAILABLE"
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// Error is the typed error every operation surface returns. No stack trace
// crosses the interface boundary (spec §7): Error() renders only code and
// message, the wrapped cause stays available to Go callers via Unwrap.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func newErr(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func InvalidInput(format string, args ...any) *Error {
	return newErr(CodeInvalidInput, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return newErr(CodeNotFound, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) *Error {
	return newErr(CodeConflict, fmt.Sprintf(format, args...))
}

func Unavailable(format string, args ...any) *Error {
	return newErr(CodeUnavailable, fmt.Sprintf(format, args...))
}

func ResourceExhausted(format string, args ...any) *Error {
	return newErr(CodeResourceExhausted, fmt.Sprintf(format, args...))
}

// Internal wraps cause as an INTERNAL_ERROR, preserving it for Unwrap but
// never surfacing its text verbatim beyond what Message states.
func Internal(msg string, cause error) *Error {
	return &Error{Code: CodeInternal, Message: msg, cause: cause}
}

// AsError reports whether err is (or wraps) an *Error and returns it.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
