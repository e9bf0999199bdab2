// Package errors provides a structured error type with wrapping and metadata
package errors

// Always import the project errors package as perr (platform/errors)

import (
	stderrs "errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies the failures the proxy produces or tolerates.
// Values are stable for wire compatibility; add sparingly
type ErrorCode uint16

const (
	// ErrorCodeUnknown is for unclassified errors
	ErrorCodeUnknown ErrorCode = iota

	// ErrorCodePanic is for panics recovered by middleware
	ErrorCodePanic

	// ErrorCodeUnparsableQuery means the query text defeated the parser;
	// the query is forwarded untouched, never surfaced to the client
	ErrorCodeUnparsableQuery

	// ErrorCodeMissingTimeBound means no usable lower time bound was found
	ErrorCodeMissingTimeBound

	// ErrorCodeUnknownSchema means the schema is absent from the RP catalog
	ErrorCodeUnknownSchema

	// ErrorCodeUnknownRP means an explicit retention policy is not in the catalog
	ErrorCodeUnknownRP

	// ErrorCodeRewriteFailed is for any failure inside the modifier or a rule;
	// correction must never make a query fail that would otherwise succeed
	ErrorCodeRewriteFailed

	// ErrorCodeBackendTransient is for connection-level backend failures after
	// retry exhaustion
	ErrorCodeBackendTransient

	// ErrorCodeBackendClient is for backend 4xx responses, propagated verbatim
	ErrorCodeBackendClient

	// ErrorCodeBackendServer is for backend 5xx responses
	ErrorCodeBackendServer

	// ErrorCodeValidation is for config or input validation failures
	ErrorCodeValidation
)

// HTTPStatusCode turns an ErrorCode into an http status code
func HTTPStatusCode(c ErrorCode) int {
	switch c {
	case ErrorCodeBackendTransient, ErrorCodeBackendServer:
		return http.StatusServiceUnavailable
	case ErrorCodeBackendClient, ErrorCodeValidation:
		return http.StatusBadRequest
	case ErrorCodePanic, ErrorCodeUnknown, ErrorCodeRewriteFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is the structured error type with wrapping and metadata.
// msg is human/developer facing; code is machine facing.
// status, when non-zero, overrides the code-derived HTTP status so backend
// client errors can carry the backend's exact status through.
// orig is the wrapped cause
type Error struct {
	orig   error
	msg    string
	code   ErrorCode
	status int
	op     string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.orig != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.orig)
	}
	return e.msg
}

// Unwrap returns the wrapped error, if any
func (e *Error) Unwrap() error { return e.orig }

// Code returns the error code
func (e *Error) Code() ErrorCode { return e.code }

// Op returns the operation label, if set
func (e *Error) Op() string { return e.op }

// Message returns the message without the wrapped cause
func (e *Error) Message() string { return e.msg }

// Root returns the deepest wrapped cause
func Root(err error) error {
	for err != nil {
		u := stderrs.Unwrap(err)
		if u == nil {
			return err
		}
		err = u
	}
	return nil
}

// CodeOf extracts an ErrorCode from any error, defaulting to Unknown
func CodeOf(err error) ErrorCode {
	if e, ok := As(err); ok {
		return e.code
	}
	return ErrorCodeUnknown
}

// IsCode reports whether err has the given code
func IsCode(err error, code ErrorCode) bool { return CodeOf(err) == code }

// HTTPStatus returns the mapped HTTP status for any error, honoring a
// per-error override (backend 4xx passthrough)
func HTTPStatus(err error) int {
	if e, ok := As(err); ok && e.status != 0 {
		return e.status
	}
	return HTTPStatusCode(CodeOf(err))
}

// As unwraps and returns (*Error, true) if err is one of ours
func As(err error) (*Error, bool) {
	var e *Error
	if stderrs.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Mutators (copy-on-write)

// WithOp attaches an operation label to an *Error (copy-on-write). If err isn't *Error, returns err unchanged
func WithOp(err error, op string) error {
	if e, ok := As(err); ok {
		c := *e
		c.op = op
		return &c
	}
	return err
}

// WithStatus pins an explicit HTTP status on an *Error (copy-on-write)
func WithStatus(err error, status int) error {
	if e, ok := As(err); ok {
		c := *e
		c.status = status
		return &c
	}
	return err
}

// Constructors

// New returns a new *Error with the given code and message
func New(code ErrorCode, msg string) error { return &Error{code: code, msg: msg} }

// Newf returns a new *Error with code and formatted message
func Newf(code ErrorCode, format string, a ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, a...)}
}

// Wrap returns a new *Error that wraps orig with code and message
func Wrap(orig error, code ErrorCode, msg string) error {
	return &Error{code: code, msg: msg, orig: orig}
}

// Wrapf returns a new *Error that wraps orig with code and formatted message
func Wrapf(orig error, code ErrorCode, format string, a ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, a...), orig: orig}
}

// WrapIf wraps only when err != nil (helper for 1-liners)
func WrapIf(err error, code ErrorCode, msg string) error {
	if err == nil {
		return nil
	}
	return Wrap(err, code, msg)
}

// Sugar

// Unparsablef returns an unparsable query error
func Unparsablef(format string, a ...any) error { return Newf(ErrorCodeUnparsableQuery, format, a...) }

// MissingTimeBoundf returns a missing time bound error
func MissingTimeBoundf(format string, a ...any) error {
	return Newf(ErrorCodeMissingTimeBound, format, a...)
}

// UnknownSchemaf returns an unknown schema error
func UnknownSchemaf(format string, a ...any) error { return Newf(ErrorCodeUnknownSchema, format, a...) }

// UnknownRPf returns an unknown retention policy error
func UnknownRPf(format string, a ...any) error { return Newf(ErrorCodeUnknownRP, format, a...) }

// RewriteFailedf returns an internal rewrite failure
func RewriteFailedf(format string, a ...any) error { return Newf(ErrorCodeRewriteFailed, format, a...) }

// BackendTransientf returns a transient backend error
func BackendTransientf(format string, a ...any) error {
	return Newf(ErrorCodeBackendTransient, format, a...)
}

// BackendClientf returns a backend 4xx error carrying the backend status
func BackendClientf(status int, format string, a ...any) error {
	return WithStatus(Newf(ErrorCodeBackendClient, format, a...), status)
}

// BackendServerf returns a backend 5xx error
func BackendServerf(format string, a ...any) error { return Newf(ErrorCodeBackendServer, format, a...) }

// Validationf returns a validation error
func Validationf(format string, a ...any) error { return Newf(ErrorCodeValidation, format, a...) }

// PanicErrf returns a panic error
func PanicErrf(format string, a ...any) error { return Newf(ErrorCodePanic, format, a...) }

// Internalf returns a generic internal error
func Internalf(format string, a ...any) error { return Newf(ErrorCodeUnknown, format, a...) }

// Retry semantics

// Retryable reports whether a backend call may be retried on a fresh
// connection. Only connection-level transients qualify; 4xx/5xx do not
func Retryable(err error) bool { return IsCode(err, ErrorCodeBackendTransient) }
