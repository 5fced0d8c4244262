// Package apperr defines the typed errors returned by domain services.
// Services never build HTTP responses; the error handler installed on the
// echo server maps each Kind to a status code and error body.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an application error.
type Kind int

const (
	KindUnexpected Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindForbidden
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "unexpected"
	}
}

// Error is an application error carrying a Kind, a stable error code and
// optional field-level details.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Kind and Code so that sentinel
// values keep working after WithDetails or Wrapf copies.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code && e.Message == t.Message
}

// WithDetails returns a copy of e carrying the given details.
func (e *Error) WithDetails(details ...string) *Error {
	cp := *e
	cp.Details = append(append([]string(nil), e.Details...), details...)
	return &cp
}

// Wrapf returns a copy of e with a cause attached.
func (e *Error) Wrapf(format string, args ...interface{}) *Error {
	cp := *e
	cp.Err = fmt.Errorf(format, args...)
	return &cp
}

func newError(kind Kind, code, msg string, details []string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Details: details}
}

func Validation(code, msg string, details ...string) *Error {
	return newError(KindValidation, code, msg, details)
}

func NotFound(code, msg string, details ...string) *Error {
	return newError(KindNotFound, code, msg, details)
}

func Conflict(code, msg string, details ...string) *Error {
	return newError(KindConflict, code, msg, details)
}

func Forbidden(code, msg string, details ...string) *Error {
	return newError(KindForbidden, code, msg, details)
}

func Unauthorized(code, msg string, details ...string) *Error {
	return newError(KindUnauthorized, code, msg, details)
}

// Wrap turns an arbitrary error into an Unexpected application error. Errors
// that already are *Error are returned unchanged.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Kind: KindUnexpected, Code: CodeServer, Message: "unexpected error", Err: err}
}

// KindOf reports the Kind of err, or KindUnexpected when err carries none.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnexpected
}

// IsKind reports whether err is an application error of the given kind.
func IsKind(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

// Stable error codes exposed to API clients.
const (
	CodeValidation   = "VALIDATION-001"
	CodeParse        = "PARSE-001"
	CodeParam        = "PARAM-001"
	CodeNotFound     = "RESOURCE-404"
	CodeBadLogin     = "AUTH-001"
	CodeUnauthorized = "AUTH-401"
	CodeForbidden    = "AUTH-403"
	CodeConflict     = "CONFLICT-001"
	CodeMethod       = "HTTP-405"
	CodeRateLimit    = "RATE-429"
	CodeServer       = "SERVER-001"
)
