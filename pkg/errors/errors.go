// Package errors provides the typed error model shared by all vault services.
// Every public operation returns either a plain wrapped error (internal
// failure) or an *Error carrying a machine-checkable code plus a
// human-readable reason.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Kind classifies an error for retry/propagation policy.
type Kind string

const (
	// KindValidation covers zero amounts, malformed addresses and
	// unsupported assets. Never retried automatically.
	KindValidation Kind = "validation"
	// KindAuthorization covers rule rejections and unauthorized callers.
	KindAuthorization Kind = "authorization"
	// KindConsistency covers nonce reuse, expired deadlines and NAV
	// deviation violations. These are invariant violations and are never
	// coerced into a different outcome.
	KindConsistency Kind = "consistency"
	// KindResource covers insufficient liquidity and slippage beyond
	// tolerance. Recoverable; the operation is deferred, not failed.
	KindResource Kind = "resource"
	// KindNotFound covers lookups of unknown entities.
	KindNotFound Kind = "not_found"
	// KindTerminal covers failures that require manual intervention.
	KindTerminal Kind = "terminal"
)

// Error is the vault error type.
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`

	cause error
}

var _ error = (*Error)(nil)

// E constructs a new typed error.
func E(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Error implements error.
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	return str
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches on code, so sentinel errors compare regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// Wrap returns a copy of the error with the cause set.
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Explain returns a copy of the error with a formatted message.
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// CodeOf extracts the error code, or "INTERNAL" for untyped errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "INTERNAL"
}

// HTTPStatus maps an error to the HTTP status the API layer should return.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindConsistency:
		return http.StatusConflict
	case KindResource:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindTerminal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
