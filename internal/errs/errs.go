// Package errs implements the error taxonomy shared by every component:
// kinds, not type hierarchies, so callers can branch on Kind() without
// importing component-specific error types.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies why an operation failed.
type Kind string

const (
	NotFound    Kind = "not_found"
	Conflict    Kind = "conflict"
	Ambiguous   Kind = "ambiguous"
	Validation  Kind = "validation"
	Unavailable Kind = "unavailable"
	Timeout     Kind = "timeout"
	Transient   Kind = "transient"
	Fatal       Kind = "fatal"
)

// Error wraps an underlying cause with a taxonomy Kind and optional
// structured detail (e.g. ambiguous tool candidates).
type Error struct {
	Kind    Kind
	Message string
	Detail  any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a taxonomy error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a Kind to an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithDetail attaches structured detail (e.g. ambiguous candidate agents)
// and returns the same *Error for chaining.
func (e *Error) WithDetail(detail any) *Error {
	e.Detail = detail
	return e
}

// KindOf extracts the Kind from err, defaulting to Fatal for errors that
// never passed through this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Fatal
}

// HTTPStatus projects a Kind onto an HTTP status code for the router.
func HTTPStatus(kind Kind) int {
	switch kind {
	case NotFound:
		return http.StatusNotFound
	case Conflict, Ambiguous:
		return http.StatusConflict
	case Validation:
		return http.StatusBadRequest
	case Unavailable:
		return http.StatusBadGateway
	case Timeout:
		return http.StatusGatewayTimeout
	case Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// JSONRPCCode projects a Kind onto a JSON-RPC 2.0 error code. -32000 and
// -32603 are reserved by the wire protocol for session-missing and
// internal errors respectively; Validation maps to the standard
// invalid-params code -32602, and the other kinds use the server-error
// range below -32000.
func JSONRPCCode(kind Kind) int {
	switch kind {
	case NotFound:
		return -32001
	case Conflict:
		return -32002
	case Ambiguous:
		return -32003
	case Validation:
		return -32602
	case Unavailable:
		return -32004
	case Timeout:
		return -32005
	case Transient:
		return -32006
	default:
		return -32603
	}
}
