// Package apperr defines the error kinds surfaced by the recovery service
// and their mapping to HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	Unknown Kind = iota
	// Validation is malformed or out-of-policy input. Never retried.
	Validation
	NotFound
	// Connection is a collaborator (mint, settlement wallet, lightning)
	// that was unreachable or returned a non-success response.
	Connection
	// Server is an internal invariant violation.
	Server
	PaymentRequired
	// Unavailable is a request refused for lack of capacity.
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "VALIDATION_ERROR"
	case NotFound:
		return "NOTFOUND_ERROR"
	case Connection:
		return "CONNECTION_ERROR"
	case Server:
		return "SERVER_ERROR"
	case PaymentRequired:
		return "PaymentRequired"
	case Unavailable:
		return "UNAVAILABLE_ERROR"
	default:
		return "UNKNOWN_ERROR"
	}
}

func (k Kind) StatusCode() int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Connection:
		return http.StatusBadGateway
	case PaymentRequired:
		return http.StatusPaymentRequired
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type Params map[string]any

type Error struct {
	Kind    Kind
	Message string
	Params  Params
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, err error, params Params, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Params:  params,
		Err:     err,
	}
}

func Validationf(params Params, format string, args ...any) *Error {
	return newError(Validation, nil, params, format, args...)
}

func NotFoundf(params Params, format string, args ...any) *Error {
	return newError(NotFound, nil, params, format, args...)
}

func Serverf(params Params, format string, args ...any) *Error {
	return newError(Server, nil, params, format, args...)
}

func PaymentRequiredf(params Params, format string, args ...any) *Error {
	return newError(PaymentRequired, nil, params, format, args...)
}

func Unavailablef(params Params, format string, args ...any) *Error {
	return newError(Unavailable, nil, params, format, args...)
}

func Connectionf(params Params, format string, args ...any) *Error {
	return newError(Connection, nil, params, format, args...)
}

// WrapConnection annotates a transport level failure (timeouts included)
// as a connection error.
func WrapConnection(err error, params Params, format string, args ...any) *Error {
	return newError(Connection, err, params, format, args...)
}

func WrapValidation(err error, params Params, format string, args ...any) *Error {
	return newError(Validation, err, params, format, args...)
}

// KindOf returns the kind of err, or Unknown if err
// is not an *Error.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return Unknown
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
