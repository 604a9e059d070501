package chat

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to the originating connection. None of them is fatal
// to the socket; upstream failures additionally abort the broadcast while
// side-effect failures are swallowed and logged.
var (
	ErrValidation    = errors.New("validation error")
	ErrAuthorization = errors.New("authorization error")
	ErrNotFound      = errors.New("not found")
	ErrUpstream      = errors.New("upstream error")
)

// Error wraps a taxonomy kind with a client-safe message.
type Error struct {
	Kind    error  // one of the sentinel kinds above
	Message string // safe to relay to the client
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is makes errors.Is(err, ErrValidation) etc. work on wrapped errors.
func (e *Error) Is(target error) bool { return e.Kind == target }

func (e *Error) Unwrap() error { return e.cause }

// Code returns the wire-level error code for the taxonomy kind.
func (e *Error) Code() string {
	switch e.Kind {
	case ErrValidation:
		return "validation_error"
	case ErrAuthorization:
		return "authorization_error"
	case ErrNotFound:
		return "not_found"
	case ErrUpstream:
		return "upstream_error"
	default:
		return "internal_error"
	}
}

func validationErr(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func authorizationErr(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrAuthorization, Message: fmt.Sprintf(format, args...)}
}

func notFoundErr(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func upstreamErr(cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: ErrUpstream, Message: fmt.Sprintf(format, args...), cause: cause}
}
