package relay

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a relay failure. The HTTP status for each kind is decided
// in one place, StatusOf.
type Kind int

const (
	KindConfigMissing Kind = iota + 1
	KindInvalidInput
	KindUpstream
	KindTransport
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindConfigMissing:
		return "config_missing"
	case KindInvalidInput:
		return "invalid_input"
	case KindUpstream:
		return "upstream_error"
	case KindTransport:
		return "transport_error"
	case KindInternal:
		return "internal_error"
	default:
		return "unknown"
	}
}

// Error is a tagged relay failure.
//
// Message is returned to the caller and must never carry upstream detail that
// could contain the secret; Err is the server-side cause and is only logged.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func ConfigMissing(label string) *Error {
	return &Error{Kind: KindConfigMissing, Message: label + " API key is not configured on the server."}
}

func InvalidInput(msg string) *Error {
	return &Error{Kind: KindInvalidInput, Message: msg}
}

func Upstream(status int, msg string, err error) *Error {
	return &Error{Kind: KindUpstream, Status: status, Message: msg, Err: err}
}

func Transport(msg string, err error) *Error {
	return &Error{Kind: KindTransport, Message: msg, Err: err}
}

func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// AsError returns err as a *Error. Untagged errors become KindInternal with
// the given fallback message.
func AsError(err error, fallback string) *Error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return Internal(fallback, err)
}

// StatusOf maps a relay error to the HTTP status returned to the caller.
func StatusOf(e *Error) int {
	if e == nil {
		return http.StatusOK
	}
	switch e.Kind {
	case KindConfigMissing:
		return http.StatusInternalServerError
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUpstream:
		if e.Status >= 400 && e.Status <= 599 {
			return e.Status
		}
		return http.StatusBadGateway
	case KindTransport:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
