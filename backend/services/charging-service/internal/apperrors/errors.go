// Package apperrors defines the error taxonomy shared by the charging service and
// its mapping onto HTTP status codes.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the caller.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindPaymentDeclined
	KindPaymentCaptureFailed
	KindDeviceUnreachable
	KindUnauthorized
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindPaymentDeclined:
		return "payment_declined"
	case KindPaymentCaptureFailed:
		return "payment_capture_failed"
	case KindDeviceUnreachable:
		return "device_unreachable"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "internal"
	}
}

// ErrInvalidTransition is returned when a session state change is absent from the transition table.
var ErrInvalidTransition = errors.New("invalid session state transition")

// Error is a classified error. Message is safe to show to clients; Err carries the cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by Kind, so errors.Is(err, &Error{Kind: KindConflict}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation reports a client-correctable input problem.
func Validation(format string, args ...any) *Error { return newf(KindValidation, format, args...) }

// Conflict reports an existing active session or an unavailable charger.
func Conflict(format string, args ...any) *Error { return newf(KindConflict, format, args...) }

// NotFound reports a missing entity.
func NotFound(format string, args ...any) *Error { return newf(KindNotFound, format, args...) }

// Unauthorized reports a missing or invalid principal.
func Unauthorized(format string, args ...any) *Error { return newf(KindUnauthorized, format, args...) }

// PaymentDeclined reports that the gateway did not authorize the hold.
func PaymentDeclined(status string) *Error {
	return &Error{Kind: KindPaymentDeclined, Message: fmt.Sprintf("payment not authorized (status %s)", status)}
}

// PaymentCaptureFailed wraps a failed capture.
func PaymentCaptureFailed(err error) *Error {
	return &Error{Kind: KindPaymentCaptureFailed, Message: "payment capture failed", Err: err}
}

// DeviceUnreachable wraps a failed device command.
func DeviceUnreachable(err error) *Error {
	return &Error{Kind: KindDeviceUnreachable, Message: "charger did not acknowledge command", Err: err}
}

// Internal wraps an unexpected failure. The cause is never shown to clients.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// KindOf returns the Kind of the first *Error in the chain, KindInternal otherwise.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// PublicMessage returns the client-safe message for err.
func PublicMessage(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Kind != KindInternal {
		return appErr.Message
	}
	return "internal error"
}

// HTTPStatus maps a Kind onto a response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindPaymentDeclined:
		return http.StatusPaymentRequired
	case KindPaymentCaptureFailed:
		return http.StatusBadGateway
	case KindDeviceUnreachable:
		return http.StatusServiceUnavailable
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
