package dispatch

import "fmt"

// Error codes surfaced to the HTTP layer. Codes are stable API: client apps
// switch on them.
const (
	CodeValidation          = "VALIDATION"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodeRideNotFound        = "RIDE_NOT_FOUND"
	CodeInvalidState        = "INVALID_STATE"
	CodeUnauthorizedDriver  = "UNAUTHORIZED_DRIVER"
	CodeCannotCancel        = "CANNOT_CANCEL"
	CodeRideAlreadyAccepted = "RIDE_ALREADY_ACCEPTED"
	CodeIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
)

// Error is a dispatch failure with a stable code + message pair. These are
// not retried server-side; the client holds the idempotency key.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

func newError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
