package booking

import "errors"

// Sentinel errors returned by the service. Handlers map them to HTTP status
// codes; messages are specific enough for a client to explain the refusal.
var (
	ErrInvalidTime       = errors.New("scheduled time must be a valid instant in the future")
	ErrMissingField      = errors.New("required field is missing")
	ErrForbidden         = errors.New("caller is not permitted to perform this operation")
	ErrSlotTaken         = errors.New("slot no longer available")
	ErrInvalidTransition = errors.New("status transition not permitted")
	ErrNotFound          = errors.New("appointment not found")
)
