package relay

import "errors"

// Error kinds surfaced by the relay service. Transports map these to wire
// status codes at the boundary; nothing below the service layer knows
// about HTTP.
var (
	// ErrInvalidRequest marks a malformed or missing field. Never retried.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrTooLarge marks a payload above the configured max note size.
	ErrTooLarge = errors.New("note too large")

	// ErrNotFound is reserved; no current operation returns it.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable marks a store outage. Callers may retry.
	ErrUnavailable = errors.New("service unavailable")

	// ErrOverloaded marks a concurrency cap or queue overflow.
	ErrOverloaded = errors.New("service overloaded")

	// ErrDuplicate marks a note id that is already stored. Clients treat
	// it as success (idempotent publish).
	ErrDuplicate = errors.New("duplicate note")

	// ErrInternal marks an invariant violation or unexpected failure.
	ErrInternal = errors.New("internal error")
)
