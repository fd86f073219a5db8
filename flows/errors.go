package flows

import "errors"

var (
	// ErrSelfTransfer is returned when a user tips or pays themselves.
	ErrSelfTransfer = errors.New("sender and recipient are the same user")

	// ErrInvalidRequest is returned for structurally invalid flow input.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrIdempotencyKeyRequired is returned by flows that must not run twice
	// by accident (charges, payouts, adjustments).
	ErrIdempotencyKeyRequired = errors.New("idempotency key required")
)
