/*
errors.go - Centralized error types for the wallet engine

ERROR CATEGORIES:
  1. Balance rule violations - InsufficientBalance (never retried automatically)
  2. Hold lifecycle errors  - HoldNotFound, HoldAlreadyResolved (caller logic errors)
  3. Persistence failures   - the unit of work could not commit (transient)

Idempotent replay is NOT an error. Reconciliation discrepancies are values,
not errors.

USAGE:
  _, err := svc.CreateTransaction(ctx, in)
  var insufficient *wallet.InsufficientBalanceError
  if errors.As(err, &insufficient) {
      // prompt for top-up: insufficient.Required - insufficient.Available
  }
  if wallet.IsRetryable(err) {
      // webhook callers answer non-2xx so the provider redelivers
  }
*/
package wallet

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a debit or hold exceeds Balance - HeldBalance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrHoldNotFound is returned when a hold ID does not exist.
	ErrHoldNotFound = errors.New("hold not found")

	// ErrHoldAlreadyResolved is returned when settling a hold that is no longer active.
	ErrHoldAlreadyResolved = errors.New("hold already resolved")

	// ErrPersistence is returned when the atomic unit of work could not complete.
	ErrPersistence = errors.New("wallet persistence failure")

	// ErrDuplicateIdempotencyKey is returned by stores when the unique
	// constraint on idempotency_key rejects an insert. The engine turns it
	// into a replay of the winning transaction.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrentModification is returned by stores on serialization
	// conflicts or deadlocks. The engine retries these.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvalidAmount is returned for zero transactions, non-positive holds
	// and negative settlements.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidUser is returned when no user ID is given.
	ErrInvalidUser = errors.New("invalid user id")

	// ErrInvalidType is returned for unknown transaction types.
	ErrInvalidType = errors.New("invalid transaction type")

	// ErrInvariantViolation is returned by stores asked to persist a wallet
	// with a negative balance or a held balance outside [0, balance].
	ErrInvariantViolation = errors.New("wallet invariant violation")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError carries the precise shortfall.
type InsufficientBalanceError struct {
	UserID    UserID
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// Shortfall is how many more coins the user needs.
func (e *InsufficientBalanceError) Shortfall() int64 {
	return e.Required - e.Available
}

// PersistenceError wraps a store failure with the operation that hit it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrPersistence, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistence) || errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrHoldAlreadyResolved) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidUser) ||
		errors.Is(err, ErrInvalidType)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrHoldNotFound)
}

func isDomainError(err error) bool {
	return IsClientError(err) || IsNotFound(err) || errors.Is(err, ErrDuplicateIdempotencyKey)
}
