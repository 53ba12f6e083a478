/*
errors.go - Centralized error types for the ledger

ERROR CATEGORIES:
  1. Expected outcomes  - insufficient credits, duplicate idempotency key
  2. Validation errors  - bad amount, missing key or principal
  3. Lookup errors      - account / entry not found, email taken
  4. Storage errors     - anything the backend fails with; retryable, but a
                          debit may already have committed (see IsRetryable)

USAGE:
    res, err := svc.ChargeTool(ctx, principal, "image_generate")
    var short *ledger.InsufficientCreditsError
    switch {
    case errors.As(err, &short):
        // prompt a purchase
    case ledger.IsRetryable(err):
        // storage hiccup; the debit may have landed, check History
    }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientCredits is returned when a debit exceeds the balance.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrDuplicateIdempotencyKey is returned by Store.AppendEntry when an
	// entry with the same key exists. The service turns it into applied=false.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrEntryNotFound   = errors.New("ledger entry not found")

	// ErrEmailTaken is returned when an email is already bound to a
	// different principal.
	ErrEmailTaken = errors.New("email belongs to another principal")

	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrIdempotencyKeyRequired = errors.New("idempotency key required")
	ErrPrincipalRequired      = errors.New("principal required")
	ErrInvalidKind            = errors.New("invalid entry kind for credit")

	// ErrStorage marks a backend failure. Safe to retry.
	ErrStorage = errors.New("ledger storage unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientCreditsError provides details about a rejected debit.
type InsufficientCreditsError struct {
	Principal PrincipalID
	Balance   int64
	Requested int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: balance %d, requested %d", e.Balance, e.Requested)
}

func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// StorageError wraps a backend failure with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error is a storage failure that might
// succeed on retry. It says nothing about whether the failed call committed.
// Credit and EnsureAccount are keyed and can be repeated as they are. Debit
// and ChargeTool are not: a failure reported after commit has already
// charged, so check History before charging again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage)
}

// isDomainError reports whether err is one of the ledger's own expected
// conditions, which must not be dressed up as a storage failure.
func isDomainError(err error) bool {
	for _, target := range []error{
		ErrInsufficientCredits,
		ErrDuplicateIdempotencyKey,
		ErrAccountNotFound,
		ErrAccountExists,
		ErrEntryNotFound,
		ErrEmailTaken,
		ErrInvalidAmount,
		ErrIdempotencyKeyRequired,
		ErrPrincipalRequired,
		ErrInvalidKind,
		ErrStorage,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
