package payments

import (
	"errors"
	"fmt"

	"github.com/warp/credit-ledger/ledger"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrPaymentNotCompleted: the provider reports the payment as not paid.
	// Terminal for this call; the caller may poll and reconcile again.
	ErrPaymentNotCompleted = errors.New("payment not completed")

	// ErrOwnershipMismatch: the payment belongs to a different principal.
	ErrOwnershipMismatch = errors.New("payment belongs to another principal")

	// ErrProviderUnavailable marks a transport failure talking to the
	// provider. Safe to retry.
	ErrProviderUnavailable = errors.New("payment provider unavailable")

	ErrPaymentNotFound    = errors.New("payment not found")
	ErrReferenceRequired  = errors.New("payment reference required")
	ErrInvalidSignature   = errors.New("invalid webhook signature")
	ErrMissingPrincipal   = errors.New("payment carries no principal metadata")
	ErrPaymentsNotEnabled = errors.New("payments not configured")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

type PaymentNotCompletedError struct {
	Reference string
	Status    PaymentStatus
}

func (e *PaymentNotCompletedError) Error() string {
	return fmt.Sprintf("payment %s not completed: status %s", e.Reference, e.Status)
}

func (e *PaymentNotCompletedError) Unwrap() error {
	return ErrPaymentNotCompleted
}

type OwnershipMismatchError struct {
	Reference string
	Expected  ledger.PrincipalID
	Actual    ledger.PrincipalID
}

func (e *OwnershipMismatchError) Error() string {
	return fmt.Sprintf("payment %s belongs to %q, not %q", e.Reference, e.Actual, e.Expected)
}

func (e *OwnershipMismatchError) Unwrap() error {
	return ErrOwnershipMismatch
}

// IsRetryable returns true for ledger storage failures and provider
// transport failures.
func IsRetryable(err error) bool {
	return ledger.IsRetryable(err) || errors.Is(err, ErrProviderUnavailable)
}
