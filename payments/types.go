/*
Package payments bridges completed external payments to ledger credits.

PURPOSE:
  A principal buys credits through a hosted checkout at the payment
  provider. Completion is learned through two independent triggers that
  may race or repeat:
    (a) the browser returning from the provider's redirect
    (b) an asynchronous notification (webhook or queue message)
  Both call Reconciler.Reconcile with the same payment reference, and the
  ledger's idempotency key (= the payment reference) makes exactly one of
  them apply the credit. No lock is held here.

KEY CONCEPTS IN THIS FILE (types.go):
  - Payment:       provider's view of one checkout (status + metadata)
  - Provider:      external payment provider (status lookup, checkout creation)
  - Checkout:      locally tracked checkout, used by the Sweeper
  - CheckoutStore: persistence for Checkout rows
  - Notification:  parsed asynchronous completion event

SEE ALSO:
  - reconciler.go: Reconcile / StartCheckout
  - sweeper.go:    periodic re-reconciliation of pending checkouts
  - stripe/:       Provider implementation
  - notify/:       queue trigger
*/
package payments

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-ledger/ledger"
)

// =============================================================================
// PAYMENT - Provider's view
// =============================================================================

type PaymentStatus string

const (
	StatusPaid     PaymentStatus = "paid"
	StatusUnpaid   PaymentStatus = "unpaid"
	StatusPending  PaymentStatus = "pending"
	StatusCanceled PaymentStatus = "canceled"
	StatusExpired  PaymentStatus = "expired"
)

// Terminal reports whether the payment can no longer complete.
func (s PaymentStatus) Terminal() bool {
	return s == StatusCanceled || s == StatusExpired
}

// Payment is what the provider reports for one payment reference.
// PrincipalID, Email and PlanID come from metadata attached at checkout.
type Payment struct {
	Reference   string
	Status      PaymentStatus
	PrincipalID ledger.PrincipalID
	Email       string
	PlanID      string
	Amount      decimal.Decimal
	Currency    string
}

// CheckoutRequest is what the provider needs to open a hosted checkout.
type CheckoutRequest struct {
	Principal  ledger.Principal
	PlanID     string
	PlanName   string
	Price      decimal.Decimal
	Currency   string
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is an opened checkout; the caller redirects to RedirectURL.
type CheckoutSession struct {
	Reference   string
	RedirectURL string
}

// Provider is the external payment provider.
type Provider interface {
	// PaymentStatus fetches the payment. Returns ErrPaymentNotFound for an
	// unknown reference and ErrProviderUnavailable for transport failures.
	PaymentStatus(ctx context.Context, reference string) (Payment, error)

	CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// Notification is a provider push carrying a payment reference.
type Notification struct {
	EventID   string
	Type      string
	Reference string
}

// WebhookVerifier authenticates and parses a raw webhook delivery.
type WebhookVerifier interface {
	// ParseWebhook returns ErrInvalidSignature if the payload was not signed
	// by the provider. A verified event that carries no completed checkout
	// yields a Notification with an empty Reference.
	ParseWebhook(payload []byte, signature string) (Notification, error)
}

// =============================================================================
// CHECKOUT TRACKING
// =============================================================================

type CheckoutStatus string

const (
	CheckoutPending   CheckoutStatus = "pending"
	CheckoutCompleted CheckoutStatus = "completed"
	CheckoutCanceled  CheckoutStatus = "canceled"
)

// Checkout is a locally recorded checkout. It is bookkeeping for the
// Sweeper; the ledger entry, not this row, is the record of a credit.
type Checkout struct {
	Reference   string
	PrincipalID ledger.PrincipalID
	PlanID      string
	Status      CheckoutStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CheckoutStore persists checkouts.
type CheckoutStore interface {
	// SaveCheckout inserts or replaces a checkout by reference.
	SaveCheckout(ctx context.Context, c Checkout) error

	// SetCheckoutStatus updates the status. Unknown references are ignored,
	// since a checkout may have been opened by another deployment.
	SetCheckoutStatus(ctx context.Context, reference string, status CheckoutStatus, at time.Time) error

	// PendingCheckouts returns pending checkouts created at or after since
	// and strictly after the cursor, ordered by (created_at, reference).
	// The zero cursor starts at the beginning of the window.
	PendingCheckouts(ctx context.Context, since time.Time, after CheckoutCursor, limit int) ([]Checkout, error)
}

// CheckoutCursor is the (created_at, reference) position of the last
// checkout of a page.
type CheckoutCursor struct {
	CreatedAt time.Time
	Reference string
}

// CursorAfter returns the cursor positioned on c.
func CursorAfter(c Checkout) CheckoutCursor {
	return CheckoutCursor{CreatedAt: c.CreatedAt, Reference: c.Reference}
}

// Before reports whether c sorts strictly after the cursor.
func (cur CheckoutCursor) Before(c Checkout) bool {
	if c.CreatedAt.Equal(cur.CreatedAt) {
		return c.Reference > cur.Reference
	}
	return c.CreatedAt.After(cur.CreatedAt)
}
