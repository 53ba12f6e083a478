/*
Package stripe adapts Stripe Checkout to payments.Provider and
payments.WebhookVerifier.

PURPOSE:
  Opens one-off payment-mode Checkout Sessions for credit plans and reads
  them back for reconciliation. The checkout session id is the payment
  reference, so the browser redirect (?session_id=...) and the webhook
  (event.data.object.id) carry the same idempotency key.

METADATA (set at creation, read at reconciliation):
  principal_id   canonical ledger principal
  email          principal email, for legacy lookups
  plan_id        pricing plan id
  client_reference_id mirrors principal_id

STATUS MAPPING:
  payment_status paid | no_payment_required   -> paid
  status expired                              -> expired
  status complete, payment unpaid (async)     -> pending
  status open                                 -> unpaid

SEE ALSO:
  - payments/types.go: Provider, WebhookVerifier
*/
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/payments"
	"github.com/warp/credit-ledger/pricing"
)

const (
	metaPrincipalID = "principal_id"
	metaEmail       = "email"
	metaPlanID      = "plan_id"
)

// Event types that carry a checkout session worth reconciling.
const (
	EventCheckoutCompleted      = "checkout.session.completed"
	EventCheckoutAsyncSucceeded = "checkout.session.async_payment_succeeded"
	EventCheckoutExpired        = "checkout.session.expired"
)

// Client wraps the Stripe Checkout API.
type Client struct {
	webhookSecret string
	logger        *logrus.Logger
}

// Config for creating a new Stripe client
type Config struct {
	SecretKey     string // STRIPE_SECRET_KEY
	WebhookSecret string // STRIPE_WEBHOOK_SECRET
	Logger        *logrus.Logger
}

// NewClient sets the global stripe-go API key and returns a client.
func NewClient(config Config) *Client {
	stripe.Key = config.SecretKey
	return &Client{
		webhookSecret: config.WebhookSecret,
		logger:        config.Logger,
	}
}

// =============================================================================
// PROVIDER
// =============================================================================

// PaymentStatus fetches the checkout session named by reference.
func (c *Client) PaymentStatus(ctx context.Context, reference string) (payments.Payment, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := checkoutsession.Get(reference, params)
	if err != nil {
		return payments.Payment{}, mapError(err)
	}
	return PaymentFromSession(sess), nil
}

// CreateCheckout opens a payment-mode Checkout Session with inline price data.
func (c *Client) CreateCheckout(ctx context.Context, req payments.CheckoutRequest) (payments.CheckoutSession, error) {
	metadata := map[string]string{
		metaPrincipalID: string(req.Principal.ID),
		metaPlanID:      req.PlanID,
	}
	if req.Principal.Email != "" {
		metadata[metaEmail] = req.Principal.Email
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(string(req.Principal.ID)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(req.Currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.PlanName + " credits"),
					},
					UnitAmount: stripe.Int64(pricing.MinorUnits(req.Price, req.Currency)),
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: metadata,
	}
	if req.Principal.Email != "" {
		params.CustomerEmail = stripe.String(req.Principal.Email)
	}
	params.Context = ctx

	sess, err := checkoutsession.New(params)
	if err != nil {
		return payments.CheckoutSession{}, mapError(err)
	}

	if c.logger != nil {
		c.logger.WithFields(logrus.Fields{
			"principal_id": req.Principal.ID,
			"plan_id":      req.PlanID,
			"session_id":   sess.ID,
		}).Info("created stripe checkout session")
	}
	return payments.CheckoutSession{Reference: sess.ID, RedirectURL: sess.URL}, nil
}

// PaymentFromSession maps a Checkout Session to the provider-neutral Payment.
func PaymentFromSession(sess *stripe.CheckoutSession) payments.Payment {
	p := payments.Payment{
		Reference: sess.ID,
		Status:    sessionStatus(sess),
		PlanID:    sess.Metadata[metaPlanID],
		Amount:    pricing.FromMinorUnits(sess.AmountTotal, string(sess.Currency)),
		Currency:  strings.ToLower(string(sess.Currency)),
	}

	p.PrincipalID = ledger.PrincipalID(sess.Metadata[metaPrincipalID])
	if p.PrincipalID == "" {
		p.PrincipalID = ledger.PrincipalID(sess.ClientReferenceID)
	}

	switch {
	case sess.Metadata[metaEmail] != "":
		p.Email = sess.Metadata[metaEmail]
	case sess.CustomerDetails != nil && sess.CustomerDetails.Email != "":
		p.Email = sess.CustomerDetails.Email
	default:
		p.Email = sess.CustomerEmail
	}
	return p
}

func sessionStatus(sess *stripe.CheckoutSession) payments.PaymentStatus {
	switch {
	case sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		return payments.StatusPaid
	case sess.Status == stripe.CheckoutSessionStatusExpired:
		return payments.StatusExpired
	case sess.Status == stripe.CheckoutSessionStatusComplete:
		return payments.StatusPending
	default:
		return payments.StatusUnpaid
	}
}

// mapError classifies stripe-go failures. Anything that is not an API
// error response is a transport failure and therefore retryable.
func mapError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return fmt.Errorf("%w: %w", payments.ErrProviderUnavailable, err)
	}
	switch {
	case stripeErr.HTTPStatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w", payments.ErrPaymentNotFound, err)
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.HTTPStatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %w", payments.ErrProviderUnavailable, err)
	default:
		return fmt.Errorf("stripe: %w", err)
	}
}

// =============================================================================
// WEBHOOKS
// =============================================================================

// ParseWebhook verifies the Stripe-Signature header and extracts the
// checkout session id from checkout events. Other event types come back
// with an empty Reference.
func (c *Client) ParseWebhook(payload []byte, signature string) (payments.Notification, error) {
	event, err := webhook.ConstructEvent(payload, signature, c.webhookSecret)
	if err != nil {
		return payments.Notification{}, fmt.Errorf("%w: %v", payments.ErrInvalidSignature, err)
	}

	n := payments.Notification{EventID: event.ID, Type: string(event.Type)}
	switch n.Type {
	case EventCheckoutCompleted, EventCheckoutAsyncSucceeded, EventCheckoutExpired:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return payments.Notification{}, fmt.Errorf("failed to unmarshal checkout session: %w", err)
		}
		n.Reference = sess.ID
	}
	return n, nil
}
