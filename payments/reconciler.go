/*
reconciler.go - Payment Reconciliation Service

PURPOSE:
  Turns one completed payment into exactly one ledger credit.

ALGORITHM (Reconcile):
  1. Fetch the payment from the provider (retried on transport failure)
  2. Not paid             -> *PaymentNotCompletedError (caller may poll)
  3. Expected principal   -> must match by id, or by email when the
                             payment carries no id; else *OwnershipMismatchError
  4. Plan from metadata   -> pricing.ErrUnknownPlan if not in the table
  5. EnsureAccount, then Credit(idempotencyKey = payment reference)
  6. Credit not applied   -> AlreadyCredited=true, a success

  The browser redirect, the webhook, the queue consumer and the sweeper
  all call Reconcile. They converge because step 5 is keyed by the
  payment reference; nothing here locks.

USAGE:
  rec := payments.NewReconciler(payments.ReconcilerConfig{
      Provider:  stripeClient,
      Ledger:    svc,
      Plans:     pricing.Default(),
      Checkouts: store,
      Logger:    log,
  })
  res, err := rec.Reconcile(ctx, "cs_test_123", &principal)

SEE ALSO:
  - sweeper.go:          periodic Reconcile of pending checkouts
  - ledger/service.go:   Credit idempotency
*/
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sirupsen/logrus"

	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/metrics"
	"github.com/warp/credit-ledger/pricing"
)

// Ledger is the part of the Balance Service the reconciler needs.
type Ledger interface {
	EnsureAccount(ctx context.Context, principal ledger.PrincipalID, email string) (ledger.Account, error)
	AccountByEmail(ctx context.Context, email string) (ledger.Account, error)
	Credit(ctx context.Context, req ledger.CreditRequest) (ledger.CreditResult, error)
}

// PlanCatalog resolves purchase plans. Implemented by pricing.Table.
type PlanCatalog interface {
	Plan(planID string) (pricing.Plan, error)
}

// Result is the outcome of a successful Reconcile.
type Result struct {
	Reference       string
	Principal       ledger.PrincipalID
	Plan            pricing.Plan
	Credited        int64 // 0 when AlreadyCredited
	AlreadyCredited bool
	Balance         int64
}

type ReconcilerConfig struct {
	Provider  Provider
	Ledger    Ledger
	Plans     PlanCatalog
	Checkouts CheckoutStore // optional
	Logger    *logrus.Logger
	Metrics   *metrics.Metrics // optional

	SuccessURL string
	CancelURL  string

	// Provider fetch retry. Defaults: 3 retries, 200ms base delay.
	MaxRetries int
	RetryDelay time.Duration

	Now func() time.Time
}

type Reconciler struct {
	provider  Provider
	ledger    Ledger
	plans     PlanCatalog
	checkouts CheckoutStore
	log       *logrus.Logger
	metrics   *metrics.Metrics
	fetch     failsafe.Executor[Payment]

	successURL string
	cancelURL  string
	now        func() time.Time
}

func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	retry := retrypolicy.NewBuilder[Payment]().
		HandleIf(func(_ Payment, err error) bool {
			return errors.Is(err, ErrProviderUnavailable)
		}).
		WithBackoff(cfg.RetryDelay, 10*cfg.RetryDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		ReturnLastFailure().
		Build()

	return &Reconciler{
		provider:   cfg.Provider,
		ledger:     cfg.Ledger,
		plans:      cfg.Plans,
		checkouts:  cfg.Checkouts,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		fetch:      failsafe.With[Payment](retry),
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
		now:        cfg.Now,
	}
}

// =============================================================================
// RECONCILE
// =============================================================================

// Reconcile credits the plan bought by reference exactly once. expected is
// the verified caller, or nil for provider-initiated triggers.
func (r *Reconciler) Reconcile(ctx context.Context, reference string, expected *ledger.Principal) (Result, error) {
	res, outcome, err := r.reconcile(ctx, reference, expected)
	r.metrics.Reconcile(outcome)
	return res, err
}

func (r *Reconciler) reconcile(ctx context.Context, reference string, expected *ledger.Principal) (Result, string, error) {
	if reference == "" {
		return Result{}, metrics.OutcomeError, ErrReferenceRequired
	}
	log := r.log.WithField("payment_reference", reference)

	payment, err := r.fetchPayment(ctx, reference)
	if err != nil {
		log.WithError(err).Error("failed to fetch payment status")
		return Result{}, metrics.OutcomeError, err
	}

	if payment.Status != StatusPaid {
		if payment.Status.Terminal() {
			r.markCheckout(ctx, reference, CheckoutCanceled)
		}
		log.WithField("status", payment.Status).Info("payment not completed")
		return Result{}, metrics.OutcomeNotCompleted,
			&PaymentNotCompletedError{Reference: reference, Status: payment.Status}
	}

	if expected != nil && !owns(*expected, payment) {
		log.WithFields(logrus.Fields{
			"principal_id":      expected.ID,
			"payment_principal": payment.PrincipalID,
		}).Warn("payment reconciled by a principal that does not own it")
		return Result{}, metrics.OutcomeOwnershipMismatch, &OwnershipMismatchError{
			Reference: reference,
			Expected:  expected.ID,
			Actual:    payment.PrincipalID,
		}
	}

	plan, err := r.plans.Plan(payment.PlanID)
	if err != nil {
		log.WithError(err).WithField("plan_id", payment.PlanID).Error("paid checkout references unknown plan")
		return Result{}, metrics.OutcomeUnknownPlan, err
	}

	principal, email, err := r.resolvePrincipal(ctx, payment, expected)
	if err != nil {
		log.WithError(err).Error("cannot attribute payment to an account")
		return Result{}, metrics.OutcomeError, err
	}

	if _, err := r.ledger.EnsureAccount(ctx, principal, email); err != nil {
		return Result{}, metrics.OutcomeError, err
	}

	credit, err := r.ledger.Credit(ctx, ledger.CreditRequest{
		Principal:      principal,
		Amount:         plan.Credits,
		IdempotencyKey: reference,
		Description:    fmt.Sprintf("purchase: %s plan", plan.Name),
		Kind:           ledger.KindPurchase,
		Tier:           plan.Tier,
	})
	if err != nil {
		r.metrics.Credit(metrics.OutcomeError)
		return Result{}, metrics.OutcomeError, err
	}
	r.markCheckout(ctx, reference, CheckoutCompleted)

	res := Result{
		Reference:       reference,
		Principal:       principal,
		Plan:            plan,
		AlreadyCredited: !credit.Applied,
		Balance:         credit.Balance,
	}
	fields := logrus.Fields{"principal_id": principal, "plan_id": plan.ID, "balance": credit.Balance}
	if credit.Applied {
		res.Credited = plan.Credits
		r.metrics.Credit(metrics.OutcomeApplied)
		log.WithFields(fields).Info("payment reconciled")
		return res, metrics.OutcomeCredited, nil
	}
	r.metrics.Credit(metrics.OutcomeDuplicate)
	log.WithFields(fields).Info("payment already reconciled")
	return res, metrics.OutcomeAlreadyCredited, nil
}

func (r *Reconciler) fetchPayment(ctx context.Context, reference string) (Payment, error) {
	return r.fetch.WithContext(ctx).Get(func() (Payment, error) {
		p, err := r.provider.PaymentStatus(ctx, reference)
		if errors.Is(err, ErrProviderUnavailable) {
			r.log.WithError(err).WithField("payment_reference", reference).Warn("payment provider unavailable, retrying")
		}
		return p, err
	})
}

// owns matches by principal id when the payment has one. Payments opened
// by legacy flows carry only an email, matched case-insensitively.
func owns(expected ledger.Principal, p Payment) bool {
	if p.PrincipalID != "" {
		return p.PrincipalID == expected.ID
	}
	return p.Email != "" && ledger.NormalizeEmail(p.Email) == ledger.NormalizeEmail(expected.Email)
}

func (r *Reconciler) resolvePrincipal(ctx context.Context, p Payment, expected *ledger.Principal) (ledger.PrincipalID, string, error) {
	email := ledger.NormalizeEmail(p.Email)
	switch {
	case p.PrincipalID != "":
		if email == "" && expected != nil {
			email = ledger.NormalizeEmail(expected.Email)
		}
		return p.PrincipalID, email, nil
	case expected != nil:
		return expected.ID, ledger.NormalizeEmail(expected.Email), nil
	case email != "":
		acct, err := r.ledger.AccountByEmail(ctx, email)
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return "", "", fmt.Errorf("%w: no account for %s", ErrMissingPrincipal, email)
		}
		if err != nil {
			return "", "", err
		}
		return acct.PrincipalID, email, nil
	default:
		return "", "", ErrMissingPrincipal
	}
}

func (r *Reconciler) markCheckout(ctx context.Context, reference string, status CheckoutStatus) {
	if r.checkouts == nil {
		return
	}
	if err := r.checkouts.SetCheckoutStatus(ctx, reference, status, r.now()); err != nil {
		r.log.WithError(err).WithField("payment_reference", reference).Warn("failed to update checkout status")
	}
}

// =============================================================================
// CHECKOUT
// =============================================================================

// StartCheckout opens a hosted checkout for planID and tracks it as
// pending. The plan and principal travel in the checkout's metadata and
// come back to Reconcile through the provider.
func (r *Reconciler) StartCheckout(ctx context.Context, principal ledger.Principal, planID string) (CheckoutSession, error) {
	if principal.ID == "" {
		return CheckoutSession{}, ledger.ErrPrincipalRequired
	}
	plan, err := r.plans.Plan(planID)
	if err != nil {
		return CheckoutSession{}, err
	}

	session, err := r.provider.CreateCheckout(ctx, CheckoutRequest{
		Principal:  principal,
		PlanID:     plan.ID,
		PlanName:   plan.Name,
		Price:      plan.Price,
		Currency:   plan.Currency,
		SuccessURL: r.successURL,
		CancelURL:  r.cancelURL,
	})
	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"principal_id": principal.ID,
			"plan_id":      plan.ID,
		}).Error("failed to create checkout")
		return CheckoutSession{}, err
	}

	if r.checkouts != nil {
		now := r.now()
		err := r.checkouts.SaveCheckout(ctx, Checkout{
			Reference:   session.Reference,
			PrincipalID: principal.ID,
			PlanID:      plan.ID,
			Status:      CheckoutPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			// the webhook still reconciles an untracked checkout
			r.log.WithError(err).WithField("payment_reference", session.Reference).Warn("failed to track checkout")
		}
	}

	r.log.WithFields(logrus.Fields{
		"principal_id":      principal.ID,
		"plan_id":           plan.ID,
		"payment_reference": session.Reference,
	}).Info("checkout started")
	return session, nil
}
