/*
service.go - Balance Service: the sole authority over account balances

PURPOSE:
  Exposes idempotent provisioning, debit and credit operations over a
  TxStore. Each mutating call is one storage transaction that writes the
  balance change and its Entry together, so no caller can ever observe a
  balance without its entry or an entry without its balance change.

OPERATIONS:
  EnsureAccount(principal)         create-once with signup grant
  Balance(principal)               current spendable credits
  Debit(principal, amount, desc)   atomic check-and-decrement
  ChargeTool(principal, toolID)    Debit priced by the Pricer
  Credit(request)                  idempotent increment keyed by payment
  History(principal, limit)        entries, newest first
  Audit / AuditAll                 balance == sum(delta) check

CONCURRENCY:
  The service holds no locks and no state besides its collaborators.
  Serializability of each operation comes from the store: the conditional
  UPDATE in AdjustBalance and the unique constraints on principal id,
  email and idempotency key.

SPEND-THEN-ATTEMPT:
  Callers debit before invoking the paid AI operation. A failure of that
  operation does not refund automatically.

SEE ALSO:
  - store.go:  persistence contract
  - errors.go: outcomes and failures
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Pricer resolves tool costs and the signup bonus.
// Implemented by pricing.Table.
type Pricer interface {
	CostOf(toolID string) (int64, error)
	SignupBonus() int64
}

// DebitResult is the outcome of a debit. Success=false means the balance
// was too low and nothing was written; Balance is then the unchanged balance.
type DebitResult struct {
	Success bool
	Balance int64
	EntryID string
}

// CreditRequest describes one credit.
type CreditRequest struct {
	Principal      PrincipalID
	Amount         int64
	IdempotencyKey string
	Description    string
	Kind           EntryKind // defaults to KindPurchase
	Tier           PlanTier  // optional; applied only if it outranks the current tier
}

// CreditResult is the outcome of a credit. Applied=false means an entry with
// the same idempotency key already existed and the balance was not touched.
type CreditResult struct {
	Applied bool
	Balance int64
	Tier    PlanTier
	EntryID string
}

// AuditReport compares an account's balance with the sum of its entries.
type AuditReport struct {
	Principal  PrincipalID
	Balance    int64
	LedgerSum  int64
	Entries    int
	Consistent bool
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store  TxStore
	pricer Pricer
	log    *logrus.Logger
	now    func() time.Time
	newID  func() string
}

type Option func(*Service)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store TxStore, pricer Pricer, log *logrus.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		pricer: pricer,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// PROVISIONING
// =============================================================================

// EnsureAccount returns the principal's account, creating it with the signup
// bonus and one signup_grant entry if it does not exist yet. Concurrent calls
// for the same unseen principal produce exactly one account and one grant:
// the loser of the insert race gets ErrAccountExists from the unique
// constraint and reads the winner's row.
func (s *Service) EnsureAccount(ctx context.Context, principal PrincipalID, email string) (Account, error) {
	if principal == "" {
		return Account{}, ErrPrincipalRequired
	}
	email = NormalizeEmail(email)

	var (
		acct    Account
		created bool
	)
	err := s.store.WithTx(ctx, func(tx Store) error {
		now := s.now()
		bonus := s.pricer.SignupBonus()
		candidate := Account{
			PrincipalID: principal,
			Email:       email,
			Balance:     bonus,
			Tier:        TierFree,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		err := tx.InsertAccount(ctx, candidate)
		if errors.Is(err, ErrAccountExists) {
			existing, err := tx.Account(ctx, principal)
			if errors.Is(err, ErrAccountNotFound) {
				// the id is free, so the email collided with another principal
				return fmt.Errorf("%w: %s", ErrEmailTaken, email)
			}
			if err != nil {
				return err
			}
			acct = existing
			return nil
		}
		if err != nil {
			return err
		}

		if bonus > 0 {
			grant := Entry{
				ID:             s.newID(),
				PrincipalID:    principal,
				Delta:          bonus,
				Kind:           KindSignupGrant,
				IdempotencyKey: signupKey(principal),
				Description:    "signup bonus",
				CreatedAt:      now,
			}
			if err := tx.AppendEntry(ctx, grant); err != nil {
				return err
			}
		}

		acct = candidate
		created = true
		return nil
	})
	if err != nil {
		return Account{}, s.fail("ensure_account", err)
	}

	if created {
		s.log.WithFields(logrus.Fields{
			"principal_id": principal,
			"balance":      acct.Balance,
		}).Info("provisioned account with signup bonus")
	}
	return acct, nil
}

// =============================================================================
// READS
// =============================================================================

// Account returns the principal's account or ErrAccountNotFound.
func (s *Service) Account(ctx context.Context, principal PrincipalID) (Account, error) {
	acct, err := s.store.Account(ctx, principal)
	if err != nil {
		return Account{}, s.fail("account", err)
	}
	return acct, nil
}

// AccountByEmail looks an account up by its secondary key.
func (s *Service) AccountByEmail(ctx context.Context, email string) (Account, error) {
	acct, err := s.store.AccountByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return Account{}, s.fail("account_by_email", err)
	}
	return acct, nil
}

// Balance returns the current spendable credits. An unknown principal is
// "not provisioned" and yields ErrAccountNotFound; call EnsureAccount first.
func (s *Service) Balance(ctx context.Context, principal PrincipalID) (int64, error) {
	acct, err := s.Account(ctx, principal)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// History returns the principal's entries, newest first.
func (s *Service) History(ctx context.Context, principal PrincipalID, limit int) ([]Entry, error) {
	entries, err := s.store.Entries(ctx, principal, limit)
	if err != nil {
		return nil, s.fail("history", err)
	}
	return entries, nil
}

// =============================================================================
// DEBIT
// =============================================================================

// Debit removes amount credits in one atomic check-and-write. If the balance
// is lower than amount nothing is written and Success is false.
func (s *Service) Debit(ctx context.Context, principal PrincipalID, amount int64, description string) (DebitResult, error) {
	if principal == "" {
		return DebitResult{}, ErrPrincipalRequired
	}
	if amount <= 0 {
		return DebitResult{}, fmt.Errorf("%w: debit of %d", ErrInvalidAmount, amount)
	}

	var res DebitResult
	err := s.store.WithTx(ctx, func(tx Store) error {
		balance, err := tx.AdjustBalance(ctx, principal, -amount)
		if errors.Is(err, ErrInsufficientCredits) {
			acct, err := tx.Account(ctx, principal)
			if err != nil {
				return err
			}
			res = DebitResult{Success: false, Balance: acct.Balance}
			return nil
		}
		if err != nil {
			return err
		}

		entry := Entry{
			ID:          s.newID(),
			PrincipalID: principal,
			Delta:       -amount,
			Kind:        KindUsage,
			Description: description,
			CreatedAt:   s.now(),
		}
		if err := tx.AppendEntry(ctx, entry); err != nil {
			return err
		}
		res = DebitResult{Success: true, Balance: balance, EntryID: entry.ID}
		return nil
	})
	if err != nil {
		return DebitResult{}, s.fail("debit", err)
	}

	fields := logrus.Fields{
		"principal_id": principal,
		"amount":       amount,
		"balance":      res.Balance,
	}
	if res.Success {
		s.log.WithFields(fields).Debug("debited credits")
	} else {
		s.log.WithFields(fields).Info("debit rejected: insufficient credits")
	}
	return res, nil
}

// ChargeTool debits the price of one tool invocation. Unknown tools fail with
// pricing.ErrUnknownTool, never with a guessed cost. A short balance fails
// with *InsufficientCreditsError and the result still carries the balance.
func (s *Service) ChargeTool(ctx context.Context, principal PrincipalID, toolID string) (DebitResult, error) {
	cost, err := s.pricer.CostOf(toolID)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"principal_id": principal,
			"tool_id":      toolID,
		}).Error("charge for unknown tool")
		return DebitResult{}, err
	}

	res, err := s.Debit(ctx, principal, cost, "usage: "+toolID)
	if err != nil {
		return res, err
	}
	if !res.Success {
		return res, &InsufficientCreditsError{
			Principal: principal,
			Balance:   res.Balance,
			Requested: cost,
		}
	}
	return res, nil
}

// =============================================================================
// CREDIT
// =============================================================================

// Credit adds credits exactly once per idempotency key. A repeated key is
// not an error: the result has Applied=false and the current balance.
func (s *Service) Credit(ctx context.Context, req CreditRequest) (CreditResult, error) {
	if req.Principal == "" {
		return CreditResult{}, ErrPrincipalRequired
	}
	if req.Amount <= 0 {
		return CreditResult{}, fmt.Errorf("%w: credit of %d", ErrInvalidAmount, req.Amount)
	}
	if req.IdempotencyKey == "" {
		return CreditResult{}, ErrIdempotencyKeyRequired
	}
	kind := req.Kind
	if kind == "" {
		kind = KindPurchase
	}
	if kind == KindUsage {
		return CreditResult{}, fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}

	var res CreditResult
	err := s.store.WithTx(ctx, func(tx Store) error {
		if _, err := tx.Account(ctx, req.Principal); err != nil {
			return err
		}

		entry := Entry{
			ID:             s.newID(),
			PrincipalID:    req.Principal,
			Delta:          req.Amount,
			Kind:           kind,
			IdempotencyKey: req.IdempotencyKey,
			Description:    req.Description,
			CreatedAt:      s.now(),
		}
		err := tx.AppendEntry(ctx, entry)
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			// re-read: the competing credit may have committed after our first read
			current, err := tx.Account(ctx, req.Principal)
			if err != nil {
				return err
			}
			res = CreditResult{Applied: false, Balance: current.Balance, Tier: current.Tier}
			return nil
		}
		if err != nil {
			return err
		}

		balance, err := tx.AdjustBalance(ctx, req.Principal, req.Amount)
		if err != nil {
			return err
		}

		// The balance update holds the account row, so this read sees any
		// tier a concurrent credit committed first.
		acct, err := tx.Account(ctx, req.Principal)
		if err != nil {
			return err
		}
		tier := acct.Tier
		if req.Tier.Outranks(tier) {
			if err := tx.SetTier(ctx, req.Principal, req.Tier); err != nil {
				return err
			}
			tier = req.Tier
		}

		res = CreditResult{Applied: true, Balance: balance, Tier: tier, EntryID: entry.ID}
		return nil
	})
	if err != nil {
		return CreditResult{}, s.fail("credit", err)
	}

	fields := logrus.Fields{
		"principal_id":    req.Principal,
		"amount":          req.Amount,
		"idempotency_key": req.IdempotencyKey,
		"balance":         res.Balance,
	}
	if res.Applied {
		s.log.WithFields(fields).Info("credited account")
	} else {
		s.log.WithFields(fields).Info("credit already applied, skipping")
	}
	return res, nil
}

// =============================================================================
// AUDIT
// =============================================================================

// Audit checks balance == sum(delta) for one principal.
func (s *Service) Audit(ctx context.Context, principal PrincipalID) (AuditReport, error) {
	var report AuditReport
	err := s.store.WithTx(ctx, func(tx Store) error {
		var err error
		report, err = auditOne(ctx, tx, principal)
		return err
	})
	if err != nil {
		return AuditReport{}, s.fail("audit", err)
	}
	return report, nil
}

// AuditAll walks every account in pages and returns the number checked and
// the reports that failed the check.
func (s *Service) AuditAll(ctx context.Context, pageSize int) (int, []AuditReport, error) {
	if pageSize <= 0 {
		pageSize = 500
	}

	var (
		checked    int
		mismatches []AuditReport
	)
	for offset := 0; ; offset += pageSize {
		accounts, err := s.store.Accounts(ctx, pageSize, offset)
		if err != nil {
			return checked, mismatches, s.fail("audit_all", err)
		}
		for _, acct := range accounts {
			report, err := s.Audit(ctx, acct.PrincipalID)
			if err != nil {
				return checked, mismatches, err
			}
			checked++
			if !report.Consistent {
				s.log.WithFields(logrus.Fields{
					"principal_id": report.Principal,
					"balance":      report.Balance,
					"ledger_sum":   report.LedgerSum,
				}).Error("ledger and balance disagree")
				mismatches = append(mismatches, report)
			}
		}
		if len(accounts) < pageSize {
			return checked, mismatches, nil
		}
	}
}

func auditOne(ctx context.Context, st Store, principal PrincipalID) (AuditReport, error) {
	acct, err := st.Account(ctx, principal)
	if err != nil {
		return AuditReport{}, err
	}
	entries, err := st.Entries(ctx, principal, 0)
	if err != nil {
		return AuditReport{}, err
	}

	var sum int64
	for _, e := range entries {
		sum += e.Delta
	}
	return AuditReport{
		Principal:  principal,
		Balance:    acct.Balance,
		LedgerSum:  sum,
		Entries:    len(entries),
		Consistent: sum == acct.Balance,
	}, nil
}

// fail passes expected ledger conditions through untouched and marks
// everything else as a retryable storage failure.
func (s *Service) fail(op string, err error) error {
	if isDomainError(err) {
		return err
	}
	s.log.WithError(err).WithField("op", op).Error("ledger storage failure")
	return &StorageError{Op: op, Err: err}
}
