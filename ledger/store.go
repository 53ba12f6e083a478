/*
store.go - Persistence interface for accounts and ledger entries

PURPOSE:
  Defines the boundary between the Balance Service and the database.
  Implementations: ledger/store (memory), store/sqlite, store/postgres.

APPEND-ONLY CONTRACT:
  Entries are only ever appended. There is no UpdateEntry or DeleteEntry.
  The only mutable fields are Account.Balance and Account.Tier, and the
  service changes Balance only inside WithTx together with the Entry
  that records it.

ATOMIC BALANCE CHANGE:
  AdjustBalance is a single conditional write (compare-and-swap):
    UPDATE accounts SET balance = balance + delta
    WHERE principal_id = ? AND balance + delta >= 0
  It never reads the balance into application memory first, so two
  concurrent debits cannot both pass the check against a stale value.

IDEMPOTENCY:
  AppendEntry rejects a second entry with the same non-empty idempotency key
  with ErrDuplicateIdempotencyKey. InsertAccount rejects a second account
  with the same principal id or email with ErrAccountExists. Both are
  enforced by unique constraints, not by read-then-write checks.

SEE ALSO:
  - service.go: the only caller that writes through this interface
*/
package ledger

import "context"

// =============================================================================
// STORE
// =============================================================================

// Store is the ledger persistence interface.
type Store interface {
	// Account returns the account or ErrAccountNotFound.
	Account(ctx context.Context, id PrincipalID) (Account, error)

	// AccountByEmail returns the account with the given normalized email
	// or ErrAccountNotFound.
	AccountByEmail(ctx context.Context, email string) (Account, error)

	// InsertAccount creates an account. Returns ErrAccountExists if the
	// principal id or the email is already taken.
	InsertAccount(ctx context.Context, acct Account) error

	// AdjustBalance adds delta to the balance and returns the new balance.
	// Returns ErrInsufficientCredits, leaving the row untouched, if the
	// result would be negative; ErrAccountNotFound if there is no account.
	AdjustBalance(ctx context.Context, id PrincipalID, delta int64) (int64, error)

	// SetTier overwrites the plan tier. Monotonicity is the caller's job.
	SetTier(ctx context.Context, id PrincipalID, tier PlanTier) error

	// AppendEntry persists an entry. Returns ErrDuplicateIdempotencyKey if
	// the entry's key is already used; ErrAccountNotFound if the principal
	// has no account (where the backend enforces it).
	AppendEntry(ctx context.Context, e Entry) error

	// EntryByIdempotencyKey returns the entry or ErrEntryNotFound.
	EntryByIdempotencyKey(ctx context.Context, key string) (Entry, error)

	// Entries returns the principal's entries, newest first.
	// limit <= 0 means all.
	Entries(ctx context.Context, id PrincipalID, limit int) ([]Entry, error)

	// Accounts pages through all accounts ordered by principal id.
	Accounts(ctx context.Context, limit, offset int) ([]Account, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the passed Store is
	// rolled back. If fn returns nil, they are committed together.
	WithTx(ctx context.Context, fn func(Store) error) error
}
