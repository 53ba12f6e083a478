/*
Package postgres provides a PostgreSQL-backed ledger and checkout store.

PURPOSE:
  Production backend for multi-instance deployments. Same tables and the
  same constraint-driven concurrency model as store/sqlite, in the
  PostgreSQL dialect ($n placeholders, TIMESTAMPTZ, BIGSERIAL).

CONCURRENCY:
  Runs at READ COMMITTED. The conditional balance UPDATE re-evaluates its
  WHERE clause against the latest committed row when it has to wait for a
  concurrent writer, so two debits racing on a tight balance cannot both
  pass. Unique indexes on principal_id, email and idempotency_key decide
  every provisioning and crediting race.

USAGE:
  st, err := postgres.New(ctx, os.Getenv("DATABASE_URL"))
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

SEE ALSO:
  - store/sqlite: same statements, SQLite dialect
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/payments"
)

const (
	foreignKeyViolation pq.ErrorCode = "23503"
)

// Store implements ledger.TxStore and payments.CheckoutStore on PostgreSQL.
type Store struct {
	db *sql.DB
	conn
}

// New connects to dsn, configures the pool and migrates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := NewFromDB(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewFromDB wraps an open handle without migrating.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db, conn: conn{q: db}}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS accounts (
		principal_id TEXT PRIMARY KEY,
		email TEXT UNIQUE,
		balance BIGINT NOT NULL CHECK (balance >= 0),
		plan_tier TEXT NOT NULL DEFAULT 'free',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq BIGSERIAL PRIMARY KEY,
		entry_id TEXT NOT NULL UNIQUE,
		principal_id TEXT NOT NULL REFERENCES accounts(principal_id),
		delta BIGINT NOT NULL,
		kind TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_principal
		ON ledger_entries(principal_id, seq);

	CREATE TABLE IF NOT EXISTS checkouts (
		reference TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		plan_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkouts_status_created
		ON checkouts(status, created_at);
	`)
	return err
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(conn{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// LEDGER STORE
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type conn struct {
	q querier
}

const accountColumns = `principal_id, email, balance, plan_tier, created_at, updated_at`

func (c conn) Account(ctx context.Context, id ledger.PrincipalID) (ledger.Account, error) {
	row := c.q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE principal_id = $1`, id)
	return scanAccount(row)
}

func (c conn) AccountByEmail(ctx context.Context, email string) (ledger.Account, error) {
	if email == "" {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	row := c.q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email)
	return scanAccount(row)
}

func (c conn) InsertAccount(ctx context.Context, acct ledger.Account) error {
	res, err := c.q.ExecContext(ctx, `
		INSERT INTO accounts (principal_id, email, balance, plan_tier, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`,
		acct.PrincipalID, nullString(acct.Email), acct.Balance, acct.Tier,
		acct.CreatedAt.UTC(), acct.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	if n == 0 {
		return ledger.ErrAccountExists
	}
	return nil
}

func (c conn) AdjustBalance(ctx context.Context, id ledger.PrincipalID, delta int64) (int64, error) {
	var balance int64
	err := c.q.QueryRowContext(ctx, `
		UPDATE accounts
		SET balance = balance + $1, updated_at = $2
		WHERE principal_id = $3 AND balance + $1 >= 0
		RETURNING balance`,
		delta, time.Now().UTC(), id,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		if _, lookupErr := c.Account(ctx, id); lookupErr != nil {
			return 0, lookupErr
		}
		return 0, ledger.ErrInsufficientCredits
	}
	if err != nil {
		return 0, fmt.Errorf("failed to adjust balance: %w", err)
	}
	return balance, nil
}

func (c conn) SetTier(ctx context.Context, id ledger.PrincipalID, tier ledger.PlanTier) error {
	res, err := c.q.ExecContext(ctx,
		`UPDATE accounts SET plan_tier = $1, updated_at = $2 WHERE principal_id = $3`,
		tier, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set tier: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func (c conn) AppendEntry(ctx context.Context, e ledger.Entry) error {
	res, err := c.q.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(entry_id, principal_id, delta, kind, idempotency_key, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		e.ID, e.PrincipalID, e.Delta, e.Kind,
		nullString(e.IdempotencyKey), e.Description, e.CreatedAt.UTC(),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
			return ledger.ErrAccountNotFound
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to append entry: %w", err)
	}
	if n == 0 {
		return ledger.ErrDuplicateIdempotencyKey
	}
	return nil
}

const entryColumns = `entry_id, principal_id, delta, kind, idempotency_key, description, created_at`

func (c conn) EntryByIdempotencyKey(ctx context.Context, key string) (ledger.Entry, error) {
	row := c.q.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return e, err
}

func (c conn) Entries(ctx context.Context, id ledger.PrincipalID, limit int) ([]ledger.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE principal_id = $1 ORDER BY seq DESC`
	args := []any{id}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (c conn) Accounts(ctx context.Context, limit, offset int) ([]ledger.Account, error) {
	var limitArg any // NULL means no limit
	if limit > 0 {
		limitArg = limit
	}
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY principal_id LIMIT $1 OFFSET $2`,
		limitArg, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

// =============================================================================
// CHECKOUT STORE
// =============================================================================

func (s *Store) SaveCheckout(ctx context.Context, c payments.Checkout) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkouts (reference, principal_id, plan_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (reference) DO UPDATE SET
			principal_id = EXCLUDED.principal_id,
			plan_id = EXCLUDED.plan_id,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		c.Reference, c.PrincipalID, c.PlanID, c.Status, c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save checkout: %w", err)
	}
	return nil
}

func (s *Store) SetCheckoutStatus(ctx context.Context, reference string, status payments.CheckoutStatus, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE checkouts SET status = $1, updated_at = $2 WHERE reference = $3`,
		status, at.UTC(), reference)
	if err != nil {
		return fmt.Errorf("failed to update checkout: %w", err)
	}
	return nil
}

func (s *Store) PendingCheckouts(ctx context.Context, since time.Time, after payments.CheckoutCursor, limit int) ([]payments.Checkout, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT reference, principal_id, plan_id, status, created_at, updated_at
		FROM checkouts
		WHERE status = $1 AND created_at >= $2
		  AND (created_at, reference) > ($3, $4)
		ORDER BY created_at ASC, reference ASC
		LIMIT $5`,
		payments.CheckoutPending, since.UTC(), after.CreatedAt.UTC(), after.Reference, limitArg)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkouts: %w", err)
	}
	defer rows.Close()

	var checkouts []payments.Checkout
	for rows.Next() {
		var c payments.Checkout
		if err := rows.Scan(&c.Reference, &c.PrincipalID, &c.PlanID, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkout: %w", err)
		}
		checkouts = append(checkouts, c)
	}
	return checkouts, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (ledger.Account, error) {
	var (
		acct  ledger.Account
		email sql.NullString
	)
	err := row.Scan(&acct.PrincipalID, &email, &acct.Balance, &acct.Tier, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to scan account: %w", err)
	}
	acct.Email = email.String
	acct.CreatedAt = acct.CreatedAt.UTC()
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	return acct, nil
}

// scanEntry leaves sql.ErrNoRows unwrapped so callers can map it.
func scanEntry(row scanner) (ledger.Entry, error) {
	var (
		e   ledger.Entry
		key sql.NullString
	)
	err := row.Scan(&e.ID, &e.PrincipalID, &e.Delta, &e.Kind, &key, &e.Description, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Entry{}, err
	}
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("failed to scan entry: %w", err)
	}
	e.IdempotencyKey = key.String
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
