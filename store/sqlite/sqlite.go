/*
Package sqlite provides a SQLite-backed ledger and checkout store.

PURPOSE:
  Implements ledger.TxStore and payments.CheckoutStore on SQLite. This is
  the default durable backend for single-node deployments and the backend
  the service tests run against. PostgreSQL (store/postgres) uses the same
  schema and statements with dialect changes only.

INTERFACES IMPLEMENTED:
  ledger.Store / ledger.TxStore:  accounts + append-only ledger_entries
  payments.CheckoutStore:         checkouts tracked for the sweeper

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on ledger_entries
  - Only balance, plan_tier and updated_at of accounts are ever updated

KEY TABLES:
  accounts:        one row per principal; balance CHECK (balance >= 0)
  ledger_entries:  immutable history, idempotency_key UNIQUE
  checkouts:       hosted checkouts and their local status

CONSTRAINTS DOING THE WORK:
  - accounts.principal_id PRIMARY KEY, accounts.email UNIQUE
      -> concurrent EnsureAccount for one principal inserts once
  - ledger_entries.idempotency_key UNIQUE (NULLs allowed, many)
      -> a payment reference is credited once
  - conditional UPDATE ... WHERE balance + delta >= 0 RETURNING balance
      -> no double spend

CONCURRENCY:
  The pool is capped at one connection. SQLite allows one writer at a
  time anyway, and one connection keeps ":memory:" databases shared
  between callers. The Store holds no mutex of its own; code running
  inside WithTx only ever touches the *sql.Tx.

USAGE:
  st, err := sqlite.New("./data/credits.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

  svc := ledger.NewService(st, pricing.Default(), log)

SEE ALSO:
  - ledger/store.go: interface contract
  - ledger/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/payments"
)

// timeLayout is fixed-width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.TxStore and payments.CheckoutStore using SQLite.
type Store struct {
	db *sql.DB
	conn
}

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, conn: conn{q: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		principal_id TEXT PRIMARY KEY,
		email TEXT UNIQUE,
		balance INTEGER NOT NULL CHECK (balance >= 0),
		plan_tier TEXT NOT NULL DEFAULT 'free',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Append-only ledger
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		entry_id TEXT NOT NULL UNIQUE,
		principal_id TEXT NOT NULL REFERENCES accounts(principal_id),
		delta INTEGER NOT NULL,
		kind TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_principal
		ON ledger_entries(principal_id, seq);

	CREATE TABLE IF NOT EXISTS checkouts (
		reference TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		plan_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkouts_status_created
		ON checkouts(status, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

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
// LEDGER STORE (ledger.Store interface)
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs the ledger statements against a pool or a transaction.
type conn struct {
	q querier
}

const accountColumns = `principal_id, email, balance, plan_tier, created_at, updated_at`

func (c conn) Account(ctx context.Context, id ledger.PrincipalID) (ledger.Account, error) {
	row := c.q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE principal_id = ?`, id)
	return scanAccount(row)
}

func (c conn) AccountByEmail(ctx context.Context, email string) (ledger.Account, error) {
	if email == "" {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	row := c.q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = ?`, email)
	return scanAccount(row)
}

func (c conn) InsertAccount(ctx context.Context, acct ledger.Account) error {
	res, err := c.q.ExecContext(ctx, `
		INSERT INTO accounts (principal_id, email, balance, plan_tier, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		acct.PrincipalID,
		nullString(acct.Email),
		acct.Balance,
		acct.Tier,
		formatTime(acct.CreatedAt),
		formatTime(acct.UpdatedAt),
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
		SET balance = balance + ?, updated_at = ?
		WHERE principal_id = ? AND balance + ? >= 0
		RETURNING balance`,
		delta, formatTime(time.Now()), id, delta,
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
		`UPDATE accounts SET plan_tier = ?, updated_at = ? WHERE principal_id = ?`,
		tier, formatTime(time.Now()), id)
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
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		e.ID,
		e.PrincipalID,
		e.Delta,
		e.Kind,
		nullString(e.IdempotencyKey),
		e.Description,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isForeignKeyError(err) {
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
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = ?`, key)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("failed to query entry: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ledger.Entry{}, fmt.Errorf("failed to query entry: %w", err)
		}
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return scanEntry(rows)
}

func (c conn) Entries(ctx context.Context, id ledger.PrincipalID, limit int) ([]ledger.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE principal_id = ? ORDER BY seq DESC`
	args := []any{id}
	if limit > 0 {
		query += ` LIMIT ?`
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
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY principal_id LIMIT ? OFFSET ?`,
		limit, offset)
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
// CHECKOUT STORE (payments.CheckoutStore interface)
// =============================================================================

func (s *Store) SaveCheckout(ctx context.Context, c payments.Checkout) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkouts (reference, principal_id, plan_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (reference) DO UPDATE SET
			principal_id = excluded.principal_id,
			plan_id = excluded.plan_id,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		c.Reference, c.PrincipalID, c.PlanID, c.Status,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkout: %w", err)
	}
	return nil
}

func (s *Store) SetCheckoutStatus(ctx context.Context, reference string, status payments.CheckoutStatus, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE checkouts SET status = ?, updated_at = ? WHERE reference = ?`,
		status, formatTime(at), reference)
	if err != nil {
		return fmt.Errorf("failed to update checkout: %w", err)
	}
	return nil
}

func (s *Store) PendingCheckouts(ctx context.Context, since time.Time, after payments.CheckoutCursor, limit int) ([]payments.Checkout, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT reference, principal_id, plan_id, status, created_at, updated_at
		FROM checkouts
		WHERE status = ? AND created_at >= ?
		  AND (created_at > ? OR (created_at = ? AND reference > ?))
		ORDER BY created_at ASC, reference ASC
		LIMIT ?`,
		payments.CheckoutPending, formatTime(since),
		formatTime(after.CreatedAt), formatTime(after.CreatedAt), after.Reference, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkouts: %w", err)
	}
	defer rows.Close()

	var checkouts []payments.Checkout
	for rows.Next() {
		var (
			c                    payments.Checkout
			createdAt, updatedAt string
		)
		if err := rows.Scan(&c.Reference, &c.PrincipalID, &c.PlanID, &c.Status, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkout: %w", err)
		}
		c.CreatedAt = parseTime(createdAt)
		c.UpdatedAt = parseTime(updatedAt)
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
		acct                 ledger.Account
		email                sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&acct.PrincipalID, &email, &acct.Balance, &acct.Tier, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to scan account: %w", err)
	}
	acct.Email = email.String
	acct.CreatedAt = parseTime(createdAt)
	acct.UpdatedAt = parseTime(updatedAt)
	return acct, nil
}

func scanEntry(row scanner) (ledger.Entry, error) {
	var (
		e         ledger.Entry
		key       sql.NullString
		createdAt string
	)
	err := row.Scan(&e.ID, &e.PrincipalID, &e.Delta, &e.Kind, &key, &e.Description, &createdAt)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("failed to scan entry: %w", err)
	}
	e.IdempotencyKey = key.String
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func isForeignKeyError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
