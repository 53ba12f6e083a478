// Package store provides in-memory ledger and checkout stores for tests and
// local development.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/payments"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.TxStore and payments.CheckoutStore.
// Every method takes the single mutex, so each call is serializable; WithTx
// holds it for the whole callback.
type Memory struct {
	mu          sync.Mutex
	accounts    map[ledger.PrincipalID]ledger.Account
	emails      map[string]ledger.PrincipalID
	entries     map[ledger.PrincipalID][]ledger.Entry
	idempotency map[string]ledger.Entry
	checkouts   map[string]payments.Checkout
}

func NewMemory() *Memory {
	return &Memory{
		accounts:    make(map[ledger.PrincipalID]ledger.Account),
		emails:      make(map[string]ledger.PrincipalID),
		entries:     make(map[ledger.PrincipalID][]ledger.Entry),
		idempotency: make(map[string]ledger.Entry),
		checkouts:   make(map[string]payments.Checkout),
	}
}

func (m *Memory) Account(_ context.Context, id ledger.PrincipalID) (ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accountLocked(id)
}

func (m *Memory) AccountByEmail(_ context.Context, email string) (ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accountByEmailLocked(email)
}

func (m *Memory) InsertAccount(_ context.Context, acct ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertAccountLocked(acct)
}

func (m *Memory) AdjustBalance(_ context.Context, id ledger.PrincipalID, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adjustBalanceLocked(id, delta)
}

func (m *Memory) SetTier(_ context.Context, id ledger.PrincipalID, tier ledger.PlanTier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setTierLocked(id, tier)
}

func (m *Memory) AppendEntry(_ context.Context, e ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendEntryLocked(e)
}

func (m *Memory) EntryByIdempotencyKey(_ context.Context, key string) (ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entryByKeyLocked(key)
}

func (m *Memory) Entries(_ context.Context, id ledger.PrincipalID, limit int) ([]ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entriesLocked(id, limit), nil
}

func (m *Memory) Accounts(_ context.Context, limit, offset int) ([]ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accountsLocked(limit, offset), nil
}

// =============================================================================
// LOCKED HELPERS - Callers hold m.mu
// =============================================================================

func (m *Memory) accountLocked(id ledger.PrincipalID) (ledger.Account, error) {
	acct, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acct, nil
}

func (m *Memory) accountByEmailLocked(email string) (ledger.Account, error) {
	id, ok := m.emails[email]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return m.accountLocked(id)
}

func (m *Memory) insertAccountLocked(acct ledger.Account) error {
	if _, ok := m.accounts[acct.PrincipalID]; ok {
		return ledger.ErrAccountExists
	}
	if acct.Email != "" {
		if _, ok := m.emails[acct.Email]; ok {
			return ledger.ErrAccountExists
		}
		m.emails[acct.Email] = acct.PrincipalID
	}
	m.accounts[acct.PrincipalID] = acct
	return nil
}

func (m *Memory) adjustBalanceLocked(id ledger.PrincipalID, delta int64) (int64, error) {
	acct, ok := m.accounts[id]
	if !ok {
		return 0, ledger.ErrAccountNotFound
	}
	if acct.Balance+delta < 0 {
		return 0, ledger.ErrInsufficientCredits
	}
	acct.Balance += delta
	acct.UpdatedAt = time.Now().UTC()
	m.accounts[id] = acct
	return acct.Balance, nil
}

func (m *Memory) setTierLocked(id ledger.PrincipalID, tier ledger.PlanTier) error {
	acct, ok := m.accounts[id]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	acct.Tier = tier
	acct.UpdatedAt = time.Now().UTC()
	m.accounts[id] = acct
	return nil
}

func (m *Memory) appendEntryLocked(e ledger.Entry) error {
	if _, ok := m.accounts[e.PrincipalID]; !ok {
		return ledger.ErrAccountNotFound
	}
	if e.IdempotencyKey != "" {
		if _, dup := m.idempotency[e.IdempotencyKey]; dup {
			return ledger.ErrDuplicateIdempotencyKey
		}
		m.idempotency[e.IdempotencyKey] = e
	}
	m.entries[e.PrincipalID] = append(m.entries[e.PrincipalID], e)
	return nil
}

func (m *Memory) entryByKeyLocked(key string) (ledger.Entry, error) {
	e, ok := m.idempotency[key]
	if !ok {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return e, nil
}

func (m *Memory) entriesLocked(id ledger.PrincipalID, limit int) []ledger.Entry {
	all := m.entries[id]
	n := len(all)
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]ledger.Entry, 0, n)
	for i := len(all) - 1; i >= 0 && len(result) < n; i-- {
		result = append(result, all[i])
	}
	return result
}

func (m *Memory) accountsLocked(limit, offset int) []ledger.Account {
	ids := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	if offset >= len(ids) {
		return nil
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}

	result := make([]ledger.Account, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.accounts[ledger.PrincipalID(id)])
	}
	return result
}

// =============================================================================
// TRANSACTIONS - Snapshot + rollback on error
// =============================================================================

// WithTx runs fn with the store locked. Writes go straight to the maps; if
// fn fails the maps are restored from a snapshot taken before fn ran.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	accounts    map[ledger.PrincipalID]ledger.Account
	emails      map[string]ledger.PrincipalID
	entries     map[ledger.PrincipalID][]ledger.Entry
	idempotency map[string]ledger.Entry
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		accounts:    make(map[ledger.PrincipalID]ledger.Account, len(m.accounts)),
		emails:      make(map[string]ledger.PrincipalID, len(m.emails)),
		entries:     make(map[ledger.PrincipalID][]ledger.Entry, len(m.entries)),
		idempotency: make(map[string]ledger.Entry, len(m.idempotency)),
	}
	for k, v := range m.accounts {
		s.accounts[k] = v
	}
	for k, v := range m.emails {
		s.emails[k] = v
	}
	for k, v := range m.entries {
		s.entries[k] = append([]ledger.Entry(nil), v...)
	}
	for k, v := range m.idempotency {
		s.idempotency[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.accounts = s.accounts
	m.emails = s.emails
	m.entries = s.entries
	m.idempotency = s.idempotency
}

// txView is the Store handed to WithTx callbacks. The parent lock is
// already held, so it calls the locked helpers directly.
type txView struct {
	parent *Memory
}

func (tv *txView) Account(_ context.Context, id ledger.PrincipalID) (ledger.Account, error) {
	return tv.parent.accountLocked(id)
}

func (tv *txView) AccountByEmail(_ context.Context, email string) (ledger.Account, error) {
	return tv.parent.accountByEmailLocked(email)
}

func (tv *txView) InsertAccount(_ context.Context, acct ledger.Account) error {
	return tv.parent.insertAccountLocked(acct)
}

func (tv *txView) AdjustBalance(_ context.Context, id ledger.PrincipalID, delta int64) (int64, error) {
	return tv.parent.adjustBalanceLocked(id, delta)
}

func (tv *txView) SetTier(_ context.Context, id ledger.PrincipalID, tier ledger.PlanTier) error {
	return tv.parent.setTierLocked(id, tier)
}

func (tv *txView) AppendEntry(_ context.Context, e ledger.Entry) error {
	return tv.parent.appendEntryLocked(e)
}

func (tv *txView) EntryByIdempotencyKey(_ context.Context, key string) (ledger.Entry, error) {
	return tv.parent.entryByKeyLocked(key)
}

func (tv *txView) Entries(_ context.Context, id ledger.PrincipalID, limit int) ([]ledger.Entry, error) {
	return tv.parent.entriesLocked(id, limit), nil
}

func (tv *txView) Accounts(_ context.Context, limit, offset int) ([]ledger.Account, error) {
	return tv.parent.accountsLocked(limit, offset), nil
}

// =============================================================================
// CHECKOUTS
// =============================================================================

func (m *Memory) SaveCheckout(_ context.Context, c payments.Checkout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkouts[c.Reference] = c
	return nil
}

func (m *Memory) SetCheckoutStatus(_ context.Context, reference string, status payments.CheckoutStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checkouts[reference]
	if !ok {
		return nil
	}
	c.Status = status
	c.UpdatedAt = at
	m.checkouts[reference] = c
	return nil
}

func (m *Memory) PendingCheckouts(_ context.Context, since time.Time, after payments.CheckoutCursor, limit int) ([]payments.Checkout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []payments.Checkout
	for _, c := range m.checkouts {
		if c.Status == payments.CheckoutPending && !c.CreatedAt.Before(since) && after.Before(c) {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].Reference < result[j].Reference
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Checkout returns a tracked checkout, for tests and tooling.
func (m *Memory) Checkout(reference string) (payments.Checkout, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checkouts[reference]
	return c, ok
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error {
	return nil
}
