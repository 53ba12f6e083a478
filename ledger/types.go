/*
Package ledger provides the credit ledger: accounts, their append-only entry
history, and the Balance Service that is the sole writer of both.

PURPOSE:
  Every credit a principal can spend lives in exactly one Account row, and
  every change to that row is recorded by exactly one Entry written in the
  same storage transaction. Nothing outside this package computes a new
  balance; callers ask for a debit or a credit and read back the result.

KEY CONCEPTS IN THIS FILE (types.go):
  - PrincipalID: canonical account key issued by the identity provider
  - Account:     current spendable balance + plan tier
  - Entry:       immutable record of one balance change
  - PlanTier:    informational tier, upgraded monotonically by purchases

INVARIANTS:
  1. Account.Balance >= 0, always. Debits that would go negative are rejected.
  2. Account.Balance == sum(Entry.Delta) for that principal.
  3. At most one Entry per non-empty IdempotencyKey.

SEE ALSO:
  - store.go:   persistence interface (Store / TxStore)
  - service.go: Balance Service (EnsureAccount, Debit, Credit, ...)
  - errors.go:  sentinel and structured errors
*/
package ledger

import (
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// PrincipalID is the stable identity of an authenticated end user.
type PrincipalID string

// Principal is the verified caller of a ledger or payment operation.
// It is passed explicitly to every call; there is no ambient "current user".
type Principal struct {
	ID    PrincipalID
	Email string
}

// NormalizeEmail lowercases and trims an email so it can be used as a
// secondary lookup key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// =============================================================================
// PLAN TIER - Informational, monotonic upgrade only
// =============================================================================

type PlanTier string

const (
	TierFree     PlanTier = "free"
	TierFlex     PlanTier = "flex"
	TierPersonal PlanTier = "personal"
	TierCreator  PlanTier = "creator"
	TierStudio   PlanTier = "studio"
)

var tierRank = map[PlanTier]int{
	TierFree:     0,
	TierFlex:     1,
	TierPersonal: 2,
	TierCreator:  3,
	TierStudio:   4,
}

// Valid reports whether t is a known tier.
func (t PlanTier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Outranks reports whether t is strictly higher than other.
// Unknown tiers never outrank anything.
func (t PlanTier) Outranks(other PlanTier) bool {
	r, ok := tierRank[t]
	if !ok {
		return false
	}
	return r > tierRank[other]
}

// =============================================================================
// ACCOUNT
// =============================================================================

// Account is the current state of a principal's credits.
type Account struct {
	PrincipalID PrincipalID
	Email       string
	Balance     int64
	Tier        PlanTier
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// =============================================================================
// ENTRY - Immutable record of a balance change
// =============================================================================

type EntryKind string

const (
	KindSignupGrant EntryKind = "signup_grant" // one-time bonus on provisioning
	KindPurchase    EntryKind = "purchase"     // reconciled payment
	KindUsage       EntryKind = "usage"        // paid tool invocation
	KindRefund      EntryKind = "refund"       // manual goodwill credit
)

// Entry is one row of the append-only ledger.
// Positive Delta is a credit, negative a debit.
type Entry struct {
	ID             string
	PrincipalID    PrincipalID
	Delta          int64
	Kind           EntryKind
	IdempotencyKey string // empty means none
	Description    string
	CreatedAt      time.Time
}

// signupKey is the idempotency key of the signup grant. It makes a second
// grant for the same principal impossible even if account creation races.
func signupKey(id PrincipalID) string {
	return "signup:" + string(id)
}
