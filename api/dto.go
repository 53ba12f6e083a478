/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain types from the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Account:      AccountDTO, BalanceDTO
  Ledger:       EntryDTO, DebitRequest, DebitResponse, InsufficientCreditsResponse
  Payments:     CreateCheckoutRequest, CheckoutDTO, ReconcileRequest, ReconcileDTO
  Price table:  PriceTableDTO, PlanDTO, ToolDTO
  Admin:        AuditDTO

VALIDATION:
  Validation is done in handlers and the services behind them, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/payments"
	"github.com/warp/credit-ledger/pricing"
)

// =============================================================================
// ACCOUNT
// =============================================================================

// AccountDTO represents an account in API responses.
type AccountDTO struct {
	PrincipalID string `json:"principal_id"`
	Email       string `json:"email,omitempty"`
	Balance     int64  `json:"balance"`
	Tier        string `json:"tier"`
	CreatedAt   string `json:"created_at"`
}

// BalanceDTO is the response of GET /api/me/balance. Provisioned=false
// tells the client to call POST /api/me/account.
type BalanceDTO struct {
	Provisioned bool   `json:"provisioned"`
	Balance     int64  `json:"balance"`
	Tier        string `json:"tier,omitempty"`
}

// =============================================================================
// LEDGER
// =============================================================================

// EntryDTO represents one ledger entry.
type EntryDTO struct {
	ID          string `json:"id"`
	Delta       int64  `json:"delta"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// DebitRequest charges one tool invocation.
type DebitRequest struct {
	ToolID string `json:"tool_id"`
}

// DebitResponse is returned on a successful charge.
type DebitResponse struct {
	Success bool   `json:"success"`
	Balance int64  `json:"balance"`
	EntryID string `json:"entry_id"`
}

// InsufficientCreditsResponse is the 402 body.
type InsufficientCreditsResponse struct {
	Error     string `json:"error"`
	Balance   int64  `json:"balance"`
	Requested int64  `json:"requested"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

// CreateCheckoutRequest opens a hosted checkout for a plan.
type CreateCheckoutRequest struct {
	PlanID string `json:"plan_id"`
}

// CheckoutDTO tells the client where to send the browser.
type CheckoutDTO struct {
	PaymentReference string `json:"payment_reference"`
	RedirectURL      string `json:"redirect_url"`
}

// ReconcileRequest is sent by the browser on return from checkout.
type ReconcileRequest struct {
	PaymentReference string `json:"payment_reference"`
}

// ReconcileDTO is the outcome of a reconcile.
type ReconcileDTO struct {
	PaymentReference string `json:"payment_reference"`
	PlanID           string `json:"plan_id"`
	Credited         int64  `json:"credited"`
	AlreadyCredited  bool   `json:"already_credited"`
	Balance          int64  `json:"balance"`
}

// =============================================================================
// PRICE TABLE
// =============================================================================

type PlanDTO struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Credits  int64  `json:"credits"`
	Price    string `json:"price"`
	Currency string `json:"currency"`
	Tier     string `json:"tier"`
}

type ToolDTO struct {
	ID   string `json:"id"`
	Cost int64  `json:"cost"`
}

// PriceTableDTO is the response of GET /api/plans.
type PriceTableDTO struct {
	SignupBonus int64     `json:"signup_bonus"`
	Tools       []ToolDTO `json:"tools"`
	Plans       []PlanDTO `json:"plans"`
}

// =============================================================================
// ADMIN
// =============================================================================

// AuditDTO reports whether balance == sum of entry deltas.
type AuditDTO struct {
	PrincipalID string `json:"principal_id"`
	Balance     int64  `json:"balance"`
	LedgerSum   int64  `json:"ledger_sum"`
	Entries     int    `json:"entries"`
	Consistent  bool   `json:"consistent"`
}

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{
		PrincipalID: string(a.PrincipalID),
		Email:       a.Email,
		Balance:     a.Balance,
		Tier:        string(a.Tier),
		CreatedAt:   a.CreatedAt.Format(time.RFC3339),
	}
}

func toEntryDTOs(entries []ledger.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = EntryDTO{
			ID:          e.ID,
			Delta:       e.Delta,
			Kind:        string(e.Kind),
			Description: e.Description,
			CreatedAt:   e.CreatedAt.Format(time.RFC3339),
		}
	}
	return dtos
}

func toReconcileDTO(res payments.Result) ReconcileDTO {
	return ReconcileDTO{
		PaymentReference: res.Reference,
		PlanID:           res.Plan.ID,
		Credited:         res.Credited,
		AlreadyCredited:  res.AlreadyCredited,
		Balance:          res.Balance,
	}
}

func toPriceTableDTO(t *pricing.Table) PriceTableDTO {
	dto := PriceTableDTO{SignupBonus: t.SignupBonus()}
	for _, tool := range t.Tools() {
		dto.Tools = append(dto.Tools, ToolDTO{ID: tool.ID, Cost: tool.Cost})
	}
	for _, p := range t.Plans() {
		dto.Plans = append(dto.Plans, PlanDTO{
			ID:       p.ID,
			Name:     p.Name,
			Credits:  p.Credits,
			Price:    p.Price.StringFixed(2),
			Currency: p.Currency,
			Tier:     string(p.Tier),
		})
	}
	return dto
}

func toAuditDTO(r ledger.AuditReport) AuditDTO {
	return AuditDTO{
		PrincipalID: string(r.Principal),
		Balance:     r.Balance,
		LedgerSum:   r.LedgerSum,
		Entries:     r.Entries,
		Consistent:  r.Consistent,
	}
}
