/*
handlers.go - HTTP API handlers for the credit ledger

PURPOSE:
  Exposes the balance service and payment reconciliation over REST. Handles
  HTTP request/response and JSON, and delegates to the services. The
  verified principal comes from the request context (see auth.go) and is
  passed explicitly on every call.

ENDPOINTS:
  Account (bearer token):
    POST   /api/me/account        Provision (idempotent)
    GET    /api/me/balance        Balance; 404 + provisioned=false if unknown
    GET    /api/me/transactions   Ledger history, newest first
    POST   /api/me/debits         Charge one tool invocation

  Payments (bearer token):
    POST   /api/me/checkouts      Open a hosted checkout for a plan
    POST   /api/me/reconcile      Credit a completed payment (browser return)

  Public:
    GET    /api/plans             Price table
    POST   /api/webhooks/stripe   Provider notification (signature checked)

  Admin (bearer token, admin role):
    GET    /api/admin/audit/{principal}

ERROR HANDLING:
  Errors are returned as JSON with the status from statusFor:
  - 400: Invalid input
  - 401: Missing or invalid token
  - 402: Insufficient credits
  - 403: Payment owned by another principal
  - 404: Unknown account or payment
  - 409: Payment not completed, email taken
  - 422: Unknown tool or plan
  - 503: Retryable (storage, provider) or payments not configured
  - 500: Anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/warp/credit-ledger/identity"
	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/metrics"
	"github.com/warp/credit-ledger/payments"
	"github.com/warp/credit-ledger/pricing"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	maxWebhookBytes     = 64 << 10
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Ledger is the part of *ledger.Service the handlers use.
type Ledger interface {
	EnsureAccount(ctx context.Context, principal ledger.PrincipalID, email string) (ledger.Account, error)
	Account(ctx context.Context, principal ledger.PrincipalID) (ledger.Account, error)
	History(ctx context.Context, principal ledger.PrincipalID, limit int) ([]ledger.Entry, error)
	ChargeTool(ctx context.Context, principal ledger.PrincipalID, toolID string) (ledger.DebitResult, error)
	Audit(ctx context.Context, principal ledger.PrincipalID) (ledger.AuditReport, error)
}

// Payments is implemented by *payments.Reconciler.
type Payments interface {
	StartCheckout(ctx context.Context, principal ledger.Principal, planID string) (payments.CheckoutSession, error)
	Reconcile(ctx context.Context, reference string, expected *ledger.Principal) (payments.Result, error)
}

// Pinger reports backend health for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger   Ledger
	Payments Payments                 // nil when no provider is configured
	Webhooks payments.WebhookVerifier // nil when no provider is configured
	Prices   *pricing.Table
	Health   Pinger // optional
	Metrics  *metrics.Metrics
	Log      *logrus.Logger
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// EnsureAccount provisions the caller. Calling it again is harmless.
func (h *Handler) EnsureAccount(w http.ResponseWriter, r *http.Request) {
	me := mustIdentity(r)

	acct, err := h.Ledger.EnsureAccount(r.Context(), me.Principal.ID, me.Principal.Email)
	if err != nil {
		h.writeServiceError(w, r, "Failed to provision account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// GetBalance returns the caller's balance, or 404 with provisioned=false.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	me := mustIdentity(r)

	acct, err := h.Ledger.Account(r.Context(), me.Principal.ID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		writeJSON(w, http.StatusNotFound, BalanceDTO{Provisioned: false})
		return
	}
	if err != nil {
		h.writeServiceError(w, r, "Failed to read balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{Provisioned: true, Balance: acct.Balance, Tier: string(acct.Tier)})
}

// GetTransactions returns the caller's ledger entries, newest first.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	me := mustIdentity(r)

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := h.Ledger.History(r.Context(), me.Principal.ID, limit)
	if err != nil {
		h.writeServiceError(w, r, "Failed to read transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// Debit charges one tool invocation against the caller's balance.
func (h *Handler) Debit(w http.ResponseWriter, r *http.Request) {
	me := mustIdentity(r)

	var req DebitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	if req.ToolID == "" {
		writeError(w, http.StatusBadRequest, "tool_id is required", nil)
		return
	}

	res, err := h.Ledger.ChargeTool(r.Context(), me.Principal.ID, req.ToolID)
	var short *ledger.InsufficientCreditsError
	switch {
	case err == nil:
		h.Metrics.Debit(metrics.OutcomeSuccess)
		writeJSON(w, http.StatusOK, DebitResponse{Success: true, Balance: res.Balance, EntryID: res.EntryID})
	case errors.As(err, &short):
		h.Metrics.Debit(metrics.OutcomeInsufficient)
		writeJSON(w, http.StatusPaymentRequired, InsufficientCreditsResponse{
			Error:     "Insufficient credits",
			Balance:   short.Balance,
			Requested: short.Requested,
		})
	case errors.Is(err, pricing.ErrUnknownTool):
		h.Metrics.Debit(metrics.OutcomeUnknownTool)
		h.writeServiceError(w, r, "Unknown tool", err)
	default:
		h.Metrics.Debit(metrics.OutcomeError)
		h.writeServiceError(w, r, "Failed to charge tool", err)
	}
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// CreateCheckout opens a hosted checkout for the requested plan.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	me := mustIdentity(r)
	if h.Payments == nil {
		h.writeServiceError(w, r, "Payments unavailable", payments.ErrPaymentsNotEnabled)
		return
	}

	var req CreateCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	if req.PlanID == "" {
		writeError(w, http.StatusBadRequest, "plan_id is required", nil)
		return
	}

	session, err := h.Payments.StartCheckout(r.Context(), me.Principal, req.PlanID)
	if err != nil {
		h.writeServiceError(w, r, "Failed to start checkout", err)
		return
	}
	writeJSON(w, http.StatusCreated, CheckoutDTO{
		PaymentReference: session.Reference,
		RedirectURL:      session.RedirectURL,
	})
}

// Reconcile credits a completed payment on behalf of the caller. Safe to
// call any number of times for the same reference.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	me := mustIdentity(r)
	if h.Payments == nil {
		h.writeServiceError(w, r, "Payments unavailable", payments.ErrPaymentsNotEnabled)
		return
	}

	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	res, err := h.Payments.Reconcile(r.Context(), req.PaymentReference, &me.Principal)
	if err != nil {
		h.writeServiceError(w, r, "Failed to reconcile payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileDTO(res))
}

// StripeWebhook verifies a provider notification and reconciles the
// payment it names with no expected principal. Non-2xx makes the provider
// redeliver, so only retryable failures return one.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.Webhooks == nil || h.Payments == nil {
		h.writeServiceError(w, r, "Payments unavailable", payments.ErrPaymentsNotEnabled)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}

	n, err := h.Webhooks.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger(r).WithError(err).Warn("rejected webhook")
		writeError(w, http.StatusBadRequest, "Invalid webhook", err)
		return
	}

	log := h.logger(r).WithFields(logrus.Fields{"event_id": n.EventID, "event_type": n.Type})
	if n.Reference == "" {
		log.Debug("ignoring webhook event")
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	_, err = h.Payments.Reconcile(r.Context(), n.Reference, nil)
	switch {
	case err == nil, errors.Is(err, payments.ErrPaymentNotCompleted):
	case payments.IsRetryable(err):
		h.writeServiceError(w, r, "Temporarily unable to reconcile", err)
		return
	default:
		// redelivery cannot fix it; the reconciler has logged the cause
		log.WithError(err).WithField("payment_reference", n.Reference).Error("webhook payment not reconcilable")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// =============================================================================
// PUBLIC + ADMIN HANDLERS
// =============================================================================

// GetPlans returns the price table.
func (h *Handler) GetPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toPriceTableDTO(h.Prices))
}

// AuditAccount compares a principal's balance with its ledger.
func (h *Handler) AuditAccount(w http.ResponseWriter, r *http.Request) {
	principal := ledger.PrincipalID(chi.URLParam(r, "principal"))

	report, err := h.Ledger.Audit(r.Context(), principal)
	if err != nil {
		h.writeServiceError(w, r, "Failed to audit account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(report))
}

// Healthz reports liveness, and backend reachability when Health is set.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeServiceError maps a service error to its status. 500s do not echo
// the cause to the client.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger(r).WithError(err).Error(message)
		writeError(w, status, message, nil)
		return
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, pricing.ErrUnknownTool),
		errors.Is(err, pricing.ErrUnknownPlan),
		errors.Is(err, payments.ErrMissingPrincipal):
		return http.StatusUnprocessableEntity
	case errors.Is(err, payments.ErrPaymentNotCompleted),
		errors.Is(err, ledger.ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, payments.ErrOwnershipMismatch):
		return http.StatusForbidden
	case errors.Is(err, identity.ErrInvalidToken),
		errors.Is(err, identity.ErrExpiredToken),
		errors.Is(err, identity.ErrMissingToken):
		return http.StatusUnauthorized
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, payments.ErrPaymentNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrPrincipalRequired),
		errors.Is(err, ledger.ErrIdempotencyKeyRequired),
		errors.Is(err, payments.ErrReferenceRequired):
		return http.StatusBadRequest
	case errors.Is(err, payments.ErrPaymentsNotEnabled),
		payments.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) logger(r *http.Request) *logrus.Entry {
	return h.Log.WithField("request_id", middleware.GetReqID(r.Context()))
}

// mustIdentity is only called behind RequireAuth.
func mustIdentity(r *http.Request) identity.Identity {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		panic("api: handler mounted without RequireAuth")
	}
	return id
}
