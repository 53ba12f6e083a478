/*
handlers_test.go - HTTP tests for the credit ledger API

Tests for:
- Provisioning and balance (including the unprovisioned 404)
- Tool debits down to 402
- Checkout, browser reconcile and webhook reconcile converging on one credit
- Error mapping, auth and admin gating
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/identity"
	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/ledger/store"
	"github.com/warp/credit-ledger/logging"
	"github.com/warp/credit-ledger/metrics"
	"github.com/warp/credit-ledger/payments"
	"github.com/warp/credit-ledger/pricing"
)

// =============================================================================
// FIXTURE
// =============================================================================

type fakeProvider struct {
	mu       sync.Mutex
	payments map[string]payments.Payment
	opened   int
}

func (p *fakeProvider) PaymentStatus(_ context.Context, ref string) (payments.Payment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pay, ok := p.payments[ref]
	if !ok {
		return payments.Payment{}, payments.ErrPaymentNotFound
	}
	return pay, nil
}

func (p *fakeProvider) CreateCheckout(_ context.Context, req payments.CheckoutRequest) (payments.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened++
	ref := fmt.Sprintf("cs_test_%d", p.opened)
	p.payments[ref] = payments.Payment{
		Reference:   ref,
		Status:      payments.StatusUnpaid,
		PrincipalID: req.Principal.ID,
		Email:       req.Principal.Email,
		PlanID:      req.PlanID,
	}
	return payments.CheckoutSession{Reference: ref, RedirectURL: "https://pay.example.com/" + ref}, nil
}

func (p *fakeProvider) markPaid(ref string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pay := p.payments[ref]
	pay.Status = payments.StatusPaid
	p.payments[ref] = pay
}

// fakeWebhooks treats the payload as the payment reference and accepts
// only the signature "valid".
type fakeWebhooks struct{}

func (fakeWebhooks) ParseWebhook(payload []byte, signature string) (payments.Notification, error) {
	if signature != "valid" {
		return payments.Notification{}, payments.ErrInvalidSignature
	}
	return payments.Notification{EventID: "evt_1", Type: "checkout.session.completed", Reference: string(payload)}, nil
}

type fixture struct {
	router   http.Handler
	provider *fakeProvider
	verifier *identity.Verifier
	metrics  *metrics.Metrics
	mem      *store.Memory
}

func newFixture(t *testing.T, withPayments bool) *fixture {
	t.Helper()
	log := logging.Discard()
	mem := store.NewMemory()
	prices := pricing.Default()
	svc := ledger.NewService(mem, prices, log)
	m := metrics.New()

	f := &fixture{
		provider: &fakeProvider{payments: map[string]payments.Payment{}},
		verifier: identity.NewVerifier([]byte("test-secret")),
		metrics:  m,
		mem:      mem,
	}

	h := &Handler{Ledger: svc, Prices: prices, Health: mem, Metrics: m, Log: log}
	if withPayments {
		h.Payments = payments.NewReconciler(payments.ReconcilerConfig{
			Provider:   f.provider,
			Ledger:     svc,
			Plans:      prices,
			Checkouts:  mem,
			Logger:     log,
			Metrics:    m,
			RetryDelay: time.Millisecond,
		})
		h.Webhooks = fakeWebhooks{}
	}

	f.router = NewRouter(h, RouterOptions{Verifier: f.verifier, CORSOrigins: []string{"http://localhost:5173"}})
	return f
}

func (f *fixture) token(t *testing.T, id, email, role string) string {
	t.Helper()
	tok, err := f.verifier.IssueToken(ledger.Principal{ID: ledger.PrincipalID(id), Email: email}, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// ACCOUNT
// =============================================================================

func TestBalance_UnprovisionedThenProvisioned(t *testing.T) {
	f := newFixture(t, false)
	tok := f.token(t, "user-1", "me@example.com", "")

	// GIVEN: A principal the ledger has never seen
	rec := f.do(t, http.MethodGet, "/api/me/balance", tok, nil)

	// THEN: 404 tells the client to provision
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, decode[BalanceDTO](t, rec).Provisioned)

	// WHEN: The client provisions twice
	for i := 0; i < 2; i++ {
		rec = f.do(t, http.MethodPost, "/api/me/account", tok, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		acct := decode[AccountDTO](t, rec)
		assert.Equal(t, int64(100), acct.Balance)
		assert.Equal(t, "me@example.com", acct.Email)
	}

	// THEN: One signup grant only
	rec = f.do(t, http.MethodGet, "/api/me/balance", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decode[BalanceDTO](t, rec)
	assert.True(t, bal.Provisioned)
	assert.Equal(t, int64(100), bal.Balance)
	assert.Equal(t, "free", bal.Tier)

	rec = f.do(t, http.MethodGet, "/api/me/transactions", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]EntryDTO](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "signup_grant", entries[0].Kind)
}

func TestEnsureAccount_EmailTaken(t *testing.T) {
	f := newFixture(t, false)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/me/account", f.token(t, "user-1", "shared@example.com", ""), nil).Code)

	rec := f.do(t, http.MethodPost, "/api/me/account", f.token(t, "user-2", "shared@example.com", ""), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAuth_Required(t *testing.T) {
	f := newFixture(t, false)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/me/balance", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/me/balance", "garbage", nil).Code)

	other := identity.NewVerifier([]byte("other-secret"))
	forged, err := other.IssueToken(ledger.Principal{ID: "user-1"}, "", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/me/balance", forged, nil).Code)
}

// =============================================================================
// DEBITS
// =============================================================================

func TestDebit_SpendDownTo402(t *testing.T) {
	f := newFixture(t, false)
	tok := f.token(t, "user-1", "", "")
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/me/account", tok, nil).Code)

	// GIVEN: 100 credits and a tool costing 8
	for i := 0; i < 12; i++ {
		rec := f.do(t, http.MethodPost, "/api/me/debits", tok, DebitRequest{ToolID: "image_edit"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	// WHEN: The 13th charge exceeds the remaining 4
	rec := f.do(t, http.MethodPost, "/api/me/debits", tok, DebitRequest{ToolID: "image_edit"})

	// THEN: 402 with the unchanged balance
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	short := decode[InsufficientCreditsResponse](t, rec)
	assert.Equal(t, int64(4), short.Balance)
	assert.Equal(t, int64(8), short.Requested)

	bal := decode[BalanceDTO](t, f.do(t, http.MethodGet, "/api/me/balance", tok, nil))
	assert.Equal(t, int64(4), bal.Balance)
}

func TestDebit_Errors(t *testing.T) {
	f := newFixture(t, false)
	tok := f.token(t, "user-1", "", "")

	// unprovisioned
	rec := f.do(t, http.MethodPost, "/api/me/debits", tok, DebitRequest{ToolID: "chat_message"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/me/account", tok, nil).Code)

	rec = f.do(t, http.MethodPost, "/api/me/debits", tok, DebitRequest{ToolID: "teleport"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/me/debits", tok, DebitRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/me/debits", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+tok)
	raw := httptest.NewRecorder()
	f.router.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestCheckoutAndReconcile(t *testing.T) {
	f := newFixture(t, true)
	tok := f.token(t, "user-1", "me@example.com", "")
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/me/account", tok, nil).Code)

	// GIVEN: A checkout for the creator plan
	rec := f.do(t, http.MethodPost, "/api/me/checkouts", tok, CreateCheckoutRequest{PlanID: "creator"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	checkout := decode[CheckoutDTO](t, rec)
	assert.Equal(t, "https://pay.example.com/"+checkout.PaymentReference, checkout.RedirectURL)

	// WHEN: The browser returns before payment completes
	rec = f.do(t, http.MethodPost, "/api/me/reconcile", tok, ReconcileRequest{PaymentReference: checkout.PaymentReference})

	// THEN: 409, nothing credited
	assert.Equal(t, http.StatusConflict, rec.Code)

	// WHEN: Payment completes and the browser reconciles twice
	f.provider.markPaid(checkout.PaymentReference)
	first := f.do(t, http.MethodPost, "/api/me/reconcile", tok, ReconcileRequest{PaymentReference: checkout.PaymentReference})
	second := f.do(t, http.MethodPost, "/api/me/reconcile", tok, ReconcileRequest{PaymentReference: checkout.PaymentReference})

	// THEN: Credited exactly once
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	res := decode[ReconcileDTO](t, first)
	assert.Equal(t, int64(1800), res.Credited)
	assert.Equal(t, int64(1900), res.Balance)
	assert.False(t, res.AlreadyCredited)

	require.Equal(t, http.StatusOK, second.Code)
	again := decode[ReconcileDTO](t, second)
	assert.True(t, again.AlreadyCredited)
	assert.Equal(t, int64(0), again.Credited)
	assert.Equal(t, int64(1900), again.Balance)

	tracked, ok := f.mem.Checkout(checkout.PaymentReference)
	require.True(t, ok)
	assert.Equal(t, payments.CheckoutCompleted, tracked.Status)
}

func TestReconcile_Errors(t *testing.T) {
	f := newFixture(t, true)
	owner := f.token(t, "user-1", "", "")
	thief := f.token(t, "user-2", "", "")

	checkout := decode[CheckoutDTO](t, f.do(t, http.MethodPost, "/api/me/checkouts", owner, CreateCheckoutRequest{PlanID: "flex"}))
	f.provider.markPaid(checkout.PaymentReference)

	rec := f.do(t, http.MethodPost, "/api/me/reconcile", thief, ReconcileRequest{PaymentReference: checkout.PaymentReference})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/me/reconcile", owner, ReconcileRequest{PaymentReference: "cs_unknown"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/me/reconcile", owner, ReconcileRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/me/checkouts", owner, CreateCheckoutRequest{PlanID: "enterprise"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestWebhook_CreditsOnceAlongsideBrowser(t *testing.T) {
	f := newFixture(t, true)
	tok := f.token(t, "user-1", "", "")

	checkout := decode[CheckoutDTO](t, f.do(t, http.MethodPost, "/api/me/checkouts", tok, CreateCheckoutRequest{PlanID: "personal"}))
	f.provider.markPaid(checkout.PaymentReference)

	webhook := func(sig string, payload string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(payload))
		req.Header.Set("Stripe-Signature", sig)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		return rec
	}

	// WHEN: The webhook and the browser both reconcile
	assert.Equal(t, http.StatusOK, webhook("valid", checkout.PaymentReference).Code)
	rec := f.do(t, http.MethodPost, "/api/me/reconcile", tok, ReconcileRequest{PaymentReference: checkout.PaymentReference})

	// THEN: The webhook credited (and provisioned) and the browser saw a duplicate
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[ReconcileDTO](t, rec)
	assert.True(t, res.AlreadyCredited)
	assert.Equal(t, int64(600), res.Balance)

	assert.Equal(t, http.StatusBadRequest, webhook("forged", checkout.PaymentReference).Code)
	assert.Equal(t, http.StatusOK, webhook("valid", "").Code, "events without a checkout are acknowledged")
	assert.Equal(t, http.StatusOK, webhook("valid", "cs_unknown").Code, "terminal failures are acknowledged")
}

func TestPayments_NotConfigured(t *testing.T) {
	f := newFixture(t, false)
	tok := f.token(t, "user-1", "", "")

	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, "/api/me/checkouts", tok, CreateCheckoutRequest{PlanID: "flex"}).Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, "/api/me/reconcile", tok, ReconcileRequest{PaymentReference: "cs_1"}).Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, "/api/webhooks/stripe", "", nil).Code)
}

// =============================================================================
// PUBLIC + ADMIN
// =============================================================================

func TestGetPlans(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodGet, "/api/plans", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	table := decode[PriceTableDTO](t, rec)
	assert.Equal(t, int64(100), table.SignupBonus)
	require.NotEmpty(t, table.Plans)
	assert.Equal(t, "flex", table.Plans[0].ID)
	assert.Equal(t, "5.00", table.Plans[0].Price)
	assert.Contains(t, table.Tools, ToolDTO{ID: "image_generate", Cost: 12})
}

func TestAudit_AdminOnly(t *testing.T) {
	f := newFixture(t, false)
	user := f.token(t, "user-1", "", "")
	admin := f.token(t, "ops", "", identity.RoleAdmin)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/me/account", user, nil).Code)

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/api/admin/audit/user-1", user, nil).Code)

	rec := f.do(t, http.MethodGet, "/api/admin/audit/user-1", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[AuditDTO](t, rec)
	assert.True(t, report.Consistent)
	assert.Equal(t, int64(100), report.LedgerSum)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/admin/audit/nobody", admin, nil).Code)
}

func TestHealthzAndMetrics(t *testing.T) {
	f := newFixture(t, false)
	tok := f.token(t, "user-1", "", "")
	f.do(t, http.MethodPost, "/api/me/account", tok, nil)
	f.do(t, http.MethodPost, "/api/me/debits", tok, DebitRequest{ToolID: "chat_message"})

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", nil).Code)

	rec := f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `credit_ledger_debits_total{outcome="success"} 1`)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&ledger.InsufficientCreditsError{Principal: "u", Balance: 1, Requested: 2}, http.StatusPaymentRequired},
		{fmt.Errorf("x: %w", pricing.ErrUnknownPlan), http.StatusUnprocessableEntity},
		{&payments.PaymentNotCompletedError{Reference: "r", Status: payments.StatusPending}, http.StatusConflict},
		{&payments.OwnershipMismatchError{Reference: "r"}, http.StatusForbidden},
		{identity.ErrExpiredToken, http.StatusUnauthorized},
		{&ledger.StorageError{Op: "debit", Err: fmt.Errorf("disk I/O error")}, http.StatusServiceUnavailable},
		{payments.ErrProviderUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
