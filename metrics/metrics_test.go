package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.Debit(OutcomeSuccess)
	m.Debit(OutcomeSuccess)
	m.Debit(OutcomeInsufficient)
	m.Reconcile(OutcomeAlreadyCredited)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.debits.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.debits.WithLabelValues(OutcomeInsufficient)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconciles.WithLabelValues(OutcomeAlreadyCredited)))
}

func TestNilMetrics_NoPanic(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.Debit(OutcomeSuccess)
		m.Credit(OutcomeApplied)
		m.Reconcile(OutcomeCredited)
	})

	called := false
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/admin/audit/{principal}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"a", "b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/admin/audit/"+id, nil))
	}

	assert.Equal(t, 1, testutil.CollectAndCount(m.httpDuration), "one series for both principals")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `route="/api/admin/audit/{principal}"`))
	assert.True(t, strings.Contains(body, `status="418"`))
}
