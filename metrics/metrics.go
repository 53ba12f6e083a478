// Package metrics holds the Prometheus collectors for ledger and payment
// outcomes and HTTP latency. All methods are safe on a nil *Metrics, so
// components can be built without metrics in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "credit_ledger"

// Outcome labels.
const (
	OutcomeSuccess      = "success"
	OutcomeInsufficient = "insufficient"
	OutcomeUnknownTool  = "unknown_tool"
	OutcomeError        = "error"

	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"

	OutcomeCredited          = "credited"
	OutcomeAlreadyCredited   = "already_credited"
	OutcomeNotCompleted      = "not_completed"
	OutcomeOwnershipMismatch = "ownership_mismatch"
	OutcomeUnknownPlan       = "unknown_plan"
)

type Metrics struct {
	registry *prometheus.Registry

	debits       *prometheus.CounterVec
	credits      *prometheus.CounterVec
	reconciles   *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the collectors on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		debits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debits_total",
			Help:      "Debit attempts by outcome.",
		}, []string{"outcome"}),
		credits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_total",
			Help:      "Credit attempts by outcome.",
		}, []string{"outcome"}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciles_total",
			Help:      "Payment reconciliations by outcome.",
		}, []string{"outcome"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	m.registry.MustRegister(
		m.debits,
		m.credits,
		m.reconciles,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Debit(outcome string) {
	if m == nil {
		return
	}
	m.debits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Credit(outcome string) {
	if m == nil {
		return
	}
	m.credits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Reconcile(outcome string) {
	if m == nil {
		return
	}
	m.reconciles.WithLabelValues(outcome).Inc()
}

// Registry exposes the registry, for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request latency labelled by chi route pattern, so
// /api/admin/audit/{principal} is one series rather than one per principal.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
	})
}
