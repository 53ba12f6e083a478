/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Logger:     One logrus entry per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Latency histogram by route pattern
  6. CORS:       Cross-origin requests for the frontend

ROUTE GROUPS:
  /api/me/*          Caller's account, debits and payments (bearer token)
  /api/admin/*       Audit (bearer token, admin role)
  /api/plans         Price table
  /api/webhooks/*    Provider notifications
  /healthz /metrics  Operations

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: RequireAuth, RequireAdmin
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Verifier    TokenVerifier
	CORSOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(h.Metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/plans", h.GetPlans)
		r.Post("/webhooks/stripe", h.StripeWebhook)

		r.Group(func(r chi.Router) {
			r.Use(RequireAuth(opts.Verifier))

			r.Route("/me", func(r chi.Router) {
				r.Post("/account", h.EnsureAccount)
				r.Get("/balance", h.GetBalance)
				r.Get("/transactions", h.GetTransactions)
				r.Post("/debits", h.Debit)
				r.Post("/checkouts", h.CreateCheckout)
				r.Post("/reconcile", h.Reconcile)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireAdmin)
				r.Get("/audit/{principal}", h.AuditAccount)
			})
		})
	})

	return r
}

// requestLogger writes one structured entry per request.
func requestLogger(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			entry := log.WithFields(logrus.Fields{
				"request_id":  middleware.GetReqID(r.Context()),
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      status,
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
				"remote_addr": r.RemoteAddr,
			})
			if status >= http.StatusInternalServerError {
				entry.Warn("request failed")
				return
			}
			entry.Debug("request handled")
		})
	}
}
