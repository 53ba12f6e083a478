/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the credit ledger server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, then flags)
  2. Open the store (SQLite or PostgreSQL)
  3. Load the price table
  4. Build the balance service and, if Stripe is configured, the
     reconciler, the pending-checkout sweeper and the queue consumer
  5. Configure the HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: $PORT or 8080)
  -db      SQLite database path (default: $DB_PATH or credits.db)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the consumer, waiting for in-flight deliveries
  4. Stop the sweeper
  5. Close database connection

EXAMPLES:
  # Run with file database
  JWT_SECRET=dev ./server -db="./data/credits.db"

  # Run with in-memory database on a different port
  JWT_SECRET=dev ./server -db=":memory:" -port=3000

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/credit-ledger/api"
	"github.com/warp/credit-ledger/config"
	"github.com/warp/credit-ledger/identity"
	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/logging"
	"github.com/warp/credit-ledger/metrics"
	"github.com/warp/credit-ledger/payments"
	"github.com/warp/credit-ledger/payments/notify"
	"github.com/warp/credit-ledger/payments/stripe"
	"github.com/warp/credit-ledger/pricing"
	"github.com/warp/credit-ledger/store"
)

func main() {
	log := logging.New(logrus.InfoLevel)

	cfg, err := config.Load(log)
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	log.SetLevel(cfg.LogLevel)

	// Flags override the environment
	flag.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("server failed")
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	backend, err := store.Open(ctx, store.Config{
		Driver:      cfg.DBDriver,
		Path:        cfg.DBPath,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer backend.Close()

	prices := pricing.Default()
	if cfg.PriceTablePath != "" {
		if prices, err = pricing.Load(cfg.PriceTablePath); err != nil {
			return err
		}
	}

	m := metrics.New()
	svc := ledger.NewService(backend, prices, log)

	handler := &api.Handler{
		Ledger:  svc,
		Prices:  prices,
		Health:  backend,
		Metrics: m,
		Log:     log,
	}

	if cfg.PaymentsEnabled() {
		stripeClient := stripe.NewClient(stripe.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			Logger:        log,
		})
		reconciler := payments.NewReconciler(payments.ReconcilerConfig{
			Provider:   stripeClient,
			Ledger:     svc,
			Plans:      prices,
			Checkouts:  backend,
			Logger:     log,
			Metrics:    m,
			SuccessURL: cfg.CheckoutSuccessURL,
			CancelURL:  cfg.CheckoutCancelURL,
		})
		handler.Payments = reconciler
		handler.Webhooks = stripeClient

		sweeper := payments.NewSweeper(reconciler, backend, log)
		sweeper.Interval = cfg.SweepInterval
		sweeper.MaxAge = cfg.SweepMaxAge
		sweeper.Start()
		defer sweeper.Stop()

		if cfg.RabbitMQURL != "" {
			consumer := notify.New(notify.Config{
				URL:     cfg.RabbitMQURL,
				Queue:   cfg.RabbitMQQueue,
				Workers: cfg.RabbitMQWorkers,
			}, reconciler, log)
			if err := consumer.Connect(); err != nil {
				return err
			}
			// runs before backend.Close: in-flight reconciles finish first
			defer consumer.Start(ctx)()
		}
	} else {
		log.Warn("STRIPE_SECRET_KEY not set, payment endpoints return 503")
	}

	router := api.NewRouter(handler, api.RouterOptions{
		Verifier:    identity.NewVerifier([]byte(cfg.JWTSecret)),
		CORSOrigins: cfg.CORSOrigins,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"port":      cfg.Port,
			"db_driver": cfg.DBDriver,
			"payments":  cfg.PaymentsEnabled(),
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}
