// Package store opens the configured durable backend.
package store

import (
	"context"
	"fmt"

	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/payments"
	"github.com/warp/credit-ledger/store/postgres"
	"github.com/warp/credit-ledger/store/sqlite"
)

// Backend is everything the server needs from persistence.
type Backend interface {
	ledger.TxStore
	payments.CheckoutStore
	Ping(ctx context.Context) error
	Close() error
}

// Config selects and locates the backend.
type Config struct {
	Driver      string // sqlite | postgres
	Path        string // sqlite file, or ":memory:"
	DatabaseURL string // postgres DSN
}

// Open connects to and migrates the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Driver {
	case "", "sqlite":
		st, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		st, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
