/*
sweeper.go - Periodic reconciliation of pending checkouts

PURPOSE:
  A paid checkout whose webhook was lost and whose browser tab was closed
  would otherwise never be credited. The sweeper re-runs Reconcile for
  every checkout still marked pending and younger than MaxAge. Reconcile
  is idempotent, so racing a webhook or the browser is harmless.

CONFIGURATION:
  - Interval: how often to sweep (SWEEP_INTERVAL, default 1m)
  - MaxAge:   how far back to look (SWEEP_MAX_AGE, default 24h)
  - Batch:    checkouts per page (default 100); a sweep reads every page

USAGE:
  sweeper := payments.NewSweeper(reconciler, store, log)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - reconciler.go: Reconcile
*/
package payments

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/credit-ledger/ledger"
)

// reconcileFunc is satisfied by (*Reconciler).Reconcile.
type reconcileFunc func(ctx context.Context, reference string, expected *ledger.Principal) (Result, error)

type Sweeper struct {
	Interval time.Duration
	MaxAge   time.Duration
	Batch    int

	reconcile reconcileFunc
	checkouts CheckoutStore
	log       *logrus.Logger
	now       func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Checked  int
	Credited int
	Pending  int
	Failed   int
}

func NewSweeper(reconciler *Reconciler, checkouts CheckoutStore, log *logrus.Logger) *Sweeper {
	return &Sweeper{
		Interval:  time.Minute,
		MaxAge:    24 * time.Hour,
		Batch:     100,
		reconcile: reconciler.Reconcile,
		checkouts: checkouts,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start begins sweeping in the background, once immediately and then
// every Interval.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run()

	s.log.WithField("interval", s.Interval.String()).Info("checkout sweeper started")
}

// Stop stops the sweeper and waits for an in-flight sweep.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.log.Info("checkout sweeper stopped")
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	s.RunOnce(ctx)
	for {
		select {
		case <-s.ticker.C:
			s.RunOnce(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunOnce sweeps every pending checkout in the window, Batch at a time.
// Pages advance on a (created_at, reference) cursor, so checkouts that
// stay open do not hide newer ones.
func (s *Sweeper) RunOnce(ctx context.Context) SweepStats {
	var (
		stats  SweepStats
		cursor CheckoutCursor
	)
	since := s.now().Add(-s.MaxAge)

	for ctx.Err() == nil {
		page, err := s.checkouts.PendingCheckouts(ctx, since, cursor, s.Batch)
		if err != nil {
			s.log.WithError(err).Error("failed to list pending checkouts")
			break
		}

		for _, c := range page {
			if ctx.Err() != nil {
				break
			}
			stats.Checked++
			s.sweep(ctx, c, &stats)
		}

		if s.Batch <= 0 || len(page) < s.Batch {
			break
		}
		cursor = CursorAfter(page[len(page)-1])
	}

	if stats.Checked > 0 {
		s.log.WithFields(logrus.Fields{
			"checked":  stats.Checked,
			"credited": stats.Credited,
			"pending":  stats.Pending,
			"failed":   stats.Failed,
		}).Info("checkout sweep completed")
	}
	return stats
}

func (s *Sweeper) sweep(ctx context.Context, c Checkout, stats *SweepStats) {
	_, err := s.reconcile(ctx, c.Reference, nil)
	switch {
	case err == nil:
		stats.Credited++
	case errors.Is(err, ErrPaymentNotCompleted):
		stats.Pending++
	default:
		stats.Failed++
		s.log.WithError(err).WithFields(logrus.Fields{
			"payment_reference": c.Reference,
			"principal_id":      c.PrincipalID,
		}).Warn("sweep failed to reconcile checkout")
	}
}
