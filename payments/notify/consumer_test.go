package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/logging"
	"github.com/warp/credit-ledger/payments"
	"github.com/warp/credit-ledger/pricing"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeReconciler struct {
	mu    sync.Mutex
	calls []string
	err   map[string]error
}

func (f *fakeReconciler) Reconcile(ctx context.Context, reference string, expected *ledger.Principal) (payments.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, reference)
	if err := f.err[reference]; err != nil {
		return payments.Result{}, err
	}
	return payments.Result{Reference: reference, Principal: "user-1"}, nil
}

// fakeAcker records how each delivery tag was settled.
type fakeAcker struct {
	mu      sync.Mutex
	settled map[uint64]string
}

func newFakeAcker() *fakeAcker {
	return &fakeAcker{settled: map[uint64]string{}}
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled[tag] = "ack"
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if requeue {
		a.settled[tag] = "requeue"
	} else {
		a.settled[tag] = "nack"
	}
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled[tag] = "reject"
	return nil
}

func (a *fakeAcker) get(tag uint64) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settled[tag]
}

func newConsumer(rec Reconciler) *Consumer {
	return New(Config{Queue: "payment_events", Workers: 2}, rec, logging.Discard())
}

// =============================================================================
// TESTS
// =============================================================================

func TestHandle_Dispositions(t *testing.T) {
	rec := &fakeReconciler{err: map[string]error{
		"cs_pending": &payments.PaymentNotCompletedError{Reference: "cs_pending", Status: payments.StatusPending},
		"cs_down":    fmt.Errorf("%w: 503", payments.ErrProviderUnavailable),
		"cs_storage": &ledger.StorageError{Op: "credit", Err: fmt.Errorf("database is locked")},
		"cs_plan":    fmt.Errorf("%w: retired", pricing.ErrUnknownPlan),
		"cs_gone":    payments.ErrPaymentNotFound,
		"cs_stopped": fmt.Errorf("fetch payment: %w", context.Canceled),
	}}
	c := newConsumer(rec)

	tests := []struct {
		name string
		body string
		want disposition
	}{
		{"credited", `{"payment_reference":"cs_ok","event_id":"evt_1"}`, dispositionAck},
		{"not completed", `{"payment_reference":"cs_pending"}`, dispositionAck},
		{"provider down", `{"payment_reference":"cs_down"}`, dispositionRequeue},
		{"storage failure", `{"payment_reference":"cs_storage"}`, dispositionRequeue},
		{"unknown plan", `{"payment_reference":"cs_plan"}`, dispositionAck},
		{"unknown payment", `{"payment_reference":"cs_gone"}`, dispositionAck},
		{"canceled by shutdown", `{"payment_reference":"cs_stopped"}`, dispositionRequeue},
		{"malformed", `{"payment_reference":`, dispositionReject},
		{"missing reference", `{"event_id":"evt_2"}`, dispositionReject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.handle(context.Background(), []byte(tt.body)))
		})
	}

	assert.NotContains(t, rec.calls, "", "malformed messages never reach the reconciler")
	assert.Len(t, rec.calls, 7)
}

func TestHandle_CanceledContextRequeues(t *testing.T) {
	// GIVEN: A consumer shutting down while the provider keeps failing
	rec := &fakeReconciler{err: map[string]error{
		"cs_late": payments.ErrPaymentNotFound,
	}}
	c := newConsumer(rec)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// WHEN: A delivery is handled on the canceled context
	got := c.handle(ctx, []byte(`{"payment_reference":"cs_late"}`))

	// THEN: It goes back to the queue instead of being dropped
	assert.Equal(t, dispositionRequeue, got)
}

func TestSettle_UsesAcknowledger(t *testing.T) {
	acker := newFakeAcker()
	c := newConsumer(&fakeReconciler{})

	c.settle(amqp.Delivery{Acknowledger: acker, DeliveryTag: 1}, dispositionAck)
	c.settle(amqp.Delivery{Acknowledger: acker, DeliveryTag: 2}, dispositionRequeue)
	c.settle(amqp.Delivery{Acknowledger: acker, DeliveryTag: 3}, dispositionReject)

	assert.Equal(t, "ack", acker.get(1))
	assert.Equal(t, "requeue", acker.get(2))
	assert.Equal(t, "reject", acker.get(3))
}

func TestWorker_DrainsDeliveries(t *testing.T) {
	// GIVEN: Three deliveries, one of which hits a provider outage
	rec := &fakeReconciler{err: map[string]error{
		"cs_down": payments.ErrProviderUnavailable,
	}}
	c := newConsumer(rec)
	acker := newFakeAcker()

	msgs := make(chan amqp.Delivery, 3)
	msgs <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte(`{"payment_reference":"cs_a"}`)}
	msgs <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 2, Body: []byte(`{"payment_reference":"cs_down"}`)}
	msgs <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 3, Body: []byte(`not json`)}
	close(msgs)

	// WHEN: A worker consumes the channel until it closes
	c.wg.Add(1)
	done := make(chan struct{})
	go func() {
		c.worker(context.Background(), msgs, 0)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after channel close")
	}

	// THEN: Every delivery is settled exactly as its outcome dictates
	require.Equal(t, []string{"cs_a", "cs_down"}, rec.calls)
	assert.Equal(t, "ack", acker.get(1))
	assert.Equal(t, "requeue", acker.get(2))
	assert.Equal(t, "reject", acker.get(3))
}

func TestStart_StopWaitsForInFlightWork(t *testing.T) {
	// GIVEN: A consumer whose run loop is still finishing a delivery
	// after cancellation
	c := newConsumer(&fakeReconciler{})
	var finished atomic.Bool
	c.serve = func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return nil
	}

	// WHEN: The consumer is stopped
	stop := c.Start(context.Background())
	stop()

	// THEN: stop returned only after the run loop did
	assert.True(t, finished.Load())
}

func TestRun_WithoutConnect(t *testing.T) {
	c := newConsumer(&fakeReconciler{})
	assert.Error(t, c.Run(context.Background()))
}

func TestNew_Defaults(t *testing.T) {
	c := New(Config{Queue: "q"}, &fakeReconciler{}, logging.Discard())
	assert.Equal(t, 4, c.cfg.Workers)
	assert.Equal(t, 8, c.cfg.Prefetch)
}
