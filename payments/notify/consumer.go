/*
Package notify consumes payment-completed notifications from RabbitMQ and
hands each one to the reconciler.

PURPOSE:
  A queue is the third way a payment reaches the ledger, next to the
  browser redirect and the provider webhook. Upstream systems (a webhook
  relay, a billing backfill job) publish the payment reference; the
  consumer calls Reconcile with no expected principal.

MESSAGE FORMAT:
  {"payment_reference": "cs_test_123", "event_id": "evt_1"}

DELIVERY OUTCOMES:
  success, already credited      -> ack
  payment not completed          -> ack (the sweeper picks it up later)
  terminal error (unknown plan,
    unknown payment, no principal) -> ack, logged at Error
  retryable error, shutdown      -> nack + requeue
  malformed body                 -> reject, no requeue

USAGE:
  c := notify.New(notify.Config{URL: cfg.RabbitMQURL, Queue: "payment_events"}, reconciler, log)
  if err := c.Connect(); err != nil { ... }
  stop := c.Start(ctx)
  defer stop() // waits for in-flight deliveries, then closes
*/
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/payments"
)

const handleTimeout = 30 * time.Second

// Message is the queue payload.
type Message struct {
	PaymentReference string `json:"payment_reference"`
	EventID          string `json:"event_id,omitempty"`
}

// Reconciler is implemented by *payments.Reconciler.
type Reconciler interface {
	Reconcile(ctx context.Context, reference string, expected *ledger.Principal) (payments.Result, error)
}

type Config struct {
	URL      string
	Queue    string
	Workers  int // default 4
	Prefetch int // default 2 * Workers
}

type Consumer struct {
	cfg        Config
	reconciler Reconciler
	log        *logrus.Logger

	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.Mutex
	wg      sync.WaitGroup

	serve func(ctx context.Context) error
}

func New(cfg Config, reconciler Reconciler, log *logrus.Logger) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 2 * cfg.Workers
	}
	c := &Consumer{cfg: cfg, reconciler: reconciler, log: log}
	c.serve = c.Run
	return c
}

// Connect dials the broker and declares the durable queue.
func (c *Consumer) Connect() error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		c.cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	c.log.WithField("queue", c.cfg.Queue).Info("connected to RabbitMQ")
	return nil
}

// Run consumes until ctx is cancelled or the connection drops. Deliveries
// are acknowledged manually after reconciliation.
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	ch, conn := c.channel, c.conn
	c.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("channel is not initialized")
	}

	msgs, err := ch.Consume(
		c.cfg.Queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	c.log.WithField("workers", c.cfg.Workers).Info("starting payment notification workers")
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, msgs, i)
	}

	select {
	case <-ctx.Done():
		c.wg.Wait()
		return nil
	case amqpErr := <-closed:
		c.wg.Wait()
		if amqpErr != nil {
			return fmt.Errorf("RabbitMQ connection closed: %w", amqpErr)
		}
		return nil
	}
}

// Start runs the consumer in the background. The returned stop cancels it,
// waits until every in-flight delivery is settled and then closes the
// connection, so callers can release the ledger store afterwards.
func (c *Consumer) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.serve(ctx); err != nil {
			c.log.WithError(err).Error("payment notification consumer stopped")
		}
	}()
	return func() {
		cancel()
		<-done
		c.Close()
	}
}

func (c *Consumer) worker(ctx context.Context, msgs <-chan amqp.Delivery, workerID int) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			c.settle(msg, c.handle(ctx, msg.Body))
		}
	}
}

// Close tears down the channel and connection.
func (c *Consumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.log.Info("payment notification consumer closed")
}

// =============================================================================
// HANDLING
// =============================================================================

type disposition int

const (
	dispositionAck disposition = iota
	dispositionRequeue
	dispositionReject
)

func (d disposition) String() string {
	switch d {
	case dispositionAck:
		return "ack"
	case dispositionRequeue:
		return "requeue"
	default:
		return "reject"
	}
}

func (c *Consumer) handle(ctx context.Context, body []byte) disposition {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		c.log.WithError(err).WithField("body", string(body)).Error("failed to unmarshal payment notification")
		return dispositionReject
	}
	if msg.PaymentReference == "" {
		c.log.WithField("event_id", msg.EventID).Error("payment notification without reference")
		return dispositionReject
	}

	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	log := c.log.WithFields(logrus.Fields{
		"payment_reference": msg.PaymentReference,
		"event_id":          msg.EventID,
	})

	res, err := c.reconciler.Reconcile(ctx, msg.PaymentReference, nil)
	switch {
	case err == nil:
		log.WithFields(logrus.Fields{
			"principal_id":     res.Principal,
			"already_credited": res.AlreadyCredited,
		}).Debug("payment notification handled")
		return dispositionAck
	case errors.Is(err, payments.ErrPaymentNotCompleted):
		log.Info("payment notification for incomplete payment")
		return dispositionAck
	case payments.IsRetryable(err), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled), ctx.Err() != nil:
		// shutdown or timeout; another delivery finishes the job
		log.WithError(err).Warn("payment notification failed, requeueing")
		return dispositionRequeue
	default:
		log.WithError(err).Error("payment notification cannot be reconciled")
		return dispositionAck
	}
}

func (c *Consumer) settle(msg amqp.Delivery, d disposition) {
	var err error
	switch d {
	case dispositionAck:
		err = msg.Ack(false)
	case dispositionRequeue:
		err = msg.Nack(false, true)
	default:
		err = msg.Reject(false)
	}
	if err != nil {
		c.log.WithError(err).WithField("disposition", d.String()).Error("failed to settle delivery")
	}
}
