package ingest

import (
	"context"
	"sync/atomic"
	"time"

	errspkg "github.com/drblury/conditionflow/internal/runtime/errors"
	"github.com/drblury/conditionflow/internal/runtime/logging"
	"github.com/drblury/conditionflow/internal/runtime/metrics"
	"github.com/drblury/conditionflow/transport"
)

const (
	// DefaultMaxMessages is the receive batch size.
	DefaultMaxMessages = 10
	// DefaultWaitTime is how long one receive call long-polls.
	DefaultWaitTime = 10 * time.Second
	// DefaultBackoff is the pause after a failed receive.
	DefaultBackoff = 5 * time.Second
)

// State is the consumer loop state.
type State int32

const (
	// StatePolling means the loop is receiving or handling a batch.
	StatePolling State = iota
	// StateBackoff means the loop is waiting after a receive error.
	StateBackoff
	// StateStopping means the context was cancelled and the loop is exiting.
	StateStopping
)

var stateNames = []string{"polling", "backoff", "stopping"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MessageProcessor handles one payload. *Processor implements it.
type MessageProcessor interface {
	Process(ctx context.Context, payload []byte) Outcome
}

// ConsumerConfig controls polling.
type ConsumerConfig struct {
	// MaxMessages is the batch size asked from the queue.
	MaxMessages int
	// WaitTime is the long-poll duration of one receive call.
	WaitTime time.Duration
	// Backoff is the pause after a failed receive.
	Backoff time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.MaxMessages <= 0 {
		c.MaxMessages = DefaultMaxMessages
	}
	if c.WaitTime < 0 {
		c.WaitTime = DefaultWaitTime
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	return c
}

// Consumer polls a queue and feeds each message to a processor, one at a
// time and in received order.
type Consumer struct {
	queue     transport.Queue
	processor MessageProcessor
	cfg       ConsumerConfig
	logger    logging.ServiceLogger
	metrics   *metrics.Metrics
	state     atomic.Int32
}

// NewConsumer returns a Consumer in the polling state.
func NewConsumer(q transport.Queue, p MessageProcessor, cfg ConsumerConfig, logger logging.ServiceLogger, m *metrics.Metrics) (*Consumer, error) {
	if q == nil {
		return nil, errspkg.ErrQueueRequired
	}
	if p == nil {
		return nil, errspkg.ErrProcessorRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	return &Consumer{
		queue:     q,
		processor: p,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		metrics:   m,
	}, nil
}

// State returns the current loop state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
	c.metrics.ConsumerState(s.String(), stateNames)
}

// Run polls until ctx is cancelled. Receive failures never end the loop; the
// consumer backs off and polls again. A message already being processed when
// ctx is cancelled is finished and acknowledged; the rest of its batch is
// released. Run returns nil once stopped.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Starting queue consumer", logging.LogFields{
		"max_messages": c.cfg.MaxMessages,
		"wait_time":    c.cfg.WaitTime.String(),
	})
	c.setState(StatePolling)

	for ctx.Err() == nil {
		switch c.State() {
		case StatePolling:
			c.poll(ctx)
		case StateBackoff:
			c.backoff(ctx)
		default:
			return nil
		}
	}

	c.setState(StateStopping)
	c.logger.Info("Queue consumer is stopping", nil)
	return nil
}

func (c *Consumer) poll(ctx context.Context) {
	batch, err := c.queue.Receive(ctx, c.cfg.MaxMessages, c.cfg.WaitTime)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.metrics.ReceiveError()
		c.logger.Error("Failed to receive messages", err, logging.LogFields{
			"backoff": c.cfg.Backoff.String(),
		})
		c.setState(StateBackoff)
		return
	}
	if len(batch) == 0 {
		return
	}
	c.handleBatch(ctx, batch)
}

func (c *Consumer) backoff(ctx context.Context) {
	timer := time.NewTimer(c.cfg.Backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
		c.setState(StatePolling)
	}
}

func (c *Consumer) handleBatch(ctx context.Context, batch []*transport.Message) {
	detached := context.WithoutCancel(ctx)

	for i, msg := range batch {
		if ctx.Err() != nil {
			c.releaseAll(detached, batch[i:])
			return
		}
		outcome := c.processor.Process(detached, msg.Payload)
		c.settle(detached, msg, outcome)
	}
}

func (c *Consumer) settle(ctx context.Context, msg *transport.Message, outcome Outcome) {
	fields := logging.LogFields{
		"message_id": msg.ID,
		"outcome":    outcome.String(),
	}
	if msg.DeliveryCount > 0 {
		fields["delivery_count"] = msg.DeliveryCount
	}

	if outcome.Acknowledge() {
		if err := c.queue.Ack(ctx, msg); err != nil {
			c.metrics.AckError("ack")
			c.logger.Error("Failed to acknowledge message", err, fields)
			return
		}
		c.logger.Trace("Acknowledged message", fields)
		return
	}

	if err := c.queue.Release(ctx, msg); err != nil {
		c.metrics.AckError("release")
		c.logger.Error("Failed to release message", err, fields)
		return
	}
	c.logger.Debug("Released message for redelivery", fields)
}

func (c *Consumer) releaseAll(ctx context.Context, msgs []*transport.Message) {
	for _, msg := range msgs {
		if err := c.queue.Release(ctx, msg); err != nil {
			c.metrics.AckError("release")
			c.logger.Error("Failed to release message on shutdown", err, logging.LogFields{
				"message_id": msg.ID,
			})
		}
	}
	c.logger.Debug("Released unprocessed messages", logging.LogFields{"count": len(msgs)})
}
