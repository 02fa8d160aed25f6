package fanout

import (
	"context"
	"errors"

	"github.com/drblury/conditionflow/internal/runtime/logging"
	"github.com/drblury/conditionflow/internal/runtime/metrics"
)

// Fanout pushes update events to the registry's subscribers and then to any
// forwarders.
type Fanout struct {
	registry   *Registry
	forwarders []Notifier
	logger     logging.ServiceLogger
	metrics    *metrics.Metrics
}

// Option configures a Fanout.
type Option func(*Fanout)

// WithForwarder adds a notifier called after local delivery.
func WithForwarder(n Notifier) Option {
	return func(f *Fanout) {
		if n != nil {
			f.forwarders = append(f.forwarders, n)
		}
	}
}

// WithMetrics records delivery results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fanout) { f.metrics = m }
}

// New returns a fanout over registry.
func New(registry *Registry, logger logging.ServiceLogger, opts ...Option) *Fanout {
	if logger == nil {
		logger = logging.Discard()
	}
	f := &Fanout{registry: registry, logger: logger}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Registry returns the subscription registry.
func (f *Fanout) Registry() *Registry { return f.registry }

// Subscribe adds conn to resourceID's subscribers.
func (f *Fanout) Subscribe(conn Conn, resourceID string) {
	if f.registry.Subscribe(conn, resourceID) {
		f.metrics.SubscriptionsDelta(1)
	}
}

// Unsubscribe removes conn from resourceID's subscribers.
func (f *Fanout) Unsubscribe(conn Conn, resourceID string) {
	if f.registry.Unsubscribe(conn, resourceID) {
		f.metrics.SubscriptionsDelta(-1)
	}
}

// Drop removes every subscription of a closed connection.
func (f *Fanout) Drop(conn Conn) {
	if n := f.registry.Drop(conn); n > 0 {
		f.metrics.SubscriptionsDelta(-n)
	}
}

// Notify enqueues the update event on every subscriber of resourceID. A full
// connection buffer drops the event for that connection only. Only forwarder
// failures are returned.
func (f *Fanout) Notify(ctx context.Context, resourceID string) error {
	ev := NewEvent(resourceID)
	subs := f.registry.Subscribers(resourceID)

	dropped := 0
	for _, conn := range subs {
		if conn.Send(ev) {
			f.metrics.Delivery("sent")
			continue
		}
		dropped++
		f.metrics.Delivery("dropped")
	}
	if dropped > 0 {
		f.logger.Debug("Dropped update for slow subscribers", logging.LogFields{
			"resource_id": resourceID,
			"dropped":     dropped,
		})
	}
	f.logger.Trace("Notified subscribers", logging.LogFields{
		"resource_id": resourceID,
		"subscribers": len(subs),
	})

	var errs []error
	for _, fw := range f.forwarders {
		if err := fw.Notify(ctx, resourceID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
