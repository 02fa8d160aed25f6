// Package metrics holds the Prometheus collectors of the ingestion service.
// Every method is safe on a nil *Metrics so components can run unmetered.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "conditionflow"

// Metrics groups the collectors for the consumer, processor, fanout and
// history reader.
type Metrics struct {
	mu sync.Mutex

	messagesTotal      *prometheus.CounterVec
	processingSeconds  *prometheus.HistogramVec
	receiveErrorsTotal prometheus.Counter
	ackErrorsTotal     *prometheus.CounterVec
	consumerState      *prometheus.GaugeVec
	notifyErrorsTotal  prometheus.Counter

	deliveriesTotal *prometheus.CounterVec
	subscriptions   prometheus.Gauge
	connections     prometheus.Gauge

	pagesTotal  prometheus.Counter
	pageSeconds prometheus.Histogram

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newCounter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func newGauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// New creates the collectors. A nil registerer uses the default registerer.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:         registerer,
		messagesTotal:      newCounterVec("ingest", "messages_total", "Messages handled by the processor, by outcome", []string{"outcome"}),
		receiveErrorsTotal: newCounter("ingest", "receive_errors_total", "Failed queue receive calls that put the consumer into backoff"),
		ackErrorsTotal:     newCounterVec("ingest", "ack_errors_total", "Failed ack or release calls", []string{"op"}),
		notifyErrorsTotal:  newCounter("ingest", "notify_errors_total", "Notifications that failed after the record was stored"),
		consumerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "consumer_state",
			Help:      "1 for the state the consumer loop is currently in",
		}, []string{"state"}),
		processingSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "processing_seconds",
			Help:      "Time spent processing one message",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		deliveriesTotal: newCounterVec("fanout", "deliveries_total", "Update events offered to subscriber connections", []string{"result"}),
		subscriptions:   newGauge("fanout", "subscriptions", "Active (connection, resource) subscriptions"),
		connections:     newGauge("fanout", "connections", "Open subscriber connections"),
		pagesTotal:      newCounter("history", "pages_total", "History pages served"),
		pageSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "page_seconds",
			Help:      "Time spent reading one history page",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.messagesTotal,
		m.processingSeconds,
		m.receiveErrorsTotal,
		m.ackErrorsTotal,
		m.consumerState,
		m.notifyErrorsTotal,
		m.deliveriesTotal,
		m.subscriptions,
		m.connections,
		m.pagesTotal,
		m.pageSeconds,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			// Check if it's already registered (not an error)
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// ObserveMessage records one processed message.
func (m *Metrics) ObserveMessage(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(outcome).Inc()
	m.processingSeconds.WithLabelValues(outcome).Observe(took.Seconds())
}

// ReceiveError records a failed receive call.
func (m *Metrics) ReceiveError() {
	if m == nil {
		return
	}
	m.receiveErrorsTotal.Inc()
}

// AckError records a failed "ack" or "release".
func (m *Metrics) AckError(op string) {
	if m == nil {
		return
	}
	m.ackErrorsTotal.WithLabelValues(op).Inc()
}

// NotifyError records a notification failure.
func (m *Metrics) NotifyError() {
	if m == nil {
		return
	}
	m.notifyErrorsTotal.Inc()
}

// ConsumerState marks state as current and clears the others.
func (m *Metrics) ConsumerState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.consumerState.WithLabelValues(s).Set(v)
	}
}

// Delivery records an event offered to a connection; result is "sent" or
// "dropped".
func (m *Metrics) Delivery(result string) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(result).Inc()
}

// SubscriptionsDelta adjusts the subscription gauge.
func (m *Metrics) SubscriptionsDelta(delta int) {
	if m == nil {
		return
	}
	m.subscriptions.Add(float64(delta))
}

// ConnectionsDelta adjusts the open connection gauge.
func (m *Metrics) ConnectionsDelta(delta int) {
	if m == nil {
		return
	}
	m.connections.Add(float64(delta))
}

// ObservePage records one history page read.
func (m *Metrics) ObservePage(took time.Duration) {
	if m == nil {
		return
	}
	m.pagesTotal.Inc()
	m.pageSeconds.Observe(took.Seconds())
}
