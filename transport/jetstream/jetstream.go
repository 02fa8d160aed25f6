// Package jetstream provides a NATS JetStream transport backed by a durable
// pull consumer. Released messages are Nak'd so JetStream redelivers them.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	errspkg "github.com/drblury/conditionflow/internal/runtime/errors"
	"github.com/drblury/conditionflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "jetstream"

const (
	// DefaultStreamName is the stream used when none is configured.
	DefaultStreamName = "CONDITIONFLOW"

	// DefaultDurable is the durable consumer name used when none is configured.
	DefaultDurable = "conditionflow-ingest"

	// DefaultMaxDeliver is the default max delivery attempts. Zero or less
	// means unlimited.
	DefaultMaxDeliver = -1

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	// DefaultFetchWait bounds a fetch when the caller passes no wait.
	DefaultFetchWait = time.Second

	headerMsgID = nats.MsgIdHdr
)

func init() {
	Register()
}

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.JetStreamCapabilities)
}

// Build connects to NATS, provisions the stream and durable consumer, and
// returns one Stream acting as both queue and publisher.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	s, err := New(Config{
		URL:        cfg.GetNATSURL(),
		StreamName: cfg.GetJetStreamStream(),
		Durable:    cfg.GetJetStreamDurable(),
		Topic:      cfg.GetQueueTopic(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Queue:     s,
		Publisher: s,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

// Config holds JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the name of the JetStream stream. Every topic maps to the
	// subject "<StreamName>.<topic>".
	StreamName string

	// Durable is the name of the pull consumer shared by all instances.
	Durable string

	// Topic is the topic the consumer reads.
	Topic string

	// MaxDeliver is the maximum number of delivery attempts.
	MaxDeliver int

	// AckWait is how long JetStream waits for an ack before redelivering.
	AckWait time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int

	// RetentionPolicy: "limits" (default), "interest", or "workqueue"
	RetentionPolicy string
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.Durable == "" {
		c.Durable = DefaultDurable
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

func (c Config) subject(topic string) string {
	return c.StreamName + "." + topic
}

func (c Config) streamConfig() *nats.StreamConfig {
	streamCfg := &nats.StreamConfig{
		Name:     c.StreamName,
		Subjects: []string{c.StreamName + ".>"},
		MaxAge:   24 * time.Hour * 7,
		Replicas: c.Replicas,
	}

	switch c.RetentionPolicy {
	case "interest":
		streamCfg.Retention = nats.InterestPolicy
	case "workqueue":
		streamCfg.Retention = nats.WorkQueuePolicy
	default:
		streamCfg.Retention = nats.LimitsPolicy
	}
	return streamCfg
}

func (c Config) consumerConfig() *nats.ConsumerConfig {
	return &nats.ConsumerConfig{
		Durable:       c.Durable,
		FilterSubject: c.subject(c.Topic),
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    c.MaxDeliver,
		AckWait:       c.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
}

// fetcher is the pull subscription surface used by Stream.
type fetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
	Unsubscribe() error
}

// msgPublisher is the JetStream publish surface used by Stream.
type msgPublisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// acker is satisfied by *nats.Msg.
type acker interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
}

// Stream is a JetStream pull consumer that also publishes into the same stream.
type Stream struct {
	js     msgPublisher
	sub    fetcher
	config Config
	logger watermill.LoggerAdapter
	onStop func()

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// New connects to NATS and binds a pull subscription to the durable consumer.
func New(cfg Config, logger watermill.LoggerAdapter) (*Stream, error) {
	cfg = cfg.withDefaults()
	if cfg.Topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("conditionflow"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if err := ensureStream(js, cfg, logger); err != nil {
		nc.Close()
		return nil, err
	}
	if err := ensureConsumer(js, cfg); err != nil {
		nc.Close()
		return nil, err
	}

	sub, err := js.PullSubscribe(cfg.subject(cfg.Topic), cfg.Durable, nats.Bind(cfg.StreamName, cfg.Durable))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	logger.Info("Bound JetStream consumer", watermill.LogFields{
		"stream":  cfg.StreamName,
		"durable": cfg.Durable,
		"subject": cfg.subject(cfg.Topic),
	})
	return newStream(js, sub, cfg, logger, nc.Close), nil
}

func newStream(js msgPublisher, sub fetcher, cfg Config, logger watermill.LoggerAdapter, onStop func()) *Stream {
	return &Stream{
		js:     js,
		sub:    sub,
		config: cfg,
		logger: logger,
		onStop: onStop,
		closed: make(chan struct{}),
	}
}

func ensureStream(js nats.JetStreamContext, cfg Config, logger watermill.LoggerAdapter) error {
	streamCfg := cfg.streamConfig()
	if _, err := js.AddStream(streamCfg); err == nil {
		return nil
	}
	if _, err := js.UpdateStream(streamCfg); err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", cfg.StreamName, err)
	}
	logger.Info("JetStream stream exists", watermill.LogFields{"stream": cfg.StreamName})
	return nil
}

func ensureConsumer(js nats.JetStreamContext, cfg Config) error {
	consumerCfg := cfg.consumerConfig()
	if _, err := js.AddConsumer(cfg.StreamName, consumerCfg); err == nil {
		return nil
	}
	if _, err := js.UpdateConsumer(cfg.StreamName, consumerCfg); err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	return nil
}

// Receive fetches up to maxMessages, waiting at most wait for the first one.
func (s *Stream) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]*transport.Message, error) {
	if s.isClosed() {
		return nil, errspkg.ErrQueueClosed
	}
	if wait <= 0 {
		wait = DefaultFetchWait
	}

	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	msgs, err := s.sub.Fetch(transport.JetStreamCapabilities.ClampBatch(maxMessages), nats.Context(fetchCtx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch from %s: %w", s.config.Durable, err)
	}

	batch := make([]*transport.Message, 0, len(msgs))
	for _, m := range msgs {
		batch = append(batch, s.toMessage(m))
	}
	return batch, nil
}

func (s *Stream) Ack(ctx context.Context, msg *transport.Message) error {
	a, err := handle(msg)
	if err != nil {
		return err
	}
	if err := a.Ack(); err != nil {
		return fmt.Errorf("failed to ack %s: %w", msg.ID, err)
	}
	return nil
}

func (s *Stream) Release(ctx context.Context, msg *transport.Message) error {
	a, err := handle(msg)
	if err != nil {
		return err
	}
	if err := a.Nak(); err != nil {
		return fmt.Errorf("failed to nak %s: %w", msg.ID, err)
	}
	return nil
}

// Publish publishes messages into the stream under "<StreamName>.<topic>".
// The Watermill message UUID becomes the JetStream dedup id.
func (s *Stream) Publish(topic string, messages ...*message.Message) error {
	if s.isClosed() {
		return errspkg.ErrQueueClosed
	}

	subject := s.config.subject(topic)
	for _, msg := range messages {
		headers := nats.Header{}
		for k, v := range msg.Metadata {
			headers.Set(k, v)
		}
		headers.Set(headerMsgID, msg.UUID)

		_, err := s.js.PublishMsg(&nats.Msg{
			Subject: subject,
			Data:    msg.Payload,
			Header:  headers,
		})
		if err != nil {
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		}
	}
	return nil
}

// Close unsubscribes and closes the connection. It is safe to call twice.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.closeErr = s.sub.Unsubscribe()
		if s.onStop != nil {
			s.onStop()
		}
	})
	return s.closeErr
}

func (s *Stream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Stream) toMessage(m *nats.Msg) *transport.Message {
	metadata := make(map[string]string, len(m.Header))
	for k, v := range m.Header {
		if len(v) > 0 {
			metadata[k] = v[0]
		}
	}

	msg := &transport.Message{
		ID:       m.Header.Get(headerMsgID),
		Payload:  m.Data,
		Metadata: metadata,
		Handle:   m,
	}
	if meta, err := m.Metadata(); err == nil {
		msg.DeliveryCount = int(meta.NumDelivered)
		if msg.ID == "" {
			msg.ID = s.config.StreamName + ":" + strconv.FormatUint(meta.Sequence.Stream, 10)
		}
	}
	return msg
}

func handle(msg *transport.Message) (acker, error) {
	if msg == nil {
		return nil, fmt.Errorf("message is nil")
	}
	a, ok := msg.Handle.(acker)
	if !ok {
		return nil, fmt.Errorf("message %s was not fetched from JetStream", msg.ID)
	}
	return a, nil
}
