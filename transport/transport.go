// Package transport defines the queue contract the ingestion consumer polls
// and the registry of queue backends. Each backend (sqs, channel, nats,
// jetstream, kafka, rabbitmq, sqlite, postgres, http, file) lives in its own
// sub-package and registers itself with the transport registry.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Message is one raw delivery taken from a queue.
type Message struct {
	// ID is the broker's message id.
	ID string
	// Payload is the raw message body.
	Payload []byte
	// Metadata holds broker attributes or headers.
	Metadata map[string]string
	// DeliveryCount is the broker's delivery attempt counter, 0 when unknown.
	DeliveryCount int
	// Handle carries the backend-specific acknowledgement token.
	Handle any
}

// Queue is a pull-style message source with explicit acknowledgement.
type Queue interface {
	// Receive waits up to wait for at least one message and returns at most
	// maxMessages. An empty batch with a nil error is a normal outcome.
	Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]*Message, error)
	// Ack removes the message from the queue.
	Ack(ctx context.Context, msg *Message) error
	// Release gives the message back to the broker for redelivery.
	Release(ctx context.Context, msg *Message) error
	Close() error
}

// Transport is what a backend builder produces. Queue is nil when the backend
// is configured without a source to poll; Publisher is nil when no outbound
// topic is available.
type Transport struct {
	Queue     Queue
	Publisher message.Publisher
}

// Close closes the queue and the publisher.
func (t Transport) Close() error {
	var firstErr error
	if t.Queue != nil {
		firstErr = t.Queue.Close()
	}
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
type Config interface {
	// GetQueueSystem returns the transport name.
	GetQueueSystem() string
	// GetQueueURL returns the SQS queue URL.
	GetQueueURL() string
	// GetQueueTopic returns the topic or subject the consumer reads.
	GetQueueTopic() string
	// GetNotifyTopic returns the topic update events are forwarded to.
	GetNotifyTopic() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS and JetStream
	GetNATSURL() string
	GetJetStreamStream() string
	GetJetStreamDurable() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string

	// SQL queue tables
	GetSQLiteFile() string
	GetPostgresURL() string
	GetPostgresSchema() string

	// File replay
	GetQueueFile() string

	// HTTP push ingestion
	GetHTTPIngestAddress() string
	GetHTTPWebhookURL() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
