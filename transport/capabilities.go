package transport

// Capabilities describes the delivery guarantees of a queue backend.
type Capabilities struct {
	// Name is the registered transport name.
	Name string

	// SupportsAck indicates Ack removes the message for good.
	SupportsAck bool

	// SupportsRedelivery indicates a released or unacknowledged message is
	// delivered again. Without it a Failed message is lost.
	SupportsRedelivery bool

	// SupportsBatching indicates Receive can return more than one message.
	SupportsBatching bool

	// SupportsOrdering indicates delivery order matches publish order.
	SupportsOrdering bool

	// MaxBatchSize caps maxMessages per Receive (0 = unlimited/unknown).
	MaxBatchSize int

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// AtLeastOnce returns true if a message that is not acknowledged will be
// seen again.
func (c Capabilities) AtLeastOnce() bool {
	return c.SupportsAck && c.SupportsRedelivery
}

// ClampBatch limits n to [1, MaxBatchSize].
func (c Capabilities) ClampBatch(n int) int {
	if n < 1 {
		n = 1
	}
	if c.MaxBatchSize > 0 && n > c.MaxBatchSize {
		n = c.MaxBatchSize
	}
	return n
}

// Predefined capability sets for the built-in transports.
var (
	// SQSCapabilities for AWS SQS long polling.
	SQSCapabilities = Capabilities{
		Name:               "sqs",
		SupportsAck:        true,
		SupportsRedelivery: true,
		SupportsBatching:   true,
		SupportsOrdering:   false,
		MaxBatchSize:       10,
		MaxMessageSize:     262144, // 256KB
	}

	// ChannelCapabilities for the in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:               "channel",
		SupportsAck:        true,
		SupportsRedelivery: true,
		SupportsOrdering:   true,
	}

	// NATSCapabilities for NATS Core. Unacknowledged messages are not kept.
	NATSCapabilities = Capabilities{
		Name:           "nats",
		SupportsAck:    false,
		MaxMessageSize: 1048576, // Default 1MB
	}

	// JetStreamCapabilities for NATS JetStream pull consumers.
	JetStreamCapabilities = Capabilities{
		Name:               "jetstream",
		SupportsAck:        true,
		SupportsRedelivery: true,
		SupportsBatching:   true,
		SupportsOrdering:   true,
		MaxBatchSize:       256,
		MaxMessageSize:     1048576, // Default 1MB
	}

	// KafkaCapabilities for Apache Kafka consumer groups.
	KafkaCapabilities = Capabilities{
		Name:               "kafka",
		SupportsAck:        true,
		SupportsRedelivery: true,
		SupportsOrdering:   true,
		MaxMessageSize:     1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP durable queues.
	RabbitMQCapabilities = Capabilities{
		Name:               "rabbitmq",
		SupportsAck:        true,
		SupportsRedelivery: true,
		SupportsOrdering:   true,
	}

	// SQLiteCapabilities for the SQLite queue table. Rows are leased, so a
	// crashed consumer's messages come back after the lease expires.
	SQLiteCapabilities = Capabilities{
		Name:               "sqlite",
		SupportsAck:        true,
		SupportsRedelivery: true,
		SupportsBatching:   true,
		SupportsOrdering:   true,
	}

	// PostgresCapabilities for the PostgreSQL queue table.
	PostgresCapabilities = Capabilities{
		Name:               "postgres",
		SupportsAck:        true,
		SupportsRedelivery: true,
		SupportsBatching:   true,
		SupportsOrdering:   true,
	}

	// HTTPCapabilities for push ingestion. A released message is answered
	// with an error status and the producer decides whether to retry.
	HTTPCapabilities = Capabilities{
		Name:        "http",
		SupportsAck: true,
	}

	// FileCapabilities for replaying a newline delimited file.
	FileCapabilities = Capabilities{
		Name:               "file",
		SupportsAck:        true,
		SupportsRedelivery: true,
		SupportsBatching:   true,
		SupportsOrdering:   true,
	}
)
