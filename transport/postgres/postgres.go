// Package postgres provides a queue backed by a PostgreSQL table. Several
// consumers can poll the same table; rows are leased with SKIP LOCKED so a
// row is handed to one consumer at a time.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/lib/pq" // PostgreSQL driver

	errspkg "github.com/drblury/conditionflow/internal/runtime/errors"
	"github.com/drblury/conditionflow/internal/runtime/jsoncodec"
	"github.com/drblury/conditionflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

const (
	// DefaultPollInterval is how often an empty table is checked again
	// while Receive waits.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultLeaseTimeout is how long a received row stays hidden from other
	// consumers before it is delivered again.
	DefaultLeaseTimeout = 30 * time.Second
	// DefaultRetryDelay is multiplied by the delivery count to delay a
	// released row.
	DefaultRetryDelay = time.Second
	// DefaultMaxDeliveries moves a row to the dead letter table once it has
	// been released this many times.
	DefaultMaxDeliveries = 5
	// DefaultSchemaName is used when no schema is configured.
	DefaultSchemaName = "conditionflow"
)

var schemaNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func init() {
	Register()
}

// Register registers the PostgreSQL queue with the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.PostgresCapabilities)
	transport.Register("postgresql", Build, transport.PostgresCapabilities) // Alias
}

// Build connects to the configured database. The same Transport value serves
// as queue and publisher.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	q, err := New(ctx, Config{
		ConnectionString: cfg.GetPostgresURL(),
		SchemaName:       cfg.GetPostgresSchema(),
		Topic:            cfg.GetQueueTopic(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Queue: q, Publisher: q}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string
	// SchemaName is the schema holding the queue tables. Defaults to
	// "conditionflow", shared with the record store.
	SchemaName string
	// Topic is the topic Receive reads.
	Topic         string
	PollInterval  time.Duration
	LeaseTimeout  time.Duration
	RetryDelay    time.Duration
	MaxDeliveries int
	// MaxOpenConns sets the maximum number of open connections to the database.
	MaxOpenConns int
	// MaxIdleConns sets the maximum number of idle connections.
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
	if c.SchemaName == "" {
		c.SchemaName = DefaultSchemaName
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = DefaultLeaseTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = DefaultMaxDeliveries
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

// Transport is a transport.Queue and a message.Publisher over one table.
type Transport struct {
	db     *sql.DB
	config Config
	logger watermill.LoggerAdapter
	now    func() time.Time

	tblMessages    string
	tblDeadLetters string

	closeOnce sync.Once
	closed    chan struct{}
}

// New connects, verifies the connection and creates the queue tables when
// missing.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("PostgreSQL connection string is required")
	}
	if cfg.Topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	cfg = cfg.withDefaults()
	if !schemaNamePattern.MatchString(cfg.SchemaName) {
		return nil, fmt.Errorf("invalid PostgreSQL schema name %q", cfg.SchemaName)
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	t := &Transport{
		db:             db,
		config:         cfg,
		logger:         logger,
		now:            time.Now,
		tblMessages:    cfg.SchemaName + ".queue_messages",
		tblDeadLetters: cfg.SchemaName + ".queue_dead_letters",
		closed:         make(chan struct{}),
	}

	if err := t.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("PostgreSQL queue ready", watermill.LogFields{"schema": cfg.SchemaName, "topic": cfg.Topic})
	return t, nil
}

func (t *Transport) initSchema(ctx context.Context) error {
	// #nosec G201 - schema name is validated against schemaNamePattern
	if _, err := t.db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, t.config.SchemaName)); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	// #nosec G201 - table names derive from the validated schema name
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT NOT NULL UNIQUE,
		topic TEXT NOT NULL,
		payload BYTEA NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		available_at TIMESTAMPTZ NOT NULL,
		locked_until TIMESTAMPTZ,
		delivery_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS queue_messages_ready_idx ON %[1]s (topic, available_at, id);

	CREATE TABLE IF NOT EXISTS %[2]s (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT NOT NULL,
		topic TEXT NOT NULL,
		payload BYTEA NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		delivery_count INTEGER NOT NULL,
		failed_at TIMESTAMPTZ NOT NULL
	);
	`, t.tblMessages, t.tblDeadLetters)
	_, err := t.db.ExecContext(ctx, schema)
	return err
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// Publish inserts messages into topic in one transaction.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return errspkg.ErrQueueClosed
	}

	tx, err := t.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			t.logger.Error("Failed to rollback transaction", err, nil)
		}
	}()

	// #nosec G201 - table names derive from the validated schema name
	stmt, err := tx.Prepare(fmt.Sprintf(`
		INSERT INTO %s (uuid, topic, payload, metadata, available_at)
		VALUES ($1, $2, $3, $4, $5)
	`, t.tblMessages))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := t.now().UTC()
	for _, msg := range messages {
		metadata, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		if msg.Metadata == nil {
			metadata = []byte("{}")
		}
		if _, err := stmt.Exec(msg.UUID, topic, []byte(msg.Payload), string(metadata), now); err != nil {
			return fmt.Errorf("failed to insert message %s: %w", msg.UUID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Receive leases up to maxMessages ready rows, polling until wait elapses.
func (t *Transport) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]*transport.Message, error) {
	deadline := time.Now().Add(wait)
	for {
		if t.isClosed() {
			return nil, errspkg.ErrQueueClosed
		}
		batch, err := t.lease(ctx, transport.PostgresCapabilities.ClampBatch(maxMessages))
		if err != nil || len(batch) > 0 {
			return batch, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(min(remaining, t.config.PollInterval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil
		case <-t.closed:
			timer.Stop()
			return nil, errspkg.ErrQueueClosed
		case <-timer.C:
		}
	}
}

type leasedRow struct {
	id            int64
	uuid          string
	payload       []byte
	metadata      []byte
	availableAt   time.Time
	deliveryCount int
}

func (t *Transport) lease(ctx context.Context, limit int) ([]*transport.Message, error) {
	now := t.now().UTC()

	// #nosec G201 - table names derive from the validated schema name
	query := fmt.Sprintf(`
		UPDATE %[1]s
		SET locked_until = $1, delivery_count = delivery_count + 1
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE topic = $2
			AND available_at <= $3
			AND (locked_until IS NULL OR locked_until < $3)
			ORDER BY available_at ASC, id ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, uuid, payload, metadata, available_at, delivery_count
	`, t.tblMessages)

	rows, err := t.db.QueryContext(ctx, query, now.Add(t.config.LeaseTimeout), t.config.Topic, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to lease messages: %w", err)
	}
	defer rows.Close()

	var leased []leasedRow
	for rows.Next() {
		var r leasedRow
		if err := rows.Scan(&r.id, &r.uuid, &r.payload, &r.metadata, &r.availableAt, &r.deliveryCount); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		leased = append(leased, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not keep the subquery order.
	sort.Slice(leased, func(i, j int) bool {
		if !leased[i].availableAt.Equal(leased[j].availableAt) {
			return leased[i].availableAt.Before(leased[j].availableAt)
		}
		return leased[i].id < leased[j].id
	})

	batch := make([]*transport.Message, 0, len(leased))
	for _, r := range leased {
		metadata := map[string]string{}
		if err := jsoncodec.Unmarshal(r.metadata, &metadata); err != nil {
			t.logger.Error("Failed to unmarshal metadata", err, watermill.LogFields{"uuid": r.uuid})
		}
		batch = append(batch, &transport.Message{
			ID:            r.uuid,
			Payload:       r.payload,
			Metadata:      metadata,
			DeliveryCount: r.deliveryCount,
			Handle:        r.id,
		})
	}
	return batch, nil
}

func rowID(msg *transport.Message) (int64, error) {
	if msg == nil {
		return 0, fmt.Errorf("message is nil")
	}
	id, ok := msg.Handle.(int64)
	if !ok {
		return 0, fmt.Errorf("message %s has no row id", msg.ID)
	}
	return id, nil
}

// Ack deletes the row.
func (t *Transport) Ack(ctx context.Context, msg *transport.Message) error {
	id, err := rowID(msg)
	if err != nil {
		return err
	}
	// #nosec G201 - table names derive from the validated schema name
	if _, err := t.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, t.tblMessages), id); err != nil {
		return fmt.Errorf("failed to ack message %s: %w", msg.ID, err)
	}
	return nil
}

// Release makes the row available again after RetryDelay times its delivery
// count, or moves it to the dead letter table once MaxDeliveries is reached.
func (t *Transport) Release(ctx context.Context, msg *transport.Message) error {
	id, err := rowID(msg)
	if err != nil {
		return err
	}

	if msg.DeliveryCount >= t.config.MaxDeliveries {
		return t.deadLetter(ctx, id, msg)
	}

	availableAt := t.now().UTC().Add(t.config.RetryDelay * time.Duration(msg.DeliveryCount))
	// #nosec G201 - table names derive from the validated schema name
	if _, err := t.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET locked_until = NULL, available_at = $1
		WHERE id = $2
	`, t.tblMessages), availableAt, id); err != nil {
		return fmt.Errorf("failed to release message %s: %w", msg.ID, err)
	}
	return nil
}

func (t *Transport) deadLetter(ctx context.Context, id int64, msg *transport.Message) error {
	// #nosec G201 - table names derive from the validated schema name
	query := fmt.Sprintf(`
		WITH moved AS (
			DELETE FROM %[1]s WHERE id = $1
			RETURNING uuid, topic, payload, metadata, delivery_count
		)
		INSERT INTO %[2]s (uuid, topic, payload, metadata, delivery_count, failed_at)
		SELECT uuid, topic, payload, metadata, delivery_count, $2 FROM moved
	`, t.tblMessages, t.tblDeadLetters)
	if _, err := t.db.ExecContext(ctx, query, id, t.now().UTC()); err != nil {
		return fmt.Errorf("failed to dead letter message %s: %w", msg.ID, err)
	}

	t.logger.Info("Message moved to dead letter table", watermill.LogFields{
		"message_id":     msg.ID,
		"delivery_count": msg.DeliveryCount,
	})
	return nil
}

// PendingCount returns the number of rows waiting in topic, leased or not.
func (t *Transport) PendingCount(ctx context.Context, topic string) (int64, error) {
	var count int64
	// #nosec G201 - table names derive from the validated schema name
	err := t.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE topic = $1`, t.tblMessages), topic).Scan(&count)
	return count, err
}

// DeadLetterCount returns the number of dead lettered rows of topic.
func (t *Transport) DeadLetterCount(ctx context.Context, topic string) (int64, error) {
	var count int64
	// #nosec G201 - table names derive from the validated schema name
	err := t.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE topic = $1`, t.tblDeadLetters), topic).Scan(&count)
	return count, err
}

// Close closes the connection pool. It is safe to call more than once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.db.Close()
	})
	return err
}
