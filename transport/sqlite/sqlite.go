// Package sqlite provides a queue backed by a SQLite table. Producers insert
// rows through the transport's publisher; the consumer leases them in batches
// and deletes them on ack.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	errspkg "github.com/drblury/conditionflow/internal/runtime/errors"
	"github.com/drblury/conditionflow/internal/runtime/jsoncodec"
	"github.com/drblury/conditionflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "sqlite"

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
)

func init() {
	Register()
}

// Register registers the SQLite queue with the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.SQLiteCapabilities)
}

// Build opens the queue table in the configured SQLite file. The same
// Transport value serves as queue and publisher.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	q, err := New(ctx, Config{FilePath: cfg.GetSQLiteFile(), Topic: cfg.GetQueueTopic()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Queue: q, Publisher: q}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database (useful for testing).
	FilePath string
	// Topic is the topic Receive reads.
	Topic         string
	PollInterval  time.Duration
	LeaseTimeout  time.Duration
	RetryDelay    time.Duration
	MaxDeliveries int
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = "conditionflow_queue.db"
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
	return c
}

// Transport is a transport.Queue and a message.Publisher over one table.
type Transport struct {
	db     *sql.DB
	config Config
	logger watermill.LoggerAdapter
	now    func() time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// New opens the database and creates the queue tables when missing.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if cfg.Topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("sqlite3", cfg.FilePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	t := &Transport{
		db:     db,
		config: cfg,
		logger: logger,
		now:    time.Now,
		closed: make(chan struct{}),
	}

	if err := t.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return t, nil
}

func (t *Transport) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS queue_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL UNIQUE,
		topic TEXT NOT NULL,
		payload BLOB NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		available_at_us INTEGER NOT NULL,
		locked_until_us INTEGER,
		delivery_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_queue_messages_ready ON queue_messages(topic, available_at_us, id);

	CREATE TABLE IF NOT EXISTS queue_dead_letters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL,
		topic TEXT NOT NULL,
		payload BLOB NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		delivery_count INTEGER NOT NULL,
		failed_at_us INTEGER NOT NULL
	);
	`
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

	now := t.now().UTC().UnixMicro()
	for _, msg := range messages {
		metadata, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		if msg.Metadata == nil {
			metadata = []byte("{}")
		}
		if _, err := tx.Exec(`
			INSERT INTO queue_messages (uuid, topic, payload, metadata, available_at_us)
			VALUES (?, ?, ?, ?, ?)
		`, msg.UUID, topic, []byte(msg.Payload), string(metadata), now); err != nil {
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
		batch, err := t.lease(ctx, transport.SQLiteCapabilities.ClampBatch(maxMessages))
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
	metadata      string
	deliveryCount int
}

func (t *Transport) lease(ctx context.Context, limit int) ([]*transport.Message, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			t.logger.Error("Failed to rollback transaction", err, nil)
		}
	}()

	now := t.now().UTC()
	nowUs := now.UnixMicro()
	rows, err := tx.QueryContext(ctx, `
		SELECT id, uuid, payload, metadata, delivery_count
		FROM queue_messages
		WHERE topic = ?
		AND available_at_us <= ?
		AND (locked_until_us IS NULL OR locked_until_us < ?)
		ORDER BY available_at_us ASC, id ASC
		LIMIT ?
	`, t.config.Topic, nowUs, nowUs, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select messages: %w", err)
	}
	var leased []leasedRow
	for rows.Next() {
		var r leasedRow
		if err := rows.Scan(&r.id, &r.uuid, &r.payload, &r.metadata, &r.deliveryCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		leased = append(leased, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(leased) == 0 {
		return nil, nil
	}

	lockedUntil := now.Add(t.config.LeaseTimeout).UnixMicro()
	for _, r := range leased {
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_messages
			SET locked_until_us = ?, delivery_count = delivery_count + 1
			WHERE id = ?
		`, lockedUntil, r.id); err != nil {
			return nil, fmt.Errorf("failed to lease message %s: %w", r.uuid, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lease: %w", err)
	}

	batch := make([]*transport.Message, 0, len(leased))
	for _, r := range leased {
		metadata := map[string]string{}
		if err := jsoncodec.Unmarshal([]byte(r.metadata), &metadata); err != nil {
			t.logger.Error("Failed to unmarshal metadata", err, watermill.LogFields{"uuid": r.uuid})
		}
		batch = append(batch, &transport.Message{
			ID:            r.uuid,
			Payload:       r.payload,
			Metadata:      metadata,
			DeliveryCount: r.deliveryCount + 1,
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
	if _, err := t.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?`, id); err != nil {
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
	if _, err := t.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET locked_until_us = NULL, available_at_us = ?
		WHERE id = ?
	`, availableAt.UnixMicro(), id); err != nil {
		return fmt.Errorf("failed to release message %s: %w", msg.ID, err)
	}
	return nil
}

func (t *Transport) deadLetter(ctx context.Context, id int64, msg *transport.Message) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			t.logger.Error("Failed to rollback transaction", err, nil)
		}
	}()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO queue_dead_letters (uuid, topic, payload, metadata, delivery_count, failed_at_us)
		SELECT uuid, topic, payload, metadata, delivery_count, ?
		FROM queue_messages WHERE id = ?
	`, t.now().UTC().UnixMicro(), id); err != nil {
		return fmt.Errorf("failed to dead letter message %s: %w", msg.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", msg.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return err
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
	err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_messages WHERE topic = ?`, topic).Scan(&count)
	return count, err
}

// DeadLetterCount returns the number of dead lettered rows of topic.
func (t *Transport) DeadLetterCount(ctx context.Context, topic string) (int64, error) {
	var count int64
	err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_dead_letters WHERE topic = ?`, topic).Scan(&count)
	return count, err
}

// Close closes the database. It is safe to call more than once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.db.Close()
	})
	return err
}
