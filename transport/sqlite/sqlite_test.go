package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/conditionflow/internal/runtime/errors"
	"github.com/drblury/conditionflow/transport"
	"github.com/drblury/conditionflow/transport/transporttest"
)

const topic = "resort-conditions"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newQueue(t *testing.T, cfg Config) (*Transport, *clock) {
	t.Helper()
	cfg.FilePath = ":memory:"
	if cfg.Topic == "" {
		cfg.Topic = topic
	}
	q, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	c := &clock{now: time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)}
	q.now = c.Now
	return q, c
}

func publish(t *testing.T, q *Transport, to string, ids ...string) {
	t.Helper()
	msgs := make([]*message.Message, 0, len(ids))
	for _, id := range ids {
		msg := message.NewMessage(id, []byte(`{"resourceId":"`+id+`"}`))
		msg.Metadata.Set("source", "test")
		msgs = append(msgs, msg)
	}
	require.NoError(t, q.Publish(to, msgs...))
}

func idsOf(batch []*transport.Message) []string {
	out := make([]string, 0, len(batch))
	for _, m := range batch {
		out = append(out, m.ID)
	}
	return out
}

func TestRegister(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.Equal(t, transport.SQLiteCapabilities, Capabilities())
	assert.True(t, Capabilities().AtLeastOnce())
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, "conditionflow_queue.db", cfg.FilePath)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, DefaultLeaseTimeout, cfg.LeaseTimeout)
	assert.Equal(t, DefaultRetryDelay, cfg.RetryDelay)
	assert.Equal(t, DefaultMaxDeliveries, cfg.MaxDeliveries)

	custom := Config{FilePath: "x.db", MaxDeliveries: 2, RetryDelay: time.Minute}.withDefaults()
	assert.Equal(t, "x.db", custom.FilePath)
	assert.Equal(t, 2, custom.MaxDeliveries)
	assert.Equal(t, time.Minute, custom.RetryDelay)
}

func TestNewRequiresTopic(t *testing.T) {
	_, err := New(context.Background(), Config{FilePath: ":memory:"}, nil)
	assert.ErrorIs(t, err, errspkg.ErrTopicRequired)
}

func TestBuild(t *testing.T) {
	tr, err := Build(context.Background(), &transporttest.Config{SQLiteFile: ":memory:", QueueTopic: topic}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	require.NotNil(t, tr.Queue)
	require.NotNil(t, tr.Publisher)
	assert.Same(t, tr.Queue.(*Transport), tr.Publisher.(*Transport))
}

func TestReceiveLeasesInOrder(t *testing.T) {
	q, _ := newQueue(t, Config{})
	ctx := context.Background()
	publish(t, q, topic, "m1", "m2", "m3")
	publish(t, q, "elsewhere", "x1")

	first, err := q.Receive(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, idsOf(first))
	assert.Equal(t, 1, first[0].DeliveryCount)
	assert.Equal(t, "test", first[0].Metadata["source"])
	assert.JSONEq(t, `{"resourceId":"m1"}`, string(first[0].Payload))

	second, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m3"}, idsOf(second))

	empty, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)

	for _, m := range append(first, second...) {
		require.NoError(t, q.Ack(ctx, m))
	}
	pending, err := q.PendingCount(ctx, topic)
	require.NoError(t, err)
	assert.Zero(t, pending)

	other, err := q.PendingCount(ctx, "elsewhere")
	require.NoError(t, err)
	assert.Equal(t, int64(1), other)
}

func TestReleaseDelaysRedelivery(t *testing.T) {
	q, c := newQueue(t, Config{RetryDelay: time.Second})
	ctx := context.Background()
	publish(t, q, topic, "m1")

	batch, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, q.Release(ctx, batch[0]))

	none, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	c.Advance(2 * time.Second)
	again, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "m1", again[0].ID)
	assert.Equal(t, 2, again[0].DeliveryCount)
}

func TestExpiredLeaseIsDeliveredAgain(t *testing.T) {
	q, c := newQueue(t, Config{LeaseTimeout: time.Minute})
	ctx := context.Background()
	publish(t, q, topic, "m1")

	_, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)

	c.Advance(30 * time.Second)
	hidden, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, hidden)

	c.Advance(31 * time.Second)
	again, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, idsOf(again))
}

func TestReleaseDeadLettersAfterMaxDeliveries(t *testing.T) {
	q, c := newQueue(t, Config{MaxDeliveries: 2, RetryDelay: time.Second})
	ctx := context.Background()
	publish(t, q, topic, "m1")

	for i := 0; i < 2; i++ {
		batch, err := q.Receive(ctx, 10, 0)
		require.NoError(t, err)
		require.Len(t, batch, 1, "delivery %d", i+1)
		require.NoError(t, q.Release(ctx, batch[0]))
		c.Advance(time.Minute)
	}

	pending, err := q.PendingCount(ctx, topic)
	require.NoError(t, err)
	assert.Zero(t, pending)

	dead, err := q.DeadLetterCount(ctx, topic)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)
}

func TestReceiveWaitsForPublish(t *testing.T) {
	q, err := New(context.Background(), Config{FilePath: ":memory:", Topic: topic, PollInterval: 5 * time.Millisecond}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Publish(topic, message.NewMessage("late", []byte(`{}`)))
	}()

	batch, err := q.Receive(context.Background(), 10, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"late"}, idsOf(batch))
}

func TestReceiveReturnsOnCancel(t *testing.T) {
	q, _ := newQueue(t, Config{PollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	batch, err := q.Receive(ctx, 10, 5*time.Second)
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAckRequiresRowHandle(t *testing.T) {
	q, _ := newQueue(t, Config{})
	assert.Error(t, q.Ack(context.Background(), &transport.Message{ID: "x"}))
	assert.Error(t, q.Release(context.Background(), nil))
}

func TestClose(t *testing.T) {
	q, _ := newQueue(t, Config{})
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, err := q.Receive(context.Background(), 1, 0)
	assert.ErrorIs(t, err, errspkg.ErrQueueClosed)
	assert.ErrorIs(t, q.Publish(topic, message.NewMessage("m", nil)), errspkg.ErrQueueClosed)
}
