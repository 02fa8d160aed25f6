package jetstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/conditionflow/internal/runtime/errors"
	"github.com/drblury/conditionflow/transport"
)

func TestRegister(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "jetstream", caps.Name)
	assert.True(t, caps.AtLeastOnce())
	assert.Equal(t, transport.JetStreamCapabilities, Capabilities())
}

func TestConfig_withDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		result := Config{}.withDefaults()

		assert.Equal(t, nats.DefaultURL, result.URL)
		assert.Equal(t, DefaultStreamName, result.StreamName)
		assert.Equal(t, DefaultDurable, result.Durable)
		assert.Equal(t, DefaultMaxDeliver, result.MaxDeliver)
		assert.Equal(t, DefaultAckWait, result.AckWait)
		assert.Equal(t, 1, result.Replicas)
	})

	t.Run("custom values preserved", func(t *testing.T) {
		cfg := Config{
			URL:             "nats://localhost:4222",
			StreamName:      "RESORTS",
			Durable:         "ingest",
			MaxDeliver:      5,
			AckWait:         time.Minute,
			Replicas:        3,
			RetentionPolicy: "workqueue",
		}
		result := cfg.withDefaults()
		assert.Equal(t, cfg, result)
	})
}

func TestStreamAndConsumerConfig(t *testing.T) {
	cfg := Config{StreamName: "RESORTS", Durable: "ingest", Topic: "conditions", RetentionPolicy: "workqueue"}.withDefaults()

	streamCfg := cfg.streamConfig()
	assert.Equal(t, "RESORTS", streamCfg.Name)
	assert.Equal(t, []string{"RESORTS.>"}, streamCfg.Subjects)
	assert.Equal(t, nats.WorkQueuePolicy, streamCfg.Retention)

	assert.Equal(t, nats.LimitsPolicy, Config{}.withDefaults().streamConfig().Retention)
	assert.Equal(t, nats.InterestPolicy, Config{RetentionPolicy: "interest"}.streamConfig().Retention)

	consumerCfg := cfg.consumerConfig()
	assert.Equal(t, "ingest", consumerCfg.Durable)
	assert.Equal(t, "RESORTS.conditions", consumerCfg.FilterSubject)
	assert.Equal(t, nats.AckExplicitPolicy, consumerCfg.AckPolicy)
}

func TestNewRequiresTopic(t *testing.T) {
	_, err := New(Config{}, watermill.NopLogger{})
	assert.ErrorIs(t, err, errspkg.ErrTopicRequired)
}

type fakeFetcher struct {
	batches      [][]*nats.Msg
	err          error
	requested    []int
	unsubscribed bool
}

func (f *fakeFetcher) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	f.requested = append(f.requested, batch)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.batches) == 0 {
		return nil, nats.ErrTimeout
	}
	next := f.batches[0]
	f.batches = f.batches[1:]
	return next, nil
}

func (f *fakeFetcher) Unsubscribe() error {
	f.unsubscribed = true
	return nil
}

type fakePublisher struct {
	published []*nats.Msg
	err       error
}

func (f *fakePublisher) PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.published = append(f.published, m)
	return &nats.PubAck{Stream: "RESORTS", Sequence: uint64(len(f.published))}, nil
}

type fakeAcker struct {
	acked, naked int
	err          error
}

func (f *fakeAcker) Ack(opts ...nats.AckOpt) error {
	f.acked++
	return f.err
}

func (f *fakeAcker) Nak(opts ...nats.AckOpt) error {
	f.naked++
	return f.err
}

func testStream(sub fetcher, js msgPublisher) (*Stream, *bool) {
	stopped := false
	cfg := Config{StreamName: "RESORTS", Durable: "ingest", Topic: "conditions"}.withDefaults()
	return newStream(js, sub, cfg, watermill.NopLogger{}, func() { stopped = true }), &stopped
}

func TestReceive(t *testing.T) {
	header := nats.Header{}
	header.Set(nats.MsgIdHdr, "abc")
	header.Set("source", "scraper")
	sub := &fakeFetcher{batches: [][]*nats.Msg{{
		{Subject: "RESORTS.conditions", Data: []byte(`{"a":1}`), Header: header},
	}}}
	s, _ := testStream(sub, &fakePublisher{})

	batch, err := s.Receive(context.Background(), 1000, time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, []int{256}, sub.requested)
	assert.Equal(t, "abc", batch[0].ID)
	assert.Equal(t, `{"a":1}`, string(batch[0].Payload))
	assert.Equal(t, "scraper", batch[0].Metadata["source"])
}

func TestReceiveTimeoutIsEmpty(t *testing.T) {
	s, _ := testStream(&fakeFetcher{}, &fakePublisher{})
	batch, err := s.Receive(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, batch)

	s, _ = testStream(&fakeFetcher{err: context.DeadlineExceeded}, &fakePublisher{})
	batch, err = s.Receive(context.Background(), 10, time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestReceiveErrors(t *testing.T) {
	s, _ := testStream(&fakeFetcher{err: nats.ErrConnectionClosed}, &fakePublisher{})
	_, err := s.Receive(context.Background(), 10, time.Second)
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, _ = testStream(&fakeFetcher{err: context.Canceled}, &fakePublisher{})
	_, err = s.Receive(ctx, 10, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAckAndRelease(t *testing.T) {
	s, _ := testStream(&fakeFetcher{}, &fakePublisher{})
	a := &fakeAcker{}

	require.NoError(t, s.Ack(context.Background(), &transport.Message{ID: "1", Handle: a}))
	require.NoError(t, s.Release(context.Background(), &transport.Message{ID: "2", Handle: a}))
	assert.Equal(t, 1, a.acked)
	assert.Equal(t, 1, a.naked)

	a.err = nats.ErrMsgAlreadyAckd
	assert.ErrorIs(t, s.Ack(context.Background(), &transport.Message{ID: "3", Handle: a}), nats.ErrMsgAlreadyAckd)

	assert.Error(t, s.Ack(context.Background(), nil))
	assert.Error(t, s.Release(context.Background(), &transport.Message{ID: "4", Handle: "receipt"}))
}

func TestPublish(t *testing.T) {
	js := &fakePublisher{}
	s, _ := testStream(&fakeFetcher{}, js)

	msg := message.NewMessage("01J0000000000000000000000A", []byte(`{"resourceId":"r"}`))
	msg.Metadata.Set("type", "ResortConditionsUpdated")
	require.NoError(t, s.Publish("updates", msg))

	require.Len(t, js.published, 1)
	assert.Equal(t, "RESORTS.updates", js.published[0].Subject)
	assert.Equal(t, "01J0000000000000000000000A", js.published[0].Header.Get(nats.MsgIdHdr))
	assert.Equal(t, "ResortConditionsUpdated", js.published[0].Header.Get("type"))

	js.err = errors.New("no responders")
	assert.ErrorContains(t, s.Publish("updates", msg), "no responders")
}

func TestClose(t *testing.T) {
	sub := &fakeFetcher{}
	s, stopped := testStream(sub, &fakePublisher{})

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, sub.unsubscribed)
	assert.True(t, *stopped)

	_, err := s.Receive(context.Background(), 1, time.Second)
	assert.ErrorIs(t, err, errspkg.ErrQueueClosed)
	assert.ErrorIs(t, s.Publish("updates", message.NewMessage("x", nil)), errspkg.ErrQueueClosed)
}
