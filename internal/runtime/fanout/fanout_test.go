package fanout

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/conditionflow/internal/runtime/metrics"
)

func TestNotifyDeliversToSubscribersOnly(t *testing.T) {
	f := New(NewRegistry(4), nil)
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	f.Subscribe(a, alpha)
	f.Subscribe(b, alpha)
	f.Subscribe(c, beta)

	require.NoError(t, f.Notify(context.Background(), alpha))

	want := []Event{{Type: "ResortConditionsUpdated", Data: EventData{ResourceID: alpha}}}
	assert.Equal(t, want, a.received())
	assert.Equal(t, want, b.received())
	assert.Empty(t, c.received())
}

func TestNotifyWithoutSubscribers(t *testing.T) {
	f := New(NewRegistry(1), nil)
	assert.NoError(t, f.Notify(context.Background(), alpha))
}

func TestNotifySkipsFullConnections(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	f := New(NewRegistry(4), nil, WithMetrics(m))
	slow, fast := newFakeConn("slow"), newFakeConn("fast")
	slow.full = true
	f.Subscribe(slow, alpha)
	f.Subscribe(fast, alpha)

	require.NoError(t, f.Notify(context.Background(), alpha))
	assert.Empty(t, slow.received())
	assert.Len(t, fast.received(), 1)
}

func TestNotifyAfterUnsubscribeAndDrop(t *testing.T) {
	f := New(NewRegistry(4), nil)
	a, b := newFakeConn("a"), newFakeConn("b")
	f.Subscribe(a, alpha)
	f.Subscribe(b, alpha)
	f.Unsubscribe(a, alpha)
	f.Drop(b)

	require.NoError(t, f.Notify(context.Background(), alpha))
	assert.Empty(t, a.received())
	assert.Empty(t, b.received())
	assert.Zero(t, f.Registry().Len())
}

func TestNotifyReturnsForwarderErrors(t *testing.T) {
	var forwarded []string
	ok := NotifierFunc(func(ctx context.Context, resourceID string) error {
		forwarded = append(forwarded, resourceID)
		return nil
	})
	failing := NotifierFunc(func(ctx context.Context, resourceID string) error {
		return errors.New("broker unavailable")
	})
	f := New(NewRegistry(4), nil, WithForwarder(ok), WithForwarder(failing), WithForwarder(nil))
	a := newFakeConn("a")
	f.Subscribe(a, alpha)

	err := f.Notify(context.Background(), alpha)
	assert.ErrorContains(t, err, "broker unavailable")
	assert.Len(t, a.received(), 1, "local delivery happens before forwarding")
	assert.Equal(t, []string{alpha}, forwarded)
}
