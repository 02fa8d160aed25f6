package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/conditionflow/internal/runtime/config"
	errspkg "github.com/drblury/conditionflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/conditionflow/internal/runtime/logging"
	"github.com/drblury/conditionflow/store"
	"github.com/drblury/conditionflow/store/memory"
	"github.com/drblury/conditionflow/transport"
)

const (
	alpineID = "5b0d7c1e-3c1f-4a7e-8d2e-1f0a9b6c4d01"
	birchID  = "5b0d7c1e-3c1f-4a7e-8d2e-1f0a9b6c4d02"
)

const resourcesYAML = `resources:
  - id: 5b0d7c1e-3c1f-4a7e-8d2e-1f0a9b6c4d01
    name: Alpine Peak
    country: CH
    elevation_top_meters: 2800
  - id: 5b0d7c1e-3c1f-4a7e-8d2e-1f0a9b6c4d02
    name: Birch Valley
    region: BC
`

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

// scriptedQueue hands out its pending messages once and then idles until the
// wait elapses.
type scriptedQueue struct {
	mu      sync.Mutex
	pending []*transport.Message
	acked   []string
	closed  bool
}

func (q *scriptedQueue) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]*transport.Message, error) {
	q.mu.Lock()
	if len(q.pending) > 0 {
		n := min(maxMessages, len(q.pending))
		batch := q.pending[:n]
		q.pending = q.pending[n:]
		q.mu.Unlock()
		return batch, nil
	}
	q.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
	return nil, nil
}

func (q *scriptedQueue) Ack(ctx context.Context, msg *transport.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, msg.ID)
	return nil
}

func (q *scriptedQueue) Release(ctx context.Context, msg *transport.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, msg)
	return nil
}

func (q *scriptedQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *scriptedQueue) Acked() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.acked...)
}

func registryWith(q transport.Queue) *transport.Registry {
	reg := transport.NewRegistry()
	reg.Register("scripted", func(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
		if q == nil {
			return transport.Transport{}, nil
		}
		return transport.Transport{Queue: q}, nil
	}, transport.Capabilities{Name: "scripted", SupportsAck: true, SupportsRedelivery: true})
	return reg
}

func storeRegistry(st *memory.Store) *store.Registry {
	reg := store.NewRegistry()
	reg.Register(memory.DriverName, func(ctx context.Context, cfg store.Config, logger watermill.LoggerAdapter) (store.Store, error) {
		return st, nil
	})
	return reg
}

func writeResources(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(resourcesYAML), 0o600))
	return path
}

func testConfig(t *testing.T) *configpkg.Config {
	t.Helper()
	cfg := configpkg.Default()
	cfg.QueueSystem = "scripted"
	cfg.HTTPAddress = "127.0.0.1:0"
	cfg.WaitTime = 10 * time.Millisecond
	cfg.Backoff = 10 * time.Millisecond
	cfg.ShutdownTimeout = time.Second
	cfg.ResourcesFile = writeResources(t)
	return &cfg
}

func getBody(t *testing.T, h http.Handler, target string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec.Code, rec.Body.String()
}

func TestNewServiceRequiresConfigAndLogger(t *testing.T) {
	_, err := NewService(context.Background(), nil, newTestLogger(), ServiceDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	cfg := configpkg.Default()
	_, err = NewService(context.Background(), &cfg, nil, ServiceDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)
}

func TestNewServiceRejectsInvalidConfig(t *testing.T) {
	cfg := configpkg.Default()
	cfg.MaxMessages = 0
	_, err := NewService(context.Background(), &cfg, newTestLogger(), ServiceDependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max messages")
}

func TestNewServiceUnknownTransportClosesStore(t *testing.T) {
	st := memory.New()
	cfg := testConfig(t)
	cfg.QueueSystem = "carrier-pigeon"

	_, err := NewService(context.Background(), cfg, newTestLogger(), ServiceDependencies{
		Transports: transport.NewRegistry(),
		Stores:     storeRegistry(st),
	})
	require.Error(t, err)

	_, err = st.ListRecords(context.Background(), alpineID, nil, 10)
	assert.ErrorIs(t, err, errspkg.ErrStoreClosed)
}

func TestNewServiceNotifyTopicNeedsPublisher(t *testing.T) {
	cfg := testConfig(t)
	cfg.NotifyTopic = "resort-conditions-updated"

	_, err := NewService(context.Background(), cfg, newTestLogger(), ServiceDependencies{
		Transports: registryWith(&scriptedQueue{}),
		Stores:     storeRegistry(memory.New()),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot publish")
}

func TestServiceSeedsCatalog(t *testing.T) {
	svc, err := NewService(context.Background(), testConfig(t), newTestLogger(), ServiceDependencies{
		Transports: registryWith(&scriptedQueue{}),
		Stores:     storeRegistry(memory.New()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	code, body := getBody(t, svc.Handler(), "/resources")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "Alpine Peak")
	assert.Contains(t, body, "Birch Valley")
}

func TestServiceWithoutQueueDisablesConsumer(t *testing.T) {
	svc, err := NewService(context.Background(), testConfig(t), newTestLogger(), ServiceDependencies{
		Transports: registryWith(nil),
		Stores:     storeRegistry(memory.New()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	status := svc.Status()
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "disabled", status.Consumer.State)
	assert.Zero(t, status.Connections)

	code, body := getBody(t, svc.Handler(), "/healthz")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"state":"disabled"`)
}

func TestServiceProcessesQueueUntilCancelled(t *testing.T) {
	q := &scriptedQueue{pending: []*transport.Message{
		{ID: "m1", Payload: []byte(`{"resourceId":"` + alpineID + `","observedAt":"2024-01-10T07:00:00Z","primaryMeasure":120}`)},
		{ID: "m2", Payload: []byte(`{"resourceId":"` + birchID + `","primaryMeasure":40}`)},
		{ID: "m3", Payload: []byte(`not json`)},
	}}
	fixed := time.Date(2024, 1, 12, 9, 30, 0, 0, time.UTC)
	svc, err := NewService(context.Background(), testConfig(t), newTestLogger(), ServiceDependencies{
		Transports: registryWith(q),
		Stores:     storeRegistry(memory.New()),
		Clock:      func() time.Time { return fixed },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	require.Eventually(t, func() bool { return len(q.Acked()) == 3 }, 2*time.Second, 5*time.Millisecond)

	code, body := getBody(t, svc.Handler(), "/resources/"+alpineID+"/conditions")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"primaryMeasure":120`)

	_, body = getBody(t, svc.Handler(), "/resources/"+birchID+"/conditions")
	assert.Contains(t, body, `"observedAt":"2024-01-12T09:30:00Z"`)

	stats := svc.Status().Consumer
	assert.Equal(t, uint64(2), stats.Processed)
	assert.Equal(t, uint64(1), stats.SkippedInvalid)
	require.NotNil(t, stats.LastProcessedAt)
	assert.Equal(t, fixed, *stats.LastProcessedAt)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("service did not stop")
	}
	assert.Equal(t, "stopping", svc.Status().Consumer.State)
}

func TestServiceStartFailsOnBadAddress(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTPAddress = "127.0.0.1:-1"

	svc, err := NewService(context.Background(), cfg, newTestLogger(), ServiceDependencies{
		Transports: registryWith(&scriptedQueue{}),
		Stores:     storeRegistry(memory.New()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	err = svc.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http server")
}

func TestServiceMetricsEndpoint(t *testing.T) {
	svc, err := NewService(context.Background(), testConfig(t), newTestLogger(), ServiceDependencies{
		Transports: registryWith(nil),
		Stores:     storeRegistry(memory.New()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	code, body := getBody(t, svc.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "conditionflow_fanout_connections")
	assert.Contains(t, body, "go_goroutines")
}

func TestServiceMetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetricsEnabled = false
	svc, err := NewService(context.Background(), cfg, newTestLogger(), ServiceDependencies{
		Transports: registryWith(nil),
		Stores:     storeRegistry(memory.New()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	code, _ := getBody(t, svc.Handler(), "/metrics")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServiceCloseClosesQueue(t *testing.T) {
	q := &scriptedQueue{}
	svc, err := NewService(context.Background(), testConfig(t), newTestLogger(), ServiceDependencies{
		Transports: registryWith(q),
		Stores:     storeRegistry(memory.New()),
	})
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	q.mu.Lock()
	assert.True(t, q.closed)
	q.mu.Unlock()
}

func TestNewServiceBadResourcesFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.ResourcesFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := NewService(context.Background(), cfg, newTestLogger(), ServiceDependencies{
		Transports: registryWith(nil),
		Stores:     storeRegistry(memory.New()),
	})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "missing.yaml"), err.Error())
	assert.False(t, errors.Is(err, errspkg.ErrConfigRequired))
}
