package history

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/conditionflow/internal/runtime/errors"
	"github.com/drblury/conditionflow/internal/runtime/metrics"
	"github.com/drblury/conditionflow/internal/runtime/records"
	"github.com/drblury/conditionflow/store/memory"
)

const resort = "5b0d7c1e-3c1f-4a7e-8d2e-1f0a9b6c4d01"

var base = time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()
	require.NoError(t, s.PutResource(context.Background(), records.Resource{ID: resort, Name: "Alpine Ridge"}))
	return s
}

func insert(t *testing.T, s *memory.Store, id string, minute int) {
	t.Helper()
	require.NoError(t, s.InsertRecord(context.Background(), records.Observation{
		ID:         id,
		ResourceID: resort,
		ObservedAt: base.Add(time.Duration(minute) * time.Minute),
	}))
}

func idsOf(items []records.Observation) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func TestNewReaderRequiresStore(t *testing.T) {
	_, err := NewReader(nil, Config{}, nil)
	assert.ErrorIs(t, err, errspkg.ErrStoreRequired)
}

func TestPageSize(t *testing.T) {
	r, err := NewReader(newStore(t), Config{}, nil)
	require.NoError(t, err)

	tests := []struct {
		requested int
		want      int
	}{
		{0, DefaultPageSize},
		{-3, DefaultPageSize},
		{1, 1},
		{75, 75},
		{MaxPageSize, MaxPageSize},
		{MaxPageSize + 1, DefaultPageSize},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.requested), func(t *testing.T) {
			assert.Equal(t, tt.want, r.PageSize(tt.requested))
		})
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{DefaultPageSize: 500, MaxPageSize: 100}.withDefaults()
	assert.Equal(t, 100, cfg.DefaultPageSize)
	assert.Equal(t, 100, cfg.MaxPageSize)
}

func TestGetPageCursorChain(t *testing.T) {
	s := newStore(t)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		insert(t, s, id, i+1)
	}
	r, err := NewReader(s, Config{}, metrics.New(prometheus.NewRegistry()))
	require.NoError(t, err)
	ctx := context.Background()

	page, err := r.GetPage(ctx, resort, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"e", "d"}, idsOf(page.Items))
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, "d", page.NextCursor.ID)

	page, err = r.GetPage(ctx, resort, page.NextCursor, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, idsOf(page.Items))
	require.NotNil(t, page.NextCursor)

	page, err = r.GetPage(ctx, resort, page.NextCursor, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, idsOf(page.Items))
	assert.Nil(t, page.NextCursor)
}

func TestGetPageFullLastPageYieldsEmptyPage(t *testing.T) {
	s := newStore(t)
	insert(t, s, "a", 1)
	insert(t, s, "b", 2)
	r, err := NewReader(s, Config{}, nil)
	require.NoError(t, err)

	page, err := r.GetPage(context.Background(), resort, nil, 2)
	require.NoError(t, err)
	require.NotNil(t, page.NextCursor)

	page, err = r.GetPage(context.Background(), resort, page.NextCursor, 2)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.NotNil(t, page.Items)
	assert.Nil(t, page.NextCursor)
}

func TestGetPageTokenRoundTrip(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 7; i++ {
		insert(t, s, fmt.Sprintf("rec-%02d", i), i/3)
	}
	r, err := NewReader(s, Config{}, nil)
	require.NoError(t, err)

	var got []string
	token := ""
	for range 10 {
		page, err := r.GetPage(context.Background(), resort, records.ParseToken(token), 3)
		require.NoError(t, err)
		got = append(got, idsOf(page.Items)...)
		if page.NextCursor == nil {
			break
		}
		token = page.NextCursor.Token()
	}

	assert.Equal(t, []string{"rec-06", "rec-05", "rec-04", "rec-03", "rec-02", "rec-01", "rec-00"}, got)
}

func TestGetPageInvalidSizeUsesDefault(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 3; i++ {
		insert(t, s, fmt.Sprintf("r%d", i), i)
	}
	r, err := NewReader(s, Config{DefaultPageSize: 2, MaxPageSize: 5}, nil)
	require.NoError(t, err)

	page, err := r.GetPage(context.Background(), resort, nil, 999)
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.NotNil(t, page.NextCursor)
}

func TestGetPageStoreError(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Close())
	r, err := NewReader(s, Config{}, nil)
	require.NoError(t, err)

	_, err = r.GetPage(context.Background(), resort, nil, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errspkg.ErrStoreClosed))
}
