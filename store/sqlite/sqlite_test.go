package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/conditionflow/internal/runtime/records"
	"github.com/drblury/conditionflow/store"
	"github.com/drblury/conditionflow/store/storetest"
)

func newMemoryStore(t *testing.T) store.Store {
	s, err := New(context.Background(), Config{FilePath: ":memory:"}, watermill.NopLogger{})
	require.NoError(t, err)
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, newMemoryStore)
}

func TestRegistered(t *testing.T) {
	assert.True(t, store.DefaultRegistry.Has(DriverName))
}

func TestConfig_withDefaults(t *testing.T) {
	assert.Equal(t, DefaultFilePath, Config{}.withDefaults().FilePath)
	assert.Equal(t, ":memory:", Config{FilePath: ":memory:"}.withDefaults().FilePath)
	assert.Contains(t, Config{FilePath: "x.db"}.dsn(), "_foreign_keys=on")
}

func TestDataSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "conditions.db")

	s, err := New(ctx, Config{FilePath: path}, nil)
	require.NoError(t, err)
	require.NoError(t, s.PutResource(ctx, records.Resource{ID: storetest.ResortAlpha, Name: "Alpine Peak"}))
	require.NoError(t, s.InsertRecord(ctx, records.Observation{
		ID:             "01HQ3Z5M3T8V8W5J8M9G6K1C2D",
		ResourceID:     storetest.ResortAlpha,
		ObservedAt:     storetest.Base,
		PrimaryMeasure: 140,
	}))
	require.NoError(t, s.Close())

	reopened, err := New(ctx, Config{FilePath: path}, nil)
	require.NoError(t, err)
	defer reopened.Close()

	latest, err := reopened.LatestRecord(ctx, storetest.ResortAlpha)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "01HQ3Z5M3T8V8W5J8M9G6K1C2D", latest.ID)
	assert.True(t, latest.ObservedAt.Equal(storetest.Base))
}

func TestPutResourceReplaces(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)
	defer s.Close()

	require.NoError(t, s.PutResource(ctx, records.Resource{ID: storetest.ResortAlpha, Name: "Old Name"}))
	require.NoError(t, s.PutResource(ctx, records.Resource{ID: storetest.ResortAlpha, Name: "New Name", Country: "FR"}))

	res, err := s.GetResource(ctx, storetest.ResortAlpha)
	require.NoError(t, err)
	assert.Equal(t, "New Name", res.Name)
	assert.Equal(t, "FR", res.Country)
}
