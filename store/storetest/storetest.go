// Package storetest holds the behaviour every store backend must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/conditionflow/internal/runtime/errors"
	"github.com/drblury/conditionflow/internal/runtime/records"
	"github.com/drblury/conditionflow/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

const (
	ResortAlpha = "5b0d7c1e-3c1f-4a7e-8d2e-1f0a9b6c4d01"
	ResortBeta  = "5b0d7c1e-3c1f-4a7e-8d2e-1f0a9b6c4d02"
	ResortGhost = "5b0d7c1e-3c1f-4a7e-8d2e-1f0a9b6c4dff"
)

// Base is the reference instant used by the fixtures.
var Base = time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)

// Run executes the shared suite against stores produced by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	tests := map[string]func(t *testing.T, s store.Store){
		"ResourceExists":            testResourceExists,
		"GetAndListResources":       testGetAndListResources,
		"HistoryOrderBreaksTies":    testHistoryOrderBreaksTies,
		"CursorChainScenario":       testCursorChainScenario,
		"CursorChainPartitionsTies": testCursorChainPartitionsTies,
		"TimeOnlyCursor":            testTimeOnlyCursor,
		"LatestRecord":              testLatestRecord,
		"StreamRecordsAscending":    testStreamRecordsAscending,
		"RecordsSince":              testRecordsSince,
		"TimestampsNormalised":      testTimestampsNormalised,
		"InsertUnknownResource":     testInsertUnknownResource,
	}

	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			t.Cleanup(func() { _ = s.Close() })
			seed(t, s)
			fn(t, s)
		})
	}
}

func seed(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.PutResource(ctx, records.Resource{ID: ResortAlpha, Name: "Alpine Peak", Region: "Tyrol", Country: "AT", ElevationBaseMeters: 1100, ElevationTopMeters: 2800}))
	require.NoError(t, s.PutResource(ctx, records.Resource{ID: ResortBeta, Name: "Birch Valley", Region: "Valais", Country: "CH"}))
}

func at(minutes int) time.Time {
	return Base.Add(time.Duration(minutes) * time.Minute)
}

func insert(t *testing.T, s store.Store, resourceID, id string, observedAt time.Time, depth float64) {
	t.Helper()
	require.NoError(t, s.InsertRecord(context.Background(), records.Observation{
		ID:               id,
		ResourceID:       resourceID,
		ObservedAt:       observedAt,
		PrimaryMeasure:   depth,
		SecondaryMeasure: depth / 10,
	}))
}

func idsOf(items []records.Observation) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.ID
	}
	return out
}

func testResourceExists(t *testing.T, s store.Store) {
	ctx := context.Background()

	ok, err := s.ResourceExists(ctx, ResortAlpha)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ResourceExists(ctx, ResortGhost)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testGetAndListResources(t *testing.T, s store.Store) {
	ctx := context.Background()

	res, err := s.GetResource(ctx, ResortAlpha)
	require.NoError(t, err)
	assert.Equal(t, "Alpine Peak", res.Name)
	assert.Equal(t, 2800, res.ElevationTopMeters)

	_, err = s.GetResource(ctx, ResortGhost)
	assert.True(t, errors.Is(err, errspkg.ErrResourceNotFound), "got %v", err)

	require.NoError(t, s.PutResource(ctx, records.Resource{ID: ResortGhost, Name: "Aardvark Ridge"}))
	all, err := s.ListResources(ctx)
	require.NoError(t, err)
	names := make([]string, len(all))
	for i, r := range all {
		names[i] = r.Name
	}
	assert.Equal(t, []string{"Aardvark Ridge", "Alpine Peak", "Birch Valley"}, names)
}

func testHistoryOrderBreaksTies(t *testing.T, s store.Store) {
	insert(t, s, ResortAlpha, "b", at(1), 10)
	insert(t, s, ResortAlpha, "B", at(1), 11)
	insert(t, s, ResortAlpha, "a", at(1), 12)
	insert(t, s, ResortAlpha, "z", at(0), 13)
	insert(t, s, ResortAlpha, "c", at(2), 14)
	insert(t, s, ResortBeta, "y", at(5), 15)

	items, err := s.ListRecords(context.Background(), ResortAlpha, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a", "B", "z"}, idsOf(items))
}

func testCursorChainScenario(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		insert(t, s, ResortAlpha, id, at(i+1), float64(i))
	}

	page, err := s.ListRecords(ctx, ResortAlpha, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"e", "d"}, idsOf(page))

	cursor := page[len(page)-1].Cursor()
	assert.True(t, cursor.ObservedAt.Equal(at(4)))
	page, err = s.ListRecords(ctx, ResortAlpha, &cursor, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, idsOf(page))

	cursor = page[len(page)-1].Cursor()
	page, err = s.ListRecords(ctx, ResortAlpha, &cursor, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, idsOf(page))
}

func testCursorChainPartitionsTies(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 23; i++ {
		insert(t, s, ResortAlpha, fmt.Sprintf("rec-%02d", i), at(i/5), float64(i))
	}

	var got []string
	var cursor *records.Cursor
	for pages := 0; pages < 10; pages++ {
		page, err := s.ListRecords(ctx, ResortAlpha, cursor, 4)
		require.NoError(t, err)
		got = append(got, idsOf(page)...)
		if len(page) < 4 {
			break
		}
		next := page[len(page)-1].Cursor()
		cursor = &next
	}

	all, err := s.ListRecords(ctx, ResortAlpha, nil, 100)
	require.NoError(t, err)
	assert.Len(t, all, 23)
	assert.Equal(t, idsOf(all), got, "chained pages must partition history without gaps or duplicates")
	for i := 1; i < len(all); i++ {
		assert.True(t, records.Precedes(all[i-1], all[i]), "position %d out of order", i)
	}
}

func testTimeOnlyCursor(t *testing.T, s store.Store) {
	insert(t, s, ResortAlpha, "a", at(1), 1)
	insert(t, s, ResortAlpha, "b", at(2), 2)
	insert(t, s, ResortAlpha, "c", at(2), 3)
	insert(t, s, ResortAlpha, "d", at(3), 4)

	cursor := records.Cursor{ObservedAt: at(2)}
	items, err := s.ListRecords(context.Background(), ResortAlpha, &cursor, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, idsOf(items))
}

func testLatestRecord(t *testing.T, s store.Store) {
	ctx := context.Background()

	latest, err := s.LatestRecord(ctx, ResortAlpha)
	require.NoError(t, err)
	assert.Nil(t, latest)

	insert(t, s, ResortAlpha, "a", at(1), 1)
	insert(t, s, ResortAlpha, "c", at(3), 3)
	insert(t, s, ResortAlpha, "b", at(2), 2)

	latest, err = s.LatestRecord(ctx, ResortAlpha)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "c", latest.ID)
	assert.Equal(t, ResortAlpha, latest.ResourceID)
	assert.InDelta(t, 3.0, latest.PrimaryMeasure, 1e-9)
	assert.InDelta(t, 0.3, latest.SecondaryMeasure, 1e-9)
}

func testStreamRecordsAscending(t *testing.T, s store.Store) {
	ctx := context.Background()
	insert(t, s, ResortAlpha, "b", at(2), 2)
	insert(t, s, ResortAlpha, "a", at(1), 1)
	insert(t, s, ResortAlpha, "c", at(2), 3)

	var got []string
	require.NoError(t, s.StreamRecords(ctx, ResortAlpha, func(o records.Observation) error {
		got = append(got, o.ID)
		return nil
	}))
	assert.Equal(t, []string{"a", "b", "c"}, got)

	stop := errors.New("stop")
	calls := 0
	err := s.StreamRecords(ctx, ResortAlpha, func(records.Observation) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func testRecordsSince(t *testing.T, s store.Store) {
	ctx := context.Background()
	insert(t, s, ResortBeta, "b-old", at(-60), 1)
	insert(t, s, ResortBeta, "b-2", at(20), 2)
	insert(t, s, ResortBeta, "b-1", at(10), 3)
	insert(t, s, ResortAlpha, "a-1", at(5), 4)

	rows, err := s.RecordsSince(ctx, []string{ResortBeta, ResortAlpha, ResortGhost}, at(0))
	require.NoError(t, err)

	var got []string
	for _, row := range rows {
		got = append(got, row.ResourceName+"/"+row.RecordID)
	}
	assert.Equal(t, []string{"Alpine Peak/a-1", "Birch Valley/b-1", "Birch Valley/b-2"}, got)
	assert.Equal(t, ResortAlpha, rows[0].ResourceID)
	assert.InDelta(t, 4.0, rows[0].PrimaryMeasure, 1e-9)

	rows, err = s.RecordsSince(ctx, []string{ResortGhost}, at(0))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func testTimestampsNormalised(t *testing.T, s store.Store) {
	zone := time.FixedZone("CET", 3600)
	observed := time.Date(2024, 1, 10, 9, 30, 0, 123456789, zone)
	insert(t, s, ResortAlpha, "a", observed, 1)

	items, err := s.ListRecords(context.Background(), ResortAlpha, nil, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, time.UTC, items[0].ObservedAt.Location())
	assert.True(t, items[0].ObservedAt.Equal(records.NormalizeTime(observed)), "got %v", items[0].ObservedAt)

	cursor := items[0].Cursor()
	rest, err := s.ListRecords(context.Background(), ResortAlpha, &cursor, 1)
	require.NoError(t, err)
	assert.Empty(t, rest, "a cursor built from a stored record must exclude that record")
}

func testInsertUnknownResource(t *testing.T, s store.Store) {
	err := s.InsertRecord(context.Background(), records.Observation{
		ID:         "orphan",
		ResourceID: ResortGhost,
		ObservedAt: at(1),
	})
	require.Error(t, err)
	var unknown errspkg.UnknownResourceError
	assert.False(t, errors.As(err, &unknown), "an insert-time constraint failure is a persistence error, got %v", err)

	items, err := s.ListRecords(context.Background(), ResortGhost, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}
