// Package memory provides an in-process store for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/conditionflow/internal/runtime/errors"
	"github.com/drblury/conditionflow/internal/runtime/records"
	"github.com/drblury/conditionflow/store"
)

// DriverName is the name used to register this store.
const DriverName = "memory"

func init() {
	store.Register(DriverName, Build)
}

// Build creates an empty memory store.
func Build(ctx context.Context, cfg store.Config, logger watermill.LoggerAdapter) (store.Store, error) {
	return New(), nil
}

// Store keeps resources and observations in maps guarded by one RWMutex.
// Observations per resource are kept in history order.
type Store struct {
	mu        sync.RWMutex
	resources map[string]records.Resource
	history   map[string][]records.Observation
	ids       map[string]struct{}
	closed    bool
}

func New() *Store {
	return &Store{
		resources: make(map[string]records.Resource),
		history:   make(map[string][]records.Observation),
		ids:       make(map[string]struct{}),
	}
}

func (s *Store) PutResource(ctx context.Context, res records.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errspkg.ErrStoreClosed
	}
	s.resources[res.ID] = res
	return nil
}

func (s *Store) ResourceExists(ctx context.Context, resourceID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.resources[resourceID]
	return ok, nil
}

func (s *Store) InsertRecord(ctx context.Context, rec records.Observation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec.ObservedAt = records.NormalizeTime(rec.ObservedAt)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errspkg.ErrStoreClosed
	}
	if _, ok := s.resources[rec.ResourceID]; !ok {
		return fmt.Errorf("insert record %s: foreign key constraint failed: resource %s does not exist", rec.ID, rec.ResourceID)
	}
	if _, dup := s.ids[rec.ID]; dup {
		return fmt.Errorf("insert record %s: duplicate id", rec.ID)
	}

	items := s.history[rec.ResourceID]
	pos := sort.Search(len(items), func(i int) bool { return !records.Precedes(items[i], rec) })
	items = append(items, records.Observation{})
	copy(items[pos+1:], items[pos:])
	items[pos] = rec

	s.history[rec.ResourceID] = items
	s.ids[rec.ID] = struct{}{}
	return nil
}

func (s *Store) ListRecords(ctx context.Context, resourceID string, cursor *records.Cursor, limit int) ([]records.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errspkg.ErrStoreClosed
	}

	items := s.history[resourceID]
	start := 0
	if cursor != nil {
		start = sort.Search(len(items), func(i int) bool { return cursor.Admits(items[i]) })
	}
	end := len(items)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	out := make([]records.Observation, end-start)
	copy(out, items[start:end])
	return out, nil
}

func (s *Store) GetResource(ctx context.Context, resourceID string) (records.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.resources[resourceID]
	if !ok {
		return records.Resource{}, errspkg.ErrResourceNotFound
	}
	return res, nil
}

func (s *Store) ListResources(ctx context.Context) ([]records.Resource, error) {
	s.mu.RLock()
	out := make([]records.Resource, 0, len(s.resources))
	for _, res := range s.resources {
		out = append(out, res)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) LatestRecord(ctx context.Context, resourceID string) (*records.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.history[resourceID]
	if len(items) == 0 {
		return nil, nil
	}
	latest := items[0]
	return &latest, nil
}

func (s *Store) StreamRecords(ctx context.Context, resourceID string, fn func(records.Observation) error) error {
	s.mu.RLock()
	items := make([]records.Observation, len(s.history[resourceID]))
	copy(items, s.history[resourceID])
	s.mu.RUnlock()

	for i := len(items) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(items[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) RecordsSince(ctx context.Context, resourceIDs []string, since time.Time) ([]records.ComparisonRow, error) {
	s.mu.RLock()
	var rows []records.ComparisonRow
	for _, id := range dedupe(resourceIDs) {
		res, ok := s.resources[id]
		if !ok {
			continue
		}
		for _, rec := range s.history[id] {
			if !rec.ObservedAt.After(since) {
				break
			}
			rows = append(rows, records.ComparisonRow{
				RecordID:         rec.ID,
				ResourceID:       id,
				ResourceName:     res.Name,
				ObservedAt:       rec.ObservedAt,
				PrimaryMeasure:   rec.PrimaryMeasure,
				SecondaryMeasure: rec.SecondaryMeasure,
			})
		}
	}
	s.mu.RUnlock()

	records.SortComparison(rows)
	return rows, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
