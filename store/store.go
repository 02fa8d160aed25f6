// Package store defines the persistence contracts used by the ingestion
// pipeline and the read surface. Each backend (memory, sqlite, postgres)
// lives in its own sub-package and registers itself with the store registry.
package store

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/conditionflow/internal/runtime/records"
)

// RecordStore is the narrow contract the ingestion pipeline and the history
// reader depend on.
type RecordStore interface {
	// ResourceExists reports whether the catalog knows resourceID.
	ResourceExists(ctx context.Context, resourceID string) (bool, error)
	// InsertRecord persists a fully populated observation.
	InsertRecord(ctx context.Context, rec records.Observation) error
	// ListRecords returns up to limit observations of resourceID in history
	// order, starting strictly after cursor when it is non-nil.
	ListRecords(ctx context.Context, resourceID string, cursor *records.Cursor, limit int) ([]records.Observation, error)
}

// Catalog serves the resource-centric reads of the HTTP surface.
type Catalog interface {
	// GetResource returns errors.ErrResourceNotFound for unknown ids.
	GetResource(ctx context.Context, resourceID string) (records.Resource, error)
	// ListResources returns every resource ordered by name.
	ListResources(ctx context.Context) ([]records.Resource, error)
	// LatestRecord returns nil when the resource has no observations.
	LatestRecord(ctx context.Context, resourceID string) (*records.Observation, error)
	// StreamRecords calls fn for every observation of resourceID, oldest
	// first, and stops at the first error fn returns.
	StreamRecords(ctx context.Context, resourceID string, fn func(records.Observation) error) error
	// RecordsSince joins observations newer than since with their resource
	// names, ordered by name then observation time.
	RecordsSince(ctx context.Context, resourceIDs []string, since time.Time) ([]records.ComparisonRow, error)
}

// Store is a complete backend.
type Store interface {
	RecordStore
	Catalog
	// PutResource inserts or replaces a catalog entry.
	PutResource(ctx context.Context, res records.Resource) error
	Close() error
}

// Config provides the values store backends read.
type Config interface {
	GetStoreDriver() string
	GetSQLiteFile() string
	GetPostgresURL() string
	GetPostgresSchema() string
}

// Builder creates a store from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Store, error)
