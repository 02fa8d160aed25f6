// Package history serves a resource's observations newest first in keyset
// pages.
package history

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/conditionflow/internal/runtime/errors"
	"github.com/drblury/conditionflow/internal/runtime/metrics"
	"github.com/drblury/conditionflow/internal/runtime/records"
	"github.com/drblury/conditionflow/store"
)

const (
	// DefaultPageSize applies when a request omits the limit.
	DefaultPageSize = 50
	// MaxPageSize caps any requested limit.
	MaxPageSize = 200
)

// Config bounds page sizes.
type Config struct {
	DefaultPageSize int
	MaxPageSize     int
}

func (c Config) withDefaults() Config {
	if c.DefaultPageSize <= 0 {
		c.DefaultPageSize = DefaultPageSize
	}
	if c.MaxPageSize <= 0 {
		c.MaxPageSize = MaxPageSize
	}
	if c.DefaultPageSize > c.MaxPageSize {
		c.DefaultPageSize = c.MaxPageSize
	}
	return c
}

// Reader reads history pages from a RecordStore.
type Reader struct {
	store   store.RecordStore
	cfg     Config
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewReader returns a Reader over rs. m may be nil.
func NewReader(rs store.RecordStore, cfg Config, m *metrics.Metrics) (*Reader, error) {
	if rs == nil {
		return nil, errspkg.ErrStoreRequired
	}
	return &Reader{
		store:   rs,
		cfg:     cfg.withDefaults(),
		metrics: m,
		tracer:  otel.Tracer("conditionflow/history"),
	}, nil
}

// PageSize returns the size GetPage uses for a requested size. Values
// outside [1, MaxPageSize] select the default.
func (r *Reader) PageSize(requested int) int {
	if requested < 1 || requested > r.cfg.MaxPageSize {
		return r.cfg.DefaultPageSize
	}
	return requested
}

// GetPage returns the observations of resourceID that sort strictly after
// cursor, newest first. A nil cursor starts at the newest observation.
// NextCursor is set when the page is full; a full final page therefore
// yields one extra, empty page.
func (r *Reader) GetPage(ctx context.Context, resourceID string, cursor *records.Cursor, pageSize int) (records.Page, error) {
	start := time.Now()
	size := r.PageSize(pageSize)

	ctx, span := r.tracer.Start(ctx, "GetHistoryPage", trace.WithAttributes(
		attribute.String("resource.id", resourceID),
		attribute.Int("page.size", size),
		attribute.Bool("page.has_cursor", cursor != nil),
	))
	defer span.End()

	items, err := r.store.ListRecords(ctx, resourceID, cursor, size)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list records failed")
		return records.Page{}, fmt.Errorf("list records of %s: %w", resourceID, err)
	}
	if items == nil {
		items = []records.Observation{}
	}

	page := records.Page{Items: items}
	if len(items) == size {
		next := items[len(items)-1].Cursor()
		page.NextCursor = &next
	}

	span.SetAttributes(attribute.Int("page.items", len(items)))
	r.metrics.ObservePage(time.Since(start))
	return page, nil
}
