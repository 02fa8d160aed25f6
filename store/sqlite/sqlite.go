// Package sqlite provides a SQLite-backed record store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	errspkg "github.com/drblury/conditionflow/internal/runtime/errors"
	"github.com/drblury/conditionflow/internal/runtime/records"
	"github.com/drblury/conditionflow/store"
)

// DriverName is the name used to register this store.
const DriverName = "sqlite"

// DefaultFilePath is used when no file is configured.
const DefaultFilePath = "conditionflow.db"

func init() {
	store.Register(DriverName, Build)
}

// Build creates a SQLite store from config.
func Build(ctx context.Context, cfg store.Config, logger watermill.LoggerAdapter) (store.Store, error) {
	return New(ctx, Config{FilePath: cfg.GetSQLiteFile()}, logger)
}

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database (useful for testing).
	FilePath string
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = DefaultFilePath
	}
	return c
}

func (c Config) dsn() string {
	return c.FilePath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
}

// Store implements store.Store on SQLite. Timestamps are stored as UTC
// microseconds so the history index orders them numerically.
type Store struct {
	db     *sql.DB
	config Config
	logger watermill.LoggerAdapter
}

// New opens the database and creates the schema when missing.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Store, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, config: cfg, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite store ready", watermill.LogFields{"file": cfg.FilePath})
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS resources (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		region TEXT NOT NULL DEFAULT '',
		country TEXT NOT NULL DEFAULT '',
		elevation_base_m INTEGER NOT NULL DEFAULT 0,
		elevation_top_m INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_resources_name ON resources(name, id);

	CREATE TABLE IF NOT EXISTS observations (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL REFERENCES resources(id),
		observed_at_us INTEGER NOT NULL,
		primary_measure REAL NOT NULL,
		secondary_measure REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_observations_history
		ON observations(resource_id, observed_at_us DESC, id DESC);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) PutResource(ctx context.Context, res records.Resource) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resources (id, name, region, country, elevation_base_m, elevation_top_m)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			region = excluded.region,
			country = excluded.country,
			elevation_base_m = excluded.elevation_base_m,
			elevation_top_m = excluded.elevation_top_m
	`, res.ID, res.Name, res.Region, res.Country, res.ElevationBaseMeters, res.ElevationTopMeters)
	if err != nil {
		return fmt.Errorf("failed to upsert resource %s: %w", res.ID, err)
	}
	return nil
}

func (s *Store) ResourceExists(ctx context.Context, resourceID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM resources WHERE id = ?`, resourceID).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to check resource %s: %w", resourceID, err)
	}
	return true, nil
}

func (s *Store) InsertRecord(ctx context.Context, rec records.Observation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO observations (id, resource_id, observed_at_us, primary_measure, secondary_measure)
		VALUES (?, ?, ?, ?, ?)
	`, rec.ID, rec.ResourceID, rec.ObservedAt.UnixMicro(), rec.PrimaryMeasure, rec.SecondaryMeasure)
	if err != nil {
		return fmt.Errorf("failed to insert record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) ListRecords(ctx context.Context, resourceID string, cursor *records.Cursor, limit int) ([]records.Observation, error) {
	query := `
		SELECT id, resource_id, observed_at_us, primary_measure, secondary_measure
		FROM observations
		WHERE resource_id = ?`
	args := []any{resourceID}

	if cursor != nil {
		us := cursor.ObservedAt.UnixMicro()
		query += ` AND (observed_at_us < ? OR (observed_at_us = ? AND id < ?))`
		args = append(args, us, us, cursor.ID)
	}
	query += ` ORDER BY observed_at_us DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	out := []records.Observation{}
	for rows.Next() {
		rec, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) GetResource(ctx context.Context, resourceID string) (records.Resource, error) {
	var res records.Resource
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, region, country, elevation_base_m, elevation_top_m
		FROM resources WHERE id = ?
	`, resourceID).Scan(&res.ID, &res.Name, &res.Region, &res.Country, &res.ElevationBaseMeters, &res.ElevationTopMeters)
	if errors.Is(err, sql.ErrNoRows) {
		return records.Resource{}, errspkg.ErrResourceNotFound
	}
	if err != nil {
		return records.Resource{}, fmt.Errorf("failed to load resource %s: %w", resourceID, err)
	}
	return res, nil
}

func (s *Store) ListResources(ctx context.Context) ([]records.Resource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, region, country, elevation_base_m, elevation_top_m
		FROM resources ORDER BY name, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	out := []records.Resource{}
	for rows.Next() {
		var res records.Resource
		if err := rows.Scan(&res.ID, &res.Name, &res.Region, &res.Country, &res.ElevationBaseMeters, &res.ElevationTopMeters); err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (s *Store) LatestRecord(ctx context.Context, resourceID string) (*records.Observation, error) {
	items, err := s.ListRecords(ctx, resourceID, nil, 1)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (s *Store) StreamRecords(ctx context.Context, resourceID string, fn func(records.Observation) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, resource_id, observed_at_us, primary_measure, secondary_measure
		FROM observations
		WHERE resource_id = ?
		ORDER BY observed_at_us ASC, id ASC
	`, resourceID)
	if err != nil {
		return fmt.Errorf("failed to stream records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanObservation(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) RecordsSince(ctx context.Context, resourceIDs []string, since time.Time) ([]records.ComparisonRow, error) {
	if len(resourceIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(resourceIDs)), ",")
	args := make([]any, 0, len(resourceIDs)+1)
	for _, id := range resourceIDs {
		args = append(args, id)
	}
	args = append(args, since.UnixMicro())

	// #nosec G202 - only placeholders are concatenated
	query := `
		SELECT o.id, o.resource_id, r.name, o.observed_at_us, o.primary_measure, o.secondary_measure
		FROM observations o
		JOIN resources r ON r.id = o.resource_id
		WHERE o.resource_id IN (` + placeholders + `) AND o.observed_at_us > ?
		ORDER BY r.name, r.id, o.observed_at_us, o.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query comparison rows: %w", err)
	}
	defer rows.Close()

	var out []records.ComparisonRow
	for rows.Next() {
		var (
			row records.ComparisonRow
			us  int64
		)
		if err := rows.Scan(&row.RecordID, &row.ResourceID, &row.ResourceName, &us, &row.PrimaryMeasure, &row.SecondaryMeasure); err != nil {
			return nil, fmt.Errorf("failed to scan comparison row: %w", err)
		}
		row.ObservedAt = time.UnixMicro(us).UTC()
		out = append(out, row)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanObservation(row scanner) (records.Observation, error) {
	var (
		rec records.Observation
		us  int64
	)
	if err := row.Scan(&rec.ID, &rec.ResourceID, &us, &rec.PrimaryMeasure, &rec.SecondaryMeasure); err != nil {
		return records.Observation{}, fmt.Errorf("failed to scan record: %w", err)
	}
	rec.ObservedAt = time.UnixMicro(us).UTC()
	return rec, nil
}
