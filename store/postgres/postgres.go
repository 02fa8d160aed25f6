// Package postgres provides a PostgreSQL-backed record store.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/lib/pq"

	errspkg "github.com/drblury/conditionflow/internal/runtime/errors"
	"github.com/drblury/conditionflow/internal/runtime/records"
	"github.com/drblury/conditionflow/store"
)

// DriverName is the name used to register this store.
const DriverName = "postgres"

// DefaultSchemaName is used when no schema is configured.
const DefaultSchemaName = "conditionflow"

var schemaNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func init() {
	store.Register(DriverName, Build)
	store.Register("postgresql", Build) // Alias
}

// Build creates a PostgreSQL store from config.
func Build(ctx context.Context, cfg store.Config, logger watermill.LoggerAdapter) (store.Store, error) {
	return New(ctx, Config{
		ConnectionString: cfg.GetPostgresURL(),
		SchemaName:       cfg.GetPostgresSchema(),
	}, logger)
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string
	// SchemaName is the schema holding the tables. Defaults to "conditionflow".
	SchemaName string
	// MaxOpenConns sets the maximum number of open connections to the database.
	MaxOpenConns int
	// MaxIdleConns sets the maximum number of idle connections.
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
	if c.SchemaName == "" {
		c.SchemaName = DefaultSchemaName
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

// Store implements store.Store on PostgreSQL. Record ids use the "C"
// collation so ties on observed_at order byte-wise.
type Store struct {
	db     *sql.DB
	config Config
	logger watermill.LoggerAdapter

	tblResources    string
	tblObservations string
}

// New connects, verifies the connection and creates the schema when missing.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Store, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("PostgreSQL connection string is required")
	}
	cfg = cfg.withDefaults()
	if !schemaNamePattern.MatchString(cfg.SchemaName) {
		return nil, fmt.Errorf("invalid PostgreSQL schema name %q", cfg.SchemaName)
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	s := &Store{
		db:              db,
		config:          cfg,
		logger:          logger,
		tblResources:    cfg.SchemaName + ".resources",
		tblObservations: cfg.SchemaName + ".observations",
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("PostgreSQL store ready", watermill.LogFields{"schema": cfg.SchemaName})
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	// #nosec G201 - schema name is validated against schemaNamePattern
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, s.config.SchemaName)); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	// #nosec G201 - schema name is validated against schemaNamePattern
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s.resources (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		region TEXT NOT NULL DEFAULT '',
		country TEXT NOT NULL DEFAULT '',
		elevation_base_m INTEGER NOT NULL DEFAULT 0,
		elevation_top_m INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_resources_name ON %[1]s.resources(name, id);

	CREATE TABLE IF NOT EXISTS %[1]s.observations (
		id TEXT COLLATE "C" PRIMARY KEY,
		resource_id TEXT NOT NULL REFERENCES %[1]s.resources(id),
		observed_at TIMESTAMPTZ NOT NULL,
		primary_measure DOUBLE PRECISION NOT NULL,
		secondary_measure DOUBLE PRECISION NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_observations_history
		ON %[1]s.observations(resource_id, observed_at DESC, id DESC);
	`, s.config.SchemaName)

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) PutResource(ctx context.Context, res records.Resource) error {
	// #nosec G201 - table names derive from the validated schema name
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, name, region, country, elevation_base_m, elevation_top_m)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			region = EXCLUDED.region,
			country = EXCLUDED.country,
			elevation_base_m = EXCLUDED.elevation_base_m,
			elevation_top_m = EXCLUDED.elevation_top_m
	`, s.tblResources), res.ID, res.Name, res.Region, res.Country, res.ElevationBaseMeters, res.ElevationTopMeters)
	if err != nil {
		return fmt.Errorf("failed to upsert resource %s: %w", res.ID, err)
	}
	return nil
}

func (s *Store) ResourceExists(ctx context.Context, resourceID string) (bool, error) {
	var exists bool
	// #nosec G201 - table names derive from the validated schema name
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, s.tblResources), resourceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check resource %s: %w", resourceID, err)
	}
	return exists, nil
}

func (s *Store) InsertRecord(ctx context.Context, rec records.Observation) error {
	// #nosec G201 - table names derive from the validated schema name
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, resource_id, observed_at, primary_measure, secondary_measure)
		VALUES ($1, $2, $3, $4, $5)
	`, s.tblObservations), rec.ID, rec.ResourceID, records.NormalizeTime(rec.ObservedAt), rec.PrimaryMeasure, rec.SecondaryMeasure)
	if err != nil {
		return fmt.Errorf("failed to insert record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) ListRecords(ctx context.Context, resourceID string, cursor *records.Cursor, limit int) ([]records.Observation, error) {
	// #nosec G201 - table names derive from the validated schema name
	query := fmt.Sprintf(`
		SELECT id, resource_id, observed_at, primary_measure, secondary_measure
		FROM %s
		WHERE resource_id = $1`, s.tblObservations)
	args := []any{resourceID}

	if cursor != nil {
		query += ` AND (observed_at, id) < ($2, $3)`
		args = append(args, records.NormalizeTime(cursor.ObservedAt), cursor.ID)
	}
	query += ` ORDER BY observed_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
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
	// #nosec G201 - table names derive from the validated schema name
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, name, region, country, elevation_base_m, elevation_top_m
		FROM %s WHERE id = $1
	`, s.tblResources), resourceID).Scan(&res.ID, &res.Name, &res.Region, &res.Country, &res.ElevationBaseMeters, &res.ElevationTopMeters)
	if errors.Is(err, sql.ErrNoRows) {
		return records.Resource{}, errspkg.ErrResourceNotFound
	}
	if err != nil {
		return records.Resource{}, fmt.Errorf("failed to load resource %s: %w", resourceID, err)
	}
	return res, nil
}

func (s *Store) ListResources(ctx context.Context) ([]records.Resource, error) {
	// #nosec G201 - table names derive from the validated schema name
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, name, region, country, elevation_base_m, elevation_top_m
		FROM %s ORDER BY name COLLATE "C", id
	`, s.tblResources))
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
	// #nosec G201 - table names derive from the validated schema name
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, resource_id, observed_at, primary_measure, secondary_measure
		FROM %s
		WHERE resource_id = $1
		ORDER BY observed_at ASC, id ASC
	`, s.tblObservations), resourceID)
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

	// #nosec G201 - table names derive from the validated schema name
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT o.id, o.resource_id, r.name, o.observed_at, o.primary_measure, o.secondary_measure
		FROM %s o
		JOIN %s r ON r.id = o.resource_id
		WHERE o.resource_id = ANY($1) AND o.observed_at > $2
		ORDER BY r.name COLLATE "C", r.id, o.observed_at, o.id
	`, s.tblObservations, s.tblResources), pq.Array(resourceIDs), since)
	if err != nil {
		return nil, fmt.Errorf("failed to query comparison rows: %w", err)
	}
	defer rows.Close()

	var out []records.ComparisonRow
	for rows.Next() {
		var row records.ComparisonRow
		if err := rows.Scan(&row.RecordID, &row.ResourceID, &row.ResourceName, &row.ObservedAt, &row.PrimaryMeasure, &row.SecondaryMeasure); err != nil {
			return nil, fmt.Errorf("failed to scan comparison row: %w", err)
		}
		row.ObservedAt = row.ObservedAt.UTC()
		out = append(out, row)
	}
	return out, rows.Err()
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanObservation(row scanner) (records.Observation, error) {
	var rec records.Observation
	if err := row.Scan(&rec.ID, &rec.ResourceID, &rec.ObservedAt, &rec.PrimaryMeasure, &rec.SecondaryMeasure); err != nil {
		return records.Observation{}, fmt.Errorf("failed to scan record: %w", err)
	}
	rec.ObservedAt = rec.ObservedAt.UTC()
	return rec, nil
}
