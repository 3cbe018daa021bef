package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const createScriptsTablePG = `
CREATE TABLE IF NOT EXISTS scripts (
    project_id TEXT NOT NULL,
    version_id TEXT NOT NULL,
    filename   TEXT NOT NULL,
    source     TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (project_id, version_id)
)`

var _ Store = (*DB)(nil)

// DB wraps a PostgreSQL connection pool holding script versions.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool and ensures the schema exists.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := pool.Exec(ctx, createScriptsTablePG); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating scripts table: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// GetScript retrieves a script version, or the latest one when versionID is empty.
func (db *DB) GetScript(ctx context.Context, projectID, versionID string) (*Script, error) {
	query := `
		SELECT project_id, version_id, filename, source, created_at
		FROM scripts
		WHERE project_id = $1 AND ($2 = '' OR version_id = $2)
		ORDER BY created_at DESC
		LIMIT 1`

	var s Script
	err := db.pool.QueryRow(ctx, query, projectID, versionID).Scan(
		&s.ProjectID, &s.VersionID, &s.Filename, &s.Source, &s.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: project %s version %q", ErrScriptNotFound, projectID, versionID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying script %s/%s: %w", projectID, versionID, err)
	}
	return &s, nil
}

// PutScript inserts or replaces a script version.
func (db *DB) PutScript(ctx context.Context, s *Script) error {
	prepare(s)

	query := `
		INSERT INTO scripts (project_id, version_id, filename, source, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, version_id)
		DO UPDATE SET filename = EXCLUDED.filename, source = EXCLUDED.source, created_at = EXCLUDED.created_at`

	_, err := db.pool.Exec(ctx, query, s.ProjectID, s.VersionID, s.Filename, s.Source, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting script: %w", err)
	}
	return nil
}
