package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const createScriptsTableSQLite = `
CREATE TABLE IF NOT EXISTS scripts (
    project_id TEXT NOT NULL,
    version_id TEXT NOT NULL,
    filename   TEXT NOT NULL,
    source     TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (project_id, version_id)
)`

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore keeps scripts in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createScriptsTableSQLite); err != nil {
		db.Close()
		return nil, fmt.Errorf("create scripts table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Healthy pings the database.
func (s *SQLiteStore) Healthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

// GetScript retrieves a script version, or the latest one when versionID is empty.
func (s *SQLiteStore) GetScript(ctx context.Context, projectID, versionID string) (*Script, error) {
	sc := &Script{}
	err := s.db.QueryRowContext(ctx,
		`SELECT project_id, version_id, filename, source, created_at
		FROM scripts
		WHERE project_id = ? AND (? = '' OR version_id = ?)
		ORDER BY created_at DESC
		LIMIT 1`, projectID, versionID, versionID,
	).Scan(&sc.ProjectID, &sc.VersionID, &sc.Filename, &sc.Source, &sc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: project %s version %q", ErrScriptNotFound, projectID, versionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get script: %w", err)
	}
	return sc, nil
}

// PutScript inserts or replaces a script version.
func (s *SQLiteStore) PutScript(ctx context.Context, sc *Script) error {
	prepare(sc)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scripts (project_id, version_id, filename, source, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (project_id, version_id)
		DO UPDATE SET filename = excluded.filename, source = excluded.source, created_at = excluded.created_at`,
		sc.ProjectID, sc.VersionID, sc.Filename, sc.Source, sc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert script: %w", err)
	}
	return nil
}
