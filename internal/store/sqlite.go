// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides snapshot/anomaly/usage persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS snapshots (
			session_id  TEXT PRIMARY KEY,
			entries     TEXT NOT NULL,
			entry_count INTEGER NOT NULL DEFAULT 0,
			updated_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_updated ON snapshots(updated_at DESC);

		CREATE TABLE IF NOT EXISTS anomalies (
			id          TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL,
			kind        TEXT NOT NULL,
			detail_json TEXT,
			created_at  TEXT NOT NULL,

			CHECK (kind IN (
				'correlation_miss',
				'malformed_chunk',
				'unknown_kind',
				'duplicate_event'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_anomalies_session ON anomalies(session_id, created_at);

		CREATE TABLE IF NOT EXISTS usage_records (
			id             TEXT PRIMARY KEY,
			session_id     TEXT NOT NULL,
			num_turns      INTEGER NOT NULL DEFAULT 0,
			duration_ms    INTEGER NOT NULL DEFAULT 0,
			input_tokens   INTEGER NOT NULL DEFAULT 0,
			output_tokens  INTEGER NOT NULL DEFAULT 0,
			total_cost_usd REAL NOT NULL DEFAULT 0,
			created_at     TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records(session_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// Migration: entry_count was added to snapshots after the first release.
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so check first.
	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info('snapshots') WHERE name = 'entry_count'`).Scan(&exists)
	if err != nil {
		if _, err := s.db.Exec(`ALTER TABLE snapshots ADD COLUMN entry_count INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("adding entry_count column to snapshots: %w", err)
		}
		s.logger.Info("applied migration", "column", "entry_count", "table", "snapshots")
	}

	return nil
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}
