// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides transactional access with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so that stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
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

	// A single connection makes the store its own single writer: every
	// transaction is serialized, which is what position assignment and
	// credit escrow rely on.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			user_id      TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			credits      INTEGER NOT NULL DEFAULT 0,
			is_admin     INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,

			CHECK (credits >= 0)
		);

		CREATE TABLE IF NOT EXISTS devices (
			device_id      TEXT PRIMARY KEY,
			fingerprint    TEXT NOT NULL UNIQUE,
			name           TEXT NOT NULL,
			claimed        INTEGER NOT NULL DEFAULT 0,
			owner_id       TEXT,
			active         INTEGER NOT NULL DEFAULT 1,
			last_seen      TEXT,
			app_reachable  INTEGER NOT NULL DEFAULT 0,
			telemetry_json TEXT,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS queue_entries (
			entry_id       TEXT PRIMARY KEY,
			device_id      TEXT NOT NULL REFERENCES devices(device_id),
			user_id        TEXT NOT NULL REFERENCES users(user_id),
			status         TEXT NOT NULL,
			position       INTEGER NOT NULL,
			joined_at      TEXT NOT NULL,
			became_head_at TEXT,
			started_at     TEXT,
			completed_at   TEXT,

			CHECK (status IN ('waiting', 'active', 'completed', 'cancelled'))
		);

		-- one non-terminal entry per user per device
		CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_open_user
			ON queue_entries(device_id, user_id) WHERE status IN ('waiting', 'active');

		-- dense, tie-free positions among waiting entries
		CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_waiting_position
			ON queue_entries(device_id, position) WHERE status = 'waiting';

		-- at most one active entry per device
		CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_active_device
			ON queue_entries(device_id) WHERE status = 'active';

		CREATE INDEX IF NOT EXISTS idx_queue_device_status ON queue_entries(device_id, status);

		CREATE TABLE IF NOT EXISTS session_states (
			device_id        TEXT PRIMARY KEY REFERENCES devices(device_id),
			queue_entry_id   TEXT NOT NULL UNIQUE REFERENCES queue_entries(entry_id),
			user_id          TEXT NOT NULL,
			phase            TEXT NOT NULL,
			phase_entered_at TEXT NOT NULL,
			timer_started_at TEXT,
			timer_expires_at TEXT,
			duration_seconds INTEGER NOT NULL,
			start_lap        INTEGER NOT NULL DEFAULT 0,
			updated_at       TEXT NOT NULL,

			CHECK (phase IN ('entering_car', 'waiting_for_movement', 'racing',
				'completing_lap', 'stopping', 'exiting_car'))
		);

		CREATE TABLE IF NOT EXISTS commands (
			seq            INTEGER PRIMARY KEY AUTOINCREMENT,
			command_id     TEXT NOT NULL UNIQUE,
			device_id      TEXT NOT NULL REFERENCES devices(device_id),
			type           TEXT NOT NULL,
			action         TEXT NOT NULL,
			params_json    TEXT,
			status         TEXT NOT NULL,
			queue_entry_id TEXT,
			correlation_id TEXT,
			created_at     TEXT NOT NULL,
			started_at     TEXT,
			completed_at   TEXT,
			result_json    TEXT,

			CHECK (status IN ('pending', 'processing', 'completed', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_commands_device_status ON commands(device_id, status, seq);
		CREATE INDEX IF NOT EXISTS idx_commands_created ON commands(created_at);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_commands_correlation
			ON commands(correlation_id, action) WHERE correlation_id IS NOT NULL AND action = 'webrtc_offer';

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			actor_id    TEXT NOT NULL,
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target_type, target_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks that the database connection is usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Tx is a store transaction. Its methods must only be used inside the
// Update or View callback that received it.
type Tx struct {
	tx     *sql.Tx
	logger *slog.Logger
}

// Update runs fn inside a read-write transaction.
func (s *SQLiteStore) Update(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(&Tx{tx: sqlTx, logger: s.logger}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// View runs fn inside a transaction that is never committed.
func (s *SQLiteStore) View(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	return fn(&Tx{tx: sqlTx, logger: s.logger})
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// nullTime formats an optional timestamp for a nullable column.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// parseNullTime parses a nullable timestamp column.
func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// expectOneRow converts a zero-row update into the given error.
func expectOneRow(result sql.Result, none error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return none
	}
	return nil
}
