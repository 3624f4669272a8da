// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite or mattn/go-sqlite3
// ABOUTME: Handles connection setup, pragmas, schema creation and idempotent migrations

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

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverModernc = "sqlite"
	DriverCGO     = "sqlite3"
)

// timeLayout is fixed width so lexical ordering of stored text matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure-Go driver.
// The schema is automatically created if it doesn't exist.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return Open(DriverModernc, path)
}

// Open creates a SQLite store with the named driver ("sqlite" or "sqlite3").
// Parent directories are created if needed. ":memory:" opens a private in-memory database.
func Open(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverCGO {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	memory := path == ":memory:"
	if !memory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn(driver, path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if memory {
		// Each pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("applying %q: %w", pragma, err)
			}
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
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

	logger.Info("SQLite store initialized", "driver", driver, "path", path)
	return s, nil
}

// dsn builds a connection string that applies pragmas on every pooled connection.
func dsn(driver, path string) string {
	if path == ":memory:" {
		return path
	}
	switch driver {
	case DriverCGO:
		return "file:" + path + "?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL"
	default:
		return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	}
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id           TEXT PRIMARY KEY,
			device_id    TEXT NOT NULL UNIQUE,
			hostname     TEXT NOT NULL DEFAULT '',
			os           TEXT NOT NULL DEFAULT '',
			arch         TEXT NOT NULL DEFAULT '',
			version      TEXT NOT NULL DEFAULT '',
			token_hash   TEXT NOT NULL UNIQUE,
			status       TEXT NOT NULL DEFAULT 'active',
			enrolled_at  TEXT NOT NULL,
			updated_at   TEXT NOT NULL,

			CHECK (status IN ('active', 'revoked'))
		);

		CREATE TABLE IF NOT EXISTS jobs (
			seq           INTEGER PRIMARY KEY AUTOINCREMENT,
			id            TEXT NOT NULL UNIQUE,
			agent_id      TEXT NOT NULL,
			type          TEXT NOT NULL DEFAULT 'run_script',
			payload_json  TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'queued',
			created_at    TEXT NOT NULL,
			dispatched_at TEXT,
			started_at    TEXT,
			finished_at   TEXT,

			FOREIGN KEY (agent_id) REFERENCES agents(id),
			CHECK (type IN ('run_script')),
			CHECK (status IN ('queued', 'dispatched', 'running', 'succeeded', 'failed', 'timeout'))
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_agent_status ON jobs(agent_id, status);
		CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);

		CREATE TABLE IF NOT EXISTS job_results (
			job_id      TEXT PRIMARY KEY,
			exit_code   INTEGER,
			stdout      TEXT NOT NULL DEFAULT '',
			stderr      TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER,
			created_at  TEXT NOT NULL,

			FOREIGN KEY (job_id) REFERENCES jobs(id)
		);

		CREATE TABLE IF NOT EXISTS agent_software (
			agent_id     TEXT NOT NULL,
			name         TEXT NOT NULL,
			version      TEXT NOT NULL DEFAULT '',
			publisher    TEXT NOT NULL DEFAULT '',
			install_date TEXT NOT NULL DEFAULT '',

			FOREIGN KEY (agent_id) REFERENCES agents(id)
		);

		CREATE INDEX IF NOT EXISTS idx_agent_software_agent ON agent_software(agent_id);

		CREATE TABLE IF NOT EXISTS operators (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			role         TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'active',
			created_at   TEXT NOT NULL,

			CHECK (role IN ('admin', 'viewer')),
			CHECK (status IN ('active', 'disabled'))
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			actor_type  TEXT NOT NULL,
			actor_id    TEXT NOT NULL,
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts);
		CREATE INDEX IF NOT EXISTS idx_audit_log_actor ON audit_log(actor_id);
		CREATE INDEX IF NOT EXISTS idx_audit_log_target ON audit_log(target_type, target_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "agents",
			column: "last_seen_at",
			apply:  `ALTER TABLE agents ADD COLUMN last_seen_at TEXT`,
		},
		{
			table:  "jobs",
			column: "created_by",
			apply:  `ALTER TABLE jobs ADD COLUMN created_by TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isUniqueViolation reports whether err is a SQLite UNIQUE or PRIMARY KEY constraint failure.
// Both drivers surface the SQLite message text, so matching on it covers either.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}

// isForeignKeyViolation reports whether err is a SQLite FOREIGN KEY constraint failure.
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

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

// withTx runs fn in a transaction, rolling back on any error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
