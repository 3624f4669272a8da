// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The store package splits persistence into focused interfaces:
//
//   - AgentStore: Enrolled agents, their facts, and bearer token hashes
//   - JobStore: Jobs, their status lifecycle, and results
//   - InventoryStore: Installed software reported by agents
//   - OperatorStore: Operators allowed to create jobs
//   - AuditStore: Append-only record of enrollment, job and operator actions
//
// SQLiteStore implements all of them in a single struct. Store composes them.
//
// # Job Status Rules
//
// Jobs start queued and may move to dispatched, running, and finally one of
// succeeded, failed or timeout. Every status update is a single
// conditional UPDATE that only matches when the stored status is an allowed
// predecessor, so concurrent writers cannot move a job backwards or out of a
// terminal status. A rejected update reports ErrNotFound, ErrJobTerminal, or
// ErrInvalidTransition.
//
// # SQLite Configuration
//
// Two drivers are supported: "sqlite" (modernc.org/sqlite, pure Go, the
// default) and "sqlite3" (github.com/mattn/go-sqlite3, cgo). Both are opened
// with WAL mode, foreign keys, and a busy timeout applied per connection.
//
// Timestamps are stored as fixed-width UTC RFC3339 text with nanoseconds so
// ORDER BY on the text column is chronological.
//
// # Testing
//
// Use NewMockStore() for unit tests of packages that depend on Store.
// Use NewSQLiteStore with a temp directory for integration tests.
//
// # Migrations
//
// Columns added after the first release are applied by runMigrations on
// startup. Each migration checks pragma_table_info first so it is safe to
// run repeatedly.
package store
