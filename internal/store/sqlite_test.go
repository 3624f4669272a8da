// ABOUTME: Tests for SQLite store setup, pragmas, migrations and timestamp encoding
// ABOUTME: Covers file creation, in-memory databases, driver validation and reopen

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("postgres", filepath.Join(t.TempDir(), "test.db"))
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestOpen_Memory(t *testing.T) {
	store, err := Open(DriverModernc, ":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	createTestAgent(t, store, "agent-1")

	// Same connection must see the schema and the row.
	got, err := store.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.DeviceID != "device-agent-1" {
		t.Errorf("DeviceID = %q, want device-agent-1", got.DeviceID)
	}

	// Foreign keys are on: a job for an unknown agent is rejected.
	err = store.InsertQueuedJob(ctx, &Job{ID: "job-1", AgentID: "ghost"})
	if err != ErrNotFound {
		t.Errorf("InsertQueuedJob for unknown agent = %v, want ErrNotFound", err)
	}
}

func TestForeignKeysEnforcedOnFileDatabase(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.InsertQueuedJob(ctx, &Job{ID: "job-1", AgentID: "ghost"})
	if err != ErrNotFound {
		t.Errorf("InsertQueuedJob for unknown agent = %v, want ErrNotFound", err)
	}
}

func TestReopenRunsMigrationsIdempotently(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	first, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	createTestAgent(t, first, "agent-1")
	first.Close()

	second, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	defer second.Close()

	if _, err := second.GetAgent(context.Background(), "agent-1"); err != nil {
		t.Errorf("agent missing after reopen: %v", err)
	}
}

func TestTimeLayoutSortsLexically(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	earlier := formatTime(base)
	later := formatTime(base.Add(time.Millisecond))
	if !(earlier < later) {
		t.Errorf("expected %q < %q", earlier, later)
	}
	if len(earlier) != len(later) {
		t.Errorf("timestamps should be fixed width: %d vs %d", len(earlier), len(later))
	}

	parsed, err := parseTime(later)
	if err != nil {
		t.Fatalf("parseTime failed: %v", err)
	}
	if !parsed.Equal(base.Add(time.Millisecond)) {
		t.Errorf("parsed = %v, want %v", parsed, base.Add(time.Millisecond))
	}
}

func TestDSN(t *testing.T) {
	tests := []struct {
		driver string
		want   string
	}{
		{DriverModernc, "file:/tmp/x.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"},
		{DriverCGO, "file:/tmp/x.db?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL"},
	}
	for _, tt := range tests {
		if got := dsn(tt.driver, "/tmp/x.db"); got != tt.want {
			t.Errorf("dsn(%q) = %q, want %q", tt.driver, got, tt.want)
		}
	}
	if got := dsn(DriverModernc, ":memory:"); got != ":memory:" {
		t.Errorf("dsn(:memory:) = %q", got)
	}
}
