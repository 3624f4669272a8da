// ABOUTME: Shared fixtures for store tests: temp SQLite stores and seeded agents
// ABOUTME: Most cases run against both SQLiteStore and MockStore

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// createTestAgent inserts an active agent with a unique device id and token hash.
func createTestAgent(t *testing.T, s Store, id string) *Agent {
	t.Helper()
	agent := &Agent{
		ID:        id,
		DeviceID:  "device-" + id,
		TokenHash: "hash-" + id,
		Facts:     AgentFacts{Hostname: "host-" + id, OS: "linux", Arch: "amd64", Version: "1.0.0"},
	}
	require.NoError(t, s.CreateAgent(context.Background(), agent))
	return agent
}

// queueTestJob inserts a queued job for the agent with a created_at offset from base.
func queueTestJob(t *testing.T, s Store, id, agentID string, createdAt time.Time) *Job {
	t.Helper()
	job := &Job{
		ID:      id,
		AgentID: agentID,
		Payload: ScriptPayload{
			Language:   "bash",
			ScriptText: "echo " + id,
			TimeoutSec: 60,
		},
		CreatedBy: "op-1",
		CreatedAt: createdAt,
	}
	require.NoError(t, s.InsertQueuedJob(context.Background(), job))
	return job
}

func generateTestID(prefix string, i int) string {
	return fmt.Sprintf("%s-%03d", prefix, i)
}

// storeFactories lets behavior tests run against both implementations.
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"sqlite": func(t *testing.T) Store { return setupTestStore(t) },
		"mock":   func(t *testing.T) Store { return NewMockStore() },
	}
}
