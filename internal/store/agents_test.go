// ABOUTME: Tests for agent persistence against both SQLite and MockStore
// ABOUTME: Covers uniqueness, token hash lookup, rotation, fact merging and revocation

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgents_CreateAndGet(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			created := createTestAgent(t, s, "agent-1")
			assert.Equal(t, AgentStatusActive, created.Status)

			got, err := s.GetAgent(ctx, "agent-1")
			require.NoError(t, err)
			assert.Equal(t, "device-agent-1", got.DeviceID)
			assert.Equal(t, "host-agent-1", got.Facts.Hostname)
			assert.True(t, got.Active())
			assert.Nil(t, got.LastSeenAt)

			byDevice, err := s.GetAgentByDeviceID(ctx, "device-agent-1")
			require.NoError(t, err)
			assert.Equal(t, "agent-1", byDevice.ID)

			byHash, err := s.GetAgentByTokenHash(ctx, "hash-agent-1")
			require.NoError(t, err)
			assert.Equal(t, "agent-1", byHash.ID)
		})
	}
}

func TestAgents_NotFound(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			_, err := s.GetAgent(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetAgentByDeviceID(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetAgentByTokenHash(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.TouchAgent(ctx, "missing", time.Now()), ErrNotFound)
			assert.ErrorIs(t, s.RevokeAgent(ctx, "missing"), ErrNotFound)
		})
	}
}

func TestAgents_DuplicateDeviceID(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			createTestAgent(t, s, "agent-1")

			err := s.CreateAgent(ctx, &Agent{ID: "agent-2", DeviceID: "device-agent-1", TokenHash: "other"})
			assert.ErrorIs(t, err, ErrDuplicate)
		})
	}
}

func TestAgents_RotateTokenInvalidatesOldHash(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			createTestAgent(t, s, "agent-1")

			err := s.RotateAgentToken(ctx, "agent-1", "new-hash", AgentFacts{Version: "2.0.0"})
			require.NoError(t, err)

			_, err = s.GetAgentByTokenHash(ctx, "hash-agent-1")
			assert.ErrorIs(t, err, ErrNotFound)

			got, err := s.GetAgentByTokenHash(ctx, "new-hash")
			require.NoError(t, err)
			assert.Equal(t, "2.0.0", got.Facts.Version)
			assert.Equal(t, "host-agent-1", got.Facts.Hostname, "empty facts keep stored values")
		})
	}
}

func TestAgents_RevokedTokenDoesNotAuthenticate(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			createTestAgent(t, s, "agent-1")

			require.NoError(t, s.RevokeAgent(ctx, "agent-1"))

			_, err := s.GetAgentByTokenHash(ctx, "hash-agent-1")
			assert.ErrorIs(t, err, ErrNotFound)

			got, err := s.GetAgent(ctx, "agent-1")
			require.NoError(t, err)
			assert.Equal(t, AgentStatusRevoked, got.Status)

			// Rotation re-activates
			require.NoError(t, s.RotateAgentToken(ctx, "agent-1", "fresh", AgentFacts{}))
			got, err = s.GetAgentByTokenHash(ctx, "fresh")
			require.NoError(t, err)
			assert.True(t, got.Active())
		})
	}
}

func TestAgents_UpdateFactsAndTouch(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			createTestAgent(t, s, "agent-1")

			seen := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
			require.NoError(t, s.UpdateAgentFacts(ctx, "agent-1", AgentFacts{OS: "windows"}, seen))

			got, err := s.GetAgent(ctx, "agent-1")
			require.NoError(t, err)
			assert.Equal(t, "windows", got.Facts.OS)
			assert.Equal(t, "amd64", got.Facts.Arch)
			require.NotNil(t, got.LastSeenAt)
			assert.True(t, got.LastSeenAt.Equal(seen))

			later := seen.Add(time.Minute)
			require.NoError(t, s.TouchAgent(ctx, "agent-1", later))
			got, err = s.GetAgent(ctx, "agent-1")
			require.NoError(t, err)
			assert.True(t, got.LastSeenAt.Equal(later))
		})
	}
}

func TestAgents_List(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			for i := 0; i < 3; i++ {
				id := generateTestID("agent", i)
				require.NoError(t, s.CreateAgent(ctx, &Agent{
					ID:         id,
					DeviceID:   "dev-" + id,
					TokenHash:  "hash-" + id,
					EnrolledAt: base.Add(time.Duration(i) * time.Minute),
				}))
			}

			agents, err := s.ListAgents(ctx)
			require.NoError(t, err)
			require.Len(t, agents, 3)
			assert.Equal(t, "agent-000", agents[0].ID)
			assert.Equal(t, "agent-002", agents[2].ID)
		})
	}
}
