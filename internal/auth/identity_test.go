// ABOUTME: Tests for agent token issuance, hashing, authentication and cache invalidation
// ABOUTME: Uses store.MockStore as the agent lookup

package auth

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/store"
)

func TestIssueToken(t *testing.T) {
	plain, hash, err := IssueToken()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(plain, AgentTokenPrefix))
	// 32 bytes base64url without padding is 43 chars
	assert.Len(t, plain, len(AgentTokenPrefix)+43)
	assert.Equal(t, HashToken(plain), hash)
	assert.Len(t, hash, 64)
	assert.NotContains(t, hash, plain)

	plain2, hash2, err := IssueToken()
	require.NoError(t, err)
	assert.NotEqual(t, plain, plain2)
	assert.NotEqual(t, hash, hash2)
}

func TestHashToken_Deterministic(t *testing.T) {
	assert.Equal(t, HashToken("riq_abc"), HashToken("riq_abc"))
	assert.NotEqual(t, HashToken("riq_abc"), HashToken("riq_abd"))
	// sha256("") is well known
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", HashToken(""))
}

func enrollTestAgent(t *testing.T, s *store.MockStore, id string) string {
	t.Helper()
	plain, hash, err := IssueToken()
	require.NoError(t, err)
	require.NoError(t, s.CreateAgent(context.Background(), &store.Agent{
		ID:        id,
		DeviceID:  "device-" + id,
		TokenHash: hash,
	}))
	return plain
}

func TestAgentAuthenticator_Authenticate(t *testing.T) {
	s := store.NewMockStore()
	token := enrollTestAgent(t, s, "agent-1")
	authn := NewAgentAuthenticator(s, 0, nil)
	ctx := context.Background()

	agent, err := authn.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", agent.ID)

	for _, bad := range []string{"", "   ", "riq_nope", token + "x"} {
		_, err := authn.Authenticate(ctx, bad)
		assert.ErrorIs(t, err, ErrAuthFailed, "token %q", bad)
	}
}

func TestAgentAuthenticator_RotatedTokenFails(t *testing.T) {
	s := store.NewMockStore()
	oldToken := enrollTestAgent(t, s, "agent-1")
	authn := NewAgentAuthenticator(s, time.Minute, nil)
	ctx := context.Background()

	// Warm the cache with the old token
	_, err := authn.Authenticate(ctx, oldToken)
	require.NoError(t, err)

	newToken, newHash, err := IssueToken()
	require.NoError(t, err)
	require.NoError(t, s.RotateAgentToken(ctx, "agent-1", newHash, store.AgentFacts{}))
	authn.Forget(HashToken(oldToken))

	_, err = authn.Authenticate(ctx, oldToken)
	assert.ErrorIs(t, err, ErrAuthFailed)

	agent, err := authn.Authenticate(ctx, newToken)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", agent.ID)
}

func TestAgentAuthenticator_RevokedFails(t *testing.T) {
	s := store.NewMockStore()
	token := enrollTestAgent(t, s, "agent-1")
	authn := NewAgentAuthenticator(s, time.Minute, nil)
	ctx := context.Background()

	_, err := authn.Authenticate(ctx, token)
	require.NoError(t, err)

	require.NoError(t, s.RevokeAgent(ctx, "agent-1"))
	authn.Forget(HashToken(token))

	_, err = authn.Authenticate(ctx, token)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

// countingLookup counts store hits to observe caching.
type countingLookup struct {
	inner AgentLookup
	calls atomic.Int32
	err   error
}

func (c *countingLookup) GetAgentByTokenHash(ctx context.Context, hash string) (*store.Agent, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.inner.GetAgentByTokenHash(ctx, hash)
}

func TestAgentAuthenticator_CachesLookups(t *testing.T) {
	s := store.NewMockStore()
	token := enrollTestAgent(t, s, "agent-1")
	lookup := &countingLookup{inner: s}
	authn := NewAgentAuthenticator(lookup, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		agent, err := authn.Authenticate(ctx, token)
		require.NoError(t, err)
		// Mutating the returned agent must not poison the cache
		agent.ID = "mutated"
	}
	assert.Equal(t, int32(1), lookup.calls.Load())

	agent, err := authn.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", agent.ID)
}

// stallingLookup reads the row, then waits for release before returning it.
type stallingLookup struct {
	inner   AgentLookup
	read    chan struct{}
	release chan struct{}
}

func (l *stallingLookup) GetAgentByTokenHash(ctx context.Context, hash string) (*store.Agent, error) {
	agent, err := l.inner.GetAgentByTokenHash(ctx, hash)
	close(l.read)
	<-l.release
	return agent, err
}

func TestAgentAuthenticator_RotationDuringLookupIsNotCached(t *testing.T) {
	s := store.NewMockStore()
	oldToken := enrollTestAgent(t, s, "agent-1")
	lookup := &stallingLookup{inner: s, read: make(chan struct{}), release: make(chan struct{})}
	authn := NewAgentAuthenticator(lookup, time.Minute, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := authn.Authenticate(ctx, oldToken)
		done <- err
	}()

	<-lookup.read
	_, newHash, err := IssueToken()
	require.NoError(t, err)
	require.NoError(t, s.RotateAgentToken(ctx, "agent-1", newHash, store.AgentFacts{}))
	authn.Forget(HashToken(oldToken))
	close(lookup.release)

	// The in-flight call read the row before the rotation and may succeed
	require.NoError(t, <-done)

	// Swap the stub out so the next call cannot stall; only the cache can answer yes now
	authn.agents = s
	_, err = authn.Authenticate(ctx, oldToken)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestAgentAuthenticator_StoreError(t *testing.T) {
	lookup := &countingLookup{err: errors.New("db down")}
	authn := NewAgentAuthenticator(lookup, 0, nil)

	_, err := authn.Authenticate(context.Background(), "riq_whatever")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAuthFailed), "store errors are not auth failures")
}

func TestCheckEnrollmentSecret(t *testing.T) {
	assert.True(t, CheckEnrollmentSecret("s3cret", "s3cret"))
	assert.False(t, CheckEnrollmentSecret("s3cret", "S3cret"))
	assert.False(t, CheckEnrollmentSecret("s3cret", ""))
	assert.False(t, CheckEnrollmentSecret("", ""))

	hashed, err := HashEnrollmentSecret("s3cret")
	require.NoError(t, err)
	assert.True(t, IsBcryptHash(hashed))
	assert.True(t, CheckEnrollmentSecret(hashed, "s3cret"))
	assert.False(t, CheckEnrollmentSecret(hashed, "wrong"))
	assert.False(t, CheckEnrollmentSecret(hashed, hashed), "presenting the hash itself must not work")
}
