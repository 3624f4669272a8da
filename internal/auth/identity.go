// ABOUTME: Opaque agent bearer tokens: issuance, hashing and authentication
// ABOUTME: Only the sha256 hash is stored; lookups are cached briefly with go-cache

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/store"
)

// AgentTokenPrefix marks agent bearer tokens so they are easy to spot in leaked-secret scans.
const AgentTokenPrefix = "riq_"

// agentTokenBytes gives 256 bits of entropy.
const agentTokenBytes = 32

// ErrAuthFailed is returned for any unknown, blank, rotated or revoked agent token.
var ErrAuthFailed = errors.New("agent authentication failed")

// IssueToken returns a new random agent token and its hash.
// The plaintext must be handed to the agent once and never stored or logged.
func IssueToken() (plaintext, hash string, err error) {
	buf := make([]byte, agentTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating agent token: %w", err)
	}
	plaintext = AgentTokenPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return plaintext, HashToken(plaintext), nil
}

// HashToken returns the hex sha256 of a plaintext token.
func HashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// AgentLookup resolves a token hash to an active agent.
type AgentLookup interface {
	GetAgentByTokenHash(ctx context.Context, tokenHash string) (*store.Agent, error)
}

// AgentAuthenticator maps bearer tokens to agents.
type AgentAuthenticator struct {
	agents AgentLookup
	cache  *cache.Cache // nil when caching is disabled
	logger *slog.Logger

	// forgets counts Forget calls. A lookup that raced one is not cached.
	mu      sync.Mutex
	forgets uint64
}

// NewAgentAuthenticator creates an authenticator. A ttl of zero disables caching.
func NewAgentAuthenticator(agents AgentLookup, ttl time.Duration, logger *slog.Logger) *AgentAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &AgentAuthenticator{
		agents: agents,
		logger: logger.With("component", "agent-auth"),
	}
	if ttl > 0 {
		a.cache = cache.New(ttl, 2*ttl)
	}
	return a
}

// Authenticate hashes the presented token and returns the owning active agent.
func (a *AgentAuthenticator) Authenticate(ctx context.Context, bearer string) (*store.Agent, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return nil, ErrAuthFailed
	}
	hash := HashToken(bearer)

	if a.cache != nil {
		if v, ok := a.cache.Get(hash); ok {
			agent := *v.(*store.Agent)
			return &agent, nil
		}
	}

	gen := a.generation()
	agent, err := a.agents.GetAgentByTokenHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAuthFailed
	}
	if err != nil {
		return nil, fmt.Errorf("looking up agent token: %w", err)
	}

	if a.cache != nil {
		cached := *agent
		a.mu.Lock()
		if a.forgets == gen {
			a.cache.SetDefault(hash, &cached)
		}
		a.mu.Unlock()
	}
	return agent, nil
}

func (a *AgentAuthenticator) generation() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.forgets
}

// Forget drops a cached token hash so rotation and revocation take effect immediately.
func (a *AgentAuthenticator) Forget(tokenHash string) {
	if a.cache == nil || tokenHash == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forgets++
	a.cache.Delete(tokenHash)
}
