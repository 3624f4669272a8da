// ABOUTME: Agent enrollment, re-enrollment and revocation
// ABOUTME: A device id maps to one agent forever; re-enrolling rotates its token in place

package enroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/auth"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/store"
)

// maxFieldLen bounds self-reported strings.
const maxFieldLen = 256

// Enrollment errors
var (
	ErrBadSecret      = errors.New("invalid enrollment secret")
	ErrInvalidRequest = errors.New("invalid enrollment request")
	ErrAgentNotFound  = errors.New("agent not found")
)

// Store is the persistence the enrollment service needs.
type Store interface {
	store.AgentStore
	store.AuditStore
}

// TokenForgetter drops cached token lookups after rotation or revocation.
type TokenForgetter interface {
	Forget(tokenHash string)
}

// Request is what an agent presents to enroll.
type Request struct {
	EnrollmentSecret string `json:"enrollmentSecret"`
	DeviceID         string `json:"deviceId"`
	Hostname         string `json:"hostname"`
	OS               string `json:"os"`
	Arch             string `json:"arch"`
	Version          string `json:"version"`
}

func (r Request) facts() store.AgentFacts {
	return store.AgentFacts{
		Hostname: strings.TrimSpace(r.Hostname),
		OS:       strings.TrimSpace(r.OS),
		Arch:     strings.TrimSpace(r.Arch),
		Version:  strings.TrimSpace(r.Version),
	}
}

func (r Request) validate() error {
	if strings.TrimSpace(r.DeviceID) == "" {
		return fmt.Errorf("%w: deviceId is required", ErrInvalidRequest)
	}
	for name, v := range map[string]string{
		"deviceId": r.DeviceID,
		"hostname": r.Hostname,
		"os":       r.OS,
		"arch":     r.Arch,
		"version":  r.Version,
	} {
		if len(v) > maxFieldLen {
			return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidRequest, name, maxFieldLen)
		}
	}
	return nil
}

// Result is returned to the agent. Token is the only time the plaintext leaves the server.
type Result struct {
	AgentID string `json:"agentId"`
	Token   string `json:"agentToken"`
	Rotated bool   `json:"rotated"`
}

// Service enrolls and revokes agents.
type Service struct {
	store  Store
	secret string
	tokens TokenForgetter
	logger *slog.Logger
}

// NewService creates an enrollment service. secret is the configured enrollment secret
// (plaintext or bcrypt hash).
func NewService(s Store, secret string, tokens TokenForgetter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		secret: secret,
		tokens: tokens,
		logger: logger.With("component", "enroll"),
	}
}

// Enroll creates an agent for a new device or rotates the token of a known one.
func (s *Service) Enroll(ctx context.Context, req Request) (*Result, error) {
	if !auth.CheckEnrollmentSecret(s.secret, req.EnrollmentSecret) {
		s.logger.Warn("enrollment rejected: bad secret", "device_id", req.DeviceID)
		return nil, ErrBadSecret
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	deviceID := strings.TrimSpace(req.DeviceID)

	plaintext, hash, err := auth.IssueToken()
	if err != nil {
		return nil, err
	}

	existing, err := s.store.GetAgentByDeviceID(ctx, deviceID)
	switch {
	case err == nil:
		return s.rotate(ctx, existing, hash, plaintext, req.facts())
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("looking up device: %w", err)
	}

	agent := &store.Agent{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Facts:     req.facts(),
		TokenHash: hash,
		Status:    store.AgentStatusActive,
	}
	err = s.store.CreateAgent(ctx, agent)
	if errors.Is(err, store.ErrDuplicate) {
		// Another request enrolled the same device first; treat this one as a re-enrollment.
		existing, lookupErr := s.store.GetAgentByDeviceID(ctx, deviceID)
		if lookupErr != nil {
			return nil, fmt.Errorf("resolving concurrent enrollment: %w", lookupErr)
		}
		return s.rotate(ctx, existing, hash, plaintext, req.facts())
	}
	if err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}

	s.audit(ctx, store.AuditEnrollAgent, agent.ID, map[string]any{
		"deviceId": deviceID,
		"hostname": agent.Facts.Hostname,
	})
	s.logger.Info("agent enrolled", "agent_id", agent.ID, "device_id", deviceID, "hostname", agent.Facts.Hostname)
	return &Result{AgentID: agent.ID, Token: plaintext}, nil
}

func (s *Service) rotate(ctx context.Context, existing *store.Agent, hash, plaintext string, facts store.AgentFacts) (*Result, error) {
	if err := s.store.RotateAgentToken(ctx, existing.ID, hash, facts); err != nil {
		return nil, fmt.Errorf("rotating agent token: %w", err)
	}
	s.forget(existing.TokenHash)

	s.audit(ctx, store.AuditRotateAgentToken, existing.ID, map[string]any{
		"deviceId":   existing.DeviceID,
		"wasRevoked": existing.Status == store.AgentStatusRevoked,
		"hostname":   facts.Hostname,
	})
	s.logger.Info("agent re-enrolled", "agent_id", existing.ID, "device_id", existing.DeviceID)
	return &Result{AgentID: existing.ID, Token: plaintext, Rotated: true}, nil
}

// Revoke disables an agent's token. The caller is responsible for closing any live connection.
func (s *Service) Revoke(ctx context.Context, agentID, operatorID string) error {
	agent, err := s.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrAgentNotFound
	}
	if err != nil {
		return fmt.Errorf("loading agent: %w", err)
	}

	if err := s.store.RevokeAgent(ctx, agentID); err != nil {
		return fmt.Errorf("revoking agent: %w", err)
	}
	s.forget(agent.TokenHash)

	if err := s.store.AppendAuditLog(ctx, &store.AuditEntry{
		ActorType:  store.ActorOperator,
		ActorID:    operatorID,
		Action:     store.AuditRevokeAgent,
		TargetType: "agent",
		TargetID:   agentID,
	}); err != nil {
		s.logger.Error("failed to audit revocation", "agent_id", agentID, "error", err)
	}
	s.logger.Info("agent revoked", "agent_id", agentID, "by", operatorID)
	return nil
}

func (s *Service) forget(hash string) {
	if s.tokens != nil {
		s.tokens.Forget(hash)
	}
}

// audit records an agent-initiated action. Failures are logged, not returned.
func (s *Service) audit(ctx context.Context, action store.AuditAction, agentID string, detail map[string]any) {
	err := s.store.AppendAuditLog(ctx, &store.AuditEntry{
		ActorType:  store.ActorAgent,
		ActorID:    agentID,
		Action:     action,
		TargetType: "agent",
		TargetID:   agentID,
		Detail:     detail,
	})
	if err != nil {
		s.logger.Error("failed to write audit entry", "action", action, "agent_id", agentID, "error", err)
	}
}
