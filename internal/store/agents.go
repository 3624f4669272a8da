// ABOUTME: Agent entity and SQLite store methods for enrolled endpoint agents
// ABOUTME: Agents are looked up by id, device id, or the sha256 hash of their bearer token

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AgentStatus is the enrollment state of an agent.
type AgentStatus string

const (
	AgentStatusActive  AgentStatus = "active"
	AgentStatusRevoked AgentStatus = "revoked"
)

// AgentFacts are the self-reported host details an agent sends on enroll and ping.
type AgentFacts struct {
	Hostname string
	OS       string
	Arch     string
	Version  string
}

// Agent is an enrolled endpoint. The bearer token itself is never stored, only its hash.
type Agent struct {
	ID         string
	DeviceID   string
	Facts      AgentFacts
	TokenHash  string
	Status     AgentStatus
	EnrolledAt time.Time
	UpdatedAt  time.Time
	LastSeenAt *time.Time
}

// Active reports whether the agent may authenticate and receive jobs.
func (a *Agent) Active() bool {
	return a.Status == AgentStatusActive
}

const agentColumns = `id, device_id, hostname, os, arch, version, token_hash, status, enrolled_at, updated_at, last_seen_at`

// CreateAgent inserts a new agent. Returns ErrDuplicate if the id, device id, or token hash is taken.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.Status == "" {
		agent.Status = AgentStatusActive
	}
	now := time.Now().UTC()
	if agent.EnrolledAt.IsZero() {
		agent.EnrolledAt = now
	}
	if agent.UpdatedAt.IsZero() {
		agent.UpdatedAt = agent.EnrolledAt
	}

	query := `
		INSERT INTO agents (id, device_id, hostname, os, arch, version, token_hash, status, enrolled_at, updated_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		agent.ID,
		agent.DeviceID,
		agent.Facts.Hostname,
		agent.Facts.OS,
		agent.Facts.Arch,
		agent.Facts.Version,
		agent.TokenHash,
		string(agent.Status),
		formatTime(agent.EnrolledAt),
		formatTime(agent.UpdatedAt),
		formatTimePtr(agent.LastSeenAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "device_id", agent.DeviceID)
	return nil
}

// GetAgent retrieves an agent by ID regardless of status.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// GetAgentByDeviceID retrieves an agent by its stable device identifier.
func (s *SQLiteStore) GetAgentByDeviceID(ctx context.Context, deviceID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE device_id = ?`, deviceID)
	return scanAgent(row)
}

// GetAgentByTokenHash retrieves the active agent owning the token hash.
// Revoked agents are reported as ErrNotFound.
func (s *SQLiteStore) GetAgentByTokenHash(ctx context.Context, tokenHash string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE token_hash = ? AND status = ?`,
		tokenHash, string(AgentStatusActive),
	)
	return scanAgent(row)
}

// RotateAgentToken swaps in a new token hash, refreshes non-empty facts, and re-activates the agent.
func (s *SQLiteStore) RotateAgentToken(ctx context.Context, id, tokenHash string, facts AgentFacts) error {
	query := `
		UPDATE agents SET
			token_hash = ?,
			status = ?,
			hostname = COALESCE(NULLIF(?, ''), hostname),
			os = COALESCE(NULLIF(?, ''), os),
			arch = COALESCE(NULLIF(?, ''), arch),
			version = COALESCE(NULLIF(?, ''), version),
			updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		tokenHash,
		string(AgentStatusActive),
		facts.Hostname, facts.OS, facts.Arch, facts.Version,
		formatTime(time.Now()),
		id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("rotating agent token: %w", err)
	}
	return requireAffected(result)
}

// UpdateAgentFacts refreshes non-empty facts and the last-seen time.
func (s *SQLiteStore) UpdateAgentFacts(ctx context.Context, id string, facts AgentFacts, seenAt time.Time) error {
	query := `
		UPDATE agents SET
			hostname = COALESCE(NULLIF(?, ''), hostname),
			os = COALESCE(NULLIF(?, ''), os),
			arch = COALESCE(NULLIF(?, ''), arch),
			version = COALESCE(NULLIF(?, ''), version),
			last_seen_at = ?,
			updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		facts.Hostname, facts.OS, facts.Arch, facts.Version,
		formatTime(seenAt),
		formatTime(seenAt),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating agent facts: %w", err)
	}
	return requireAffected(result)
}

// TouchAgent records that the agent was seen at the given time.
func (s *SQLiteStore) TouchAgent(ctx context.Context, id string, seenAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_seen_at = ? WHERE id = ?`,
		formatTime(seenAt), id,
	)
	if err != nil {
		return fmt.Errorf("touching agent: %w", err)
	}
	return requireAffected(result)
}

// RevokeAgent marks the agent revoked. Its token stops authenticating immediately.
func (s *SQLiteStore) RevokeAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`,
		string(AgentStatusRevoked), formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("revoking agent: %w", err)
	}
	return requireAffected(result)
}

// ListAgents returns all agents ordered by enrollment time.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY enrolled_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	return agents, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var status, enrolledAt, updatedAt string
	var lastSeen sql.NullString

	err := row.Scan(
		&a.ID,
		&a.DeviceID,
		&a.Facts.Hostname,
		&a.Facts.OS,
		&a.Facts.Arch,
		&a.Facts.Version,
		&a.TokenHash,
		&status,
		&enrolledAt,
		&updatedAt,
		&lastSeen,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	a.Status = AgentStatus(status)
	if a.EnrolledAt, err = parseTime(enrolledAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if a.LastSeenAt, err = parseNullTime(lastSeen); err != nil {
		return nil, err
	}
	return &a, nil
}

// requireAffected maps a zero-row update to ErrNotFound.
func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
