// ABOUTME: Store interfaces and shared errors for remoteiq-gateway persistence
// ABOUTME: Splits agent, job, inventory, operator and audit operations into focused interfaces

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique constraint rejects an insert
var ErrDuplicate = errors.New("already exists")

// ErrInvalidTransition is returned when a job status update is not allowed from the current status
var ErrInvalidTransition = errors.New("invalid job status transition")

// ErrJobTerminal is returned when a job has already reached a terminal status.
// It wraps ErrInvalidTransition so callers can match either.
var ErrJobTerminal = fmt.Errorf("%w: job already finished", ErrInvalidTransition)

// AgentStore persists enrolled agents and their bearer token hashes.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByDeviceID(ctx context.Context, deviceID string) (*Agent, error)

	// GetAgentByTokenHash only matches active agents.
	GetAgentByTokenHash(ctx context.Context, tokenHash string) (*Agent, error)

	// RotateAgentToken replaces the token hash, refreshes facts, and re-activates the agent.
	RotateAgentToken(ctx context.Context, id, tokenHash string, facts AgentFacts) error
	UpdateAgentFacts(ctx context.Context, id string, facts AgentFacts, seenAt time.Time) error
	TouchAgent(ctx context.Context, id string, seenAt time.Time) error
	RevokeAgent(ctx context.Context, id string) error
	ListAgents(ctx context.Context) ([]*Agent, error)
}

// JobStore persists jobs and their results. Status changes are enforced here:
// an update only applies when the stored status is an allowed predecessor.
type JobStore interface {
	InsertQueuedJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	GetJobWithResult(ctx context.Context, id string) (*Job, *JobResult, error)
	MarkJobDispatched(ctx context.Context, id string, at time.Time) error
	MarkJobRunning(ctx context.Context, id string, at time.Time) error

	// FinishJob sets the terminal status and inserts the result in one transaction.
	FinishJob(ctx context.Context, id string, status JobStatus, result *JobResult) error

	// ListQueuedJobs returns the agent's queued jobs, oldest first.
	ListQueuedJobs(ctx context.Context, agentID string) ([]*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
}

// InventoryStore persists per-agent software inventory with replace-all semantics.
type InventoryStore interface {
	ReplaceAgentSoftware(ctx context.Context, agentID string, items []SoftwareItem) error
	ListAgentSoftware(ctx context.Context, agentID string) ([]SoftwareItem, error)
}

// OperatorStore persists the humans and automations allowed to create jobs.
type OperatorStore interface {
	CreateOperator(ctx context.Context, op *Operator) error
	GetOperator(ctx context.Context, id string) (*Operator, error)
	CountOperators(ctx context.Context) (int, error)
}

// AuditStore records who did what to which resource.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// Store is the full persistence surface used by the gateway.
type Store interface {
	AgentStore
	JobStore
	InventoryStore
	OperatorStore
	AuditStore

	// Close releases any resources held by the store
	Close() error
}
