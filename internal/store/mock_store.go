// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping the same status rules

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	agents    map[string]*Agent // keyed by agent ID
	jobs      map[string]*mockJob
	results   map[string]*JobResult // keyed by job ID
	software  map[string][]SoftwareItem
	operators map[string]*Operator
	audit     []AuditEntry
	seq       int64

	// FailNextDispatch makes the next MarkJobDispatched call return this error.
	FailNextDispatch error
}

type mockJob struct {
	job Job
	seq int64
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:    make(map[string]*Agent),
		jobs:      make(map[string]*mockJob),
		results:   make(map[string]*JobResult),
		software:  make(map[string][]SoftwareItem),
		operators: make(map[string]*Operator),
	}
}

// CreateAgent stores a new agent.
func (m *MockStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.agents {
		if a.ID == agent.ID || a.DeviceID == agent.DeviceID || a.TokenHash == agent.TokenHash {
			return ErrDuplicate
		}
	}
	if agent.Status == "" {
		agent.Status = AgentStatusActive
	}
	if agent.EnrolledAt.IsZero() {
		agent.EnrolledAt = time.Now().UTC()
	}
	if agent.UpdatedAt.IsZero() {
		agent.UpdatedAt = agent.EnrolledAt
	}

	a := *agent
	m.agents[a.ID] = &a
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// GetAgentByDeviceID retrieves an agent by device ID.
func (m *MockStore) GetAgentByDeviceID(ctx context.Context, deviceID string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.agents {
		if a.DeviceID == deviceID {
			result := *a
			return &result, nil
		}
	}
	return nil, ErrNotFound
}

// GetAgentByTokenHash retrieves the active agent owning the token hash.
func (m *MockStore) GetAgentByTokenHash(ctx context.Context, tokenHash string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.agents {
		if a.TokenHash == tokenHash && a.Active() {
			result := *a
			return &result, nil
		}
	}
	return nil, ErrNotFound
}

// RotateAgentToken swaps the token hash and re-activates the agent.
func (m *MockStore) RotateAgentToken(ctx context.Context, id, tokenHash string, facts AgentFacts) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	for _, other := range m.agents {
		if other.ID != id && other.TokenHash == tokenHash {
			return ErrDuplicate
		}
	}
	a.TokenHash = tokenHash
	a.Status = AgentStatusActive
	mergeFacts(&a.Facts, facts)
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateAgentFacts refreshes non-empty facts and the last-seen time.
func (m *MockStore) UpdateAgentFacts(ctx context.Context, id string, facts AgentFacts, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	mergeFacts(&a.Facts, facts)
	seen := seenAt.UTC()
	a.LastSeenAt = &seen
	a.UpdatedAt = seen
	return nil
}

// TouchAgent records a last-seen time.
func (m *MockStore) TouchAgent(ctx context.Context, id string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	seen := seenAt.UTC()
	a.LastSeenAt = &seen
	return nil
}

// RevokeAgent marks the agent revoked.
func (m *MockStore) RevokeAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = AgentStatusRevoked
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// ListAgents returns all agents ordered by enrollment time.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		result := *a
		agents = append(agents, &result)
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].EnrolledAt.Equal(agents[j].EnrolledAt) {
			return agents[i].ID < agents[j].ID
		}
		return agents[i].EnrolledAt.Before(agents[j].EnrolledAt)
	})
	return agents, nil
}

func mergeFacts(dst *AgentFacts, src AgentFacts) {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}
	if src.OS != "" {
		dst.OS = src.OS
	}
	if src.Arch != "" {
		dst.Arch = src.Arch
	}
	if src.Version != "" {
		dst.Version = src.Version
	}
}

// InsertQueuedJob stores a new queued job.
func (m *MockStore) InsertQueuedJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.agents[job.AgentID]; !ok {
		return ErrNotFound
	}
	if job.Type == "" {
		job.Type = JobTypeRunScript
	}
	job.Status = JobStatusQueued
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	m.seq++
	m.jobs[job.ID] = &mockJob{job: copyJob(job), seq: m.seq}
	return nil
}

// GetJob retrieves a job by ID.
func (m *MockStore) GetJob(ctx context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mj, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	j := copyJob(&mj.job)
	return &j, nil
}

// GetJobWithResult retrieves a job and its result, if any.
func (m *MockStore) GetJobWithResult(ctx context.Context, id string) (*Job, *JobResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mj, ok := m.jobs[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	j := copyJob(&mj.job)
	r, ok := m.results[id]
	if !ok {
		return &j, nil, nil
	}
	result := *r
	return &j, &result, nil
}

// MarkJobDispatched moves a queued job to dispatched.
func (m *MockStore) MarkJobDispatched(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.FailNextDispatch; err != nil {
		m.FailNextDispatch = nil
		return err
	}

	j, err := m.transitionLocked(id, JobStatusDispatched)
	if err != nil {
		return err
	}
	t := at.UTC()
	j.DispatchedAt = &t
	return nil
}

// MarkJobRunning moves a job to running, keeping the first started_at.
func (m *MockStore) MarkJobRunning(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.transitionLocked(id, JobStatusRunning)
	if err != nil {
		return err
	}
	if j.StartedAt == nil {
		t := at.UTC()
		j.StartedAt = &t
	}
	return nil
}

// FinishJob moves a job to a terminal status and stores its result.
func (m *MockStore) FinishJob(ctx context.Context, id string, status JobStatus, result *JobResult) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not a terminal status", ErrInvalidTransition, status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.results[id]; ok {
		return ErrJobTerminal
	}
	j, err := m.transitionLocked(id, status)
	if err != nil {
		return err
	}

	if result == nil {
		result = &JobResult{}
	}
	result.JobID = id
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	finished := result.CreatedAt
	j.FinishedAt = &finished

	r := *result
	m.results[id] = &r
	return nil
}

func (m *MockStore) transitionLocked(id string, next JobStatus) (*Job, error) {
	mj, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !mj.job.Status.CanTransitionTo(next) {
		return nil, transitionError(mj.job.Status, next)
	}
	mj.job.Status = next
	return &mj.job, nil
}

// ListQueuedJobs returns the agent's queued jobs, oldest first.
func (m *MockStore) ListQueuedJobs(ctx context.Context, agentID string) ([]*Job, error) {
	return m.listJobs(func(j *Job) bool {
		return j.AgentID == agentID && j.Status == JobStatusQueued
	}, false, 0), nil
}

// ListJobs returns jobs matching the filter, newest first.
func (m *MockStore) ListJobs(ctx context.Context, f JobFilter) ([]*Job, error) {
	return m.listJobs(func(j *Job) bool {
		if f.AgentID != "" && j.AgentID != f.AgentID {
			return false
		}
		if f.CreatedBefore != nil && !j.CreatedAt.Before(*f.CreatedBefore) {
			return false
		}
		if len(f.Statuses) == 0 {
			return true
		}
		for _, st := range f.Statuses {
			if j.Status == st {
				return true
			}
		}
		return false
	}, true, normalizeLimit(f.Limit)), nil
}

func (m *MockStore) listJobs(match func(*Job) bool, newestFirst bool, limit int) []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*mockJob
	for _, mj := range m.jobs {
		if match(&mj.job) {
			matched = append(matched, mj)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if newestFirst {
			a, b = b, a
		}
		if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
			return a.job.CreatedAt.Before(b.job.CreatedAt)
		}
		return a.seq < b.seq
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	jobs := make([]*Job, 0, len(matched))
	for _, mj := range matched {
		j := copyJob(&mj.job)
		jobs = append(jobs, &j)
	}
	return jobs
}

func copyJob(j *Job) Job {
	c := *j
	if j.Payload.Args != nil {
		c.Payload.Args = append([]string(nil), j.Payload.Args...)
	}
	if j.Payload.Env != nil {
		c.Payload.Env = make(map[string]string, len(j.Payload.Env))
		for k, v := range j.Payload.Env {
			c.Payload.Env[k] = v
		}
	}
	return c
}

// ReplaceAgentSoftware replaces the agent's inventory.
func (m *MockStore) ReplaceAgentSoftware(ctx context.Context, agentID string, items []SoftwareItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[agentID]; !ok && len(items) > 0 {
		return ErrNotFound
	}
	m.software[agentID] = append([]SoftwareItem(nil), items...)
	return nil
}

// ListAgentSoftware returns the agent's inventory sorted by name.
func (m *MockStore) ListAgentSoftware(ctx context.Context, agentID string) ([]SoftwareItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := append([]SoftwareItem{}, m.software[agentID]...)
	sort.Slice(items, func(i, j int) bool {
		if items[i].Name == items[j].Name {
			return items[i].Version < items[j].Version
		}
		return items[i].Name < items[j].Name
	})
	return items, nil
}

// CreateOperator stores a new operator.
func (m *MockStore) CreateOperator(ctx context.Context, op *Operator) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.operators[op.ID]; ok {
		return ErrDuplicate
	}
	if op.Status == "" {
		op.Status = OperatorStatusActive
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	o := *op
	m.operators[o.ID] = &o
	return nil
}

// GetOperator retrieves an operator by ID.
func (m *MockStore) GetOperator(ctx context.Context, id string) (*Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	op, ok := m.operators[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *op
	return &result, nil
}

// CountOperators returns how many operators exist.
func (m *MockStore) CountOperators(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.operators), nil
}

// AppendAuditLog appends an audit entry.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns matching audit entries, newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.Timestamp.After(*f.Until) {
			continue
		}
		if f.ActorID != nil && e.ActorID != *f.ActorID {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		if f.TargetType != nil && e.TargetType != *f.TargetType {
			continue
		}
		if f.TargetID != nil && e.TargetID != *f.TargetID {
			continue
		}
		entries = append(entries, e)
		if len(entries) >= normalizeLimit(f.Limit) {
			break
		}
	}
	return entries, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface checks.
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
