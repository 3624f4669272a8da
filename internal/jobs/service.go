// ABOUTME: JobsService creates run-script jobs and applies every status transition
// ABOUTME: Record first, then dispatch: a job row exists before any push is attempted

package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/dedupe"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/store"
)

// Service errors. Handlers map them to HTTP statuses.
var (
	ErrAgentNotFound  = errors.New("agent not found")
	ErrAgentRevoked   = errors.New("agent revoked")
	ErrJobNotFound    = errors.New("job not found")
	ErrNotJobOwner    = errors.New("job belongs to another agent")
	ErrInvalidPayload = errors.New("invalid job payload")
	ErrInvalidStatus  = errors.New("invalid job status")
	ErrJobTerminal    = errors.New("job already finished")
)

const (
	// DefaultTimeout is used when neither the request nor the config sets one.
	DefaultTimeout = 5 * time.Minute

	// MaxOutputBytes caps stored stdout and stderr.
	MaxOutputBytes = 1 << 20

	maxLanguageLen = 32
	maxScriptBytes = 256 << 10
	maxArgs        = 64
	maxEnv         = 64
)

// Store is the persistence the jobs layer needs.
type Store interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	GetAgentByDeviceID(ctx context.Context, deviceID string) (*store.Agent, error)
	store.JobStore
	AppendAuditLog(ctx context.Context, entry *store.AuditEntry) error
}

// Enqueuer schedules an asynchronous dispatch attempt.
type Enqueuer interface {
	Enqueue(jobID string)
}

// Options configures a Service. Zero values get defaults.
type Options struct {
	DefaultTimeout time.Duration
	// Idempotency, when set, makes a repeated Idempotency-Key return the first job.
	Idempotency *dedupe.Cache
	Events      *EventBroadcaster
	Logger      *slog.Logger
}

// Service owns the job lifecycle. Agents report through MarkRunning and
// Finish; the dispatcher reports through MarkDispatched.
type Service struct {
	store          Store
	dispatcher     Enqueuer
	events         *EventBroadcaster
	idem           *dedupe.Cache
	defaultTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

// NewService creates a Service. Call SetDispatcher before Create is used.
func NewService(s Store, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{
		store:          s,
		events:         opts.Events,
		idem:           opts.Idempotency,
		defaultTimeout: timeout,
		now:            func() time.Time { return time.Now().UTC() },
		logger:         logger.With("component", "jobs"),
	}
}

// SetDispatcher wires the dispatcher. It is separate from NewService because
// the dispatcher reports back through the service.
func (s *Service) SetDispatcher(d Enqueuer) {
	s.dispatcher = d
}

// CreateRequest asks for a script to run on one agent. Exactly one of
// AgentID or DeviceID identifies the target.
type CreateRequest struct {
	AgentID        string
	DeviceID       string
	Language       string
	ScriptText     string
	Args           []string
	Env            map[string]string
	TimeoutSec     int
	CreatedBy      string
	IdempotencyKey string
}

// CreateResult is returned synchronously, before any delivery.
type CreateResult struct {
	JobID    string          `json:"jobId"`
	AgentID  string          `json:"agentId"`
	Status   store.JobStatus `json:"status"`
	Replayed bool            `json:"replayed,omitempty"`
}

// Create resolves the target agent, persists a queued job and requests an
// asynchronous dispatch. It never waits for, or fails because of, delivery.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	payload, err := s.payload(req)
	if err != nil {
		return nil, err
	}

	target, err := s.resolveAgent(ctx, req.AgentID, req.DeviceID)
	if err != nil {
		return nil, err
	}

	jobID := uuid.New().String()
	idemKey := ""
	if s.idem != nil && req.IdempotencyKey != "" {
		idemKey = req.CreatedBy + "\x00" + req.IdempotencyKey
		if existing, loaded := s.idem.LoadOrStore(idemKey, jobID); loaded {
			return s.replay(ctx, existing)
		}
	}

	job := &store.Job{
		ID:        jobID,
		AgentID:   target.ID,
		Type:      store.JobTypeRunScript,
		Payload:   payload,
		CreatedBy: req.CreatedBy,
		CreatedAt: s.now(),
	}
	if err := s.store.InsertQueuedJob(ctx, job); err != nil {
		if idemKey != "" {
			s.idem.Forget(idemKey)
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("persisting job: %w", err)
	}

	s.logger.Info("job queued",
		"job_id", job.ID,
		"agent_id", job.AgentID,
		"language", payload.Language,
		"created_by", req.CreatedBy,
	)
	s.audit(ctx, &store.AuditEntry{
		ActorType:  store.ActorOperator,
		ActorID:    req.CreatedBy,
		Action:     store.AuditCreateJob,
		TargetType: "job",
		TargetID:   job.ID,
		Detail:     map[string]any{"agentId": job.AgentID, "language": payload.Language},
	})
	s.publish(job.ID, job.AgentID, store.JobStatusQueued)

	if s.dispatcher != nil {
		s.dispatcher.Enqueue(job.ID)
	}

	return &CreateResult{JobID: job.ID, AgentID: job.AgentID, Status: store.JobStatusQueued}, nil
}

// replay answers a repeated idempotency key with the job the first request created.
func (s *Service) replay(ctx context.Context, jobID string) (*CreateResult, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		// The first request has claimed the key but not yet inserted its row.
		return &CreateResult{JobID: jobID, Status: store.JobStatusQueued, Replayed: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}
	return &CreateResult{JobID: job.ID, AgentID: job.AgentID, Status: job.Status, Replayed: true}, nil
}

// resolveAgent finds the target by agent id or by stable device id.
func (s *Service) resolveAgent(ctx context.Context, agentID, deviceID string) (*store.Agent, error) {
	var a *store.Agent
	var err error
	switch {
	case agentID != "":
		a, err = s.store.GetAgent(ctx, agentID)
	case deviceID != "":
		a, err = s.store.GetAgentByDeviceID(ctx, deviceID)
	default:
		return nil, fmt.Errorf("%w: agentId or deviceId is required", ErrInvalidPayload)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolving agent: %w", err)
	}
	if !a.Active() {
		return nil, ErrAgentRevoked
	}
	return a, nil
}

func (s *Service) payload(req CreateRequest) (store.ScriptPayload, error) {
	p := store.ScriptPayload{
		Language:   strings.TrimSpace(req.Language),
		ScriptText: req.ScriptText,
		Args:       req.Args,
		Env:        req.Env,
		TimeoutSec: req.TimeoutSec,
	}
	switch {
	case p.Language == "":
		return p, fmt.Errorf("%w: language is required", ErrInvalidPayload)
	case len(p.Language) > maxLanguageLen:
		return p, fmt.Errorf("%w: language too long", ErrInvalidPayload)
	case strings.TrimSpace(p.ScriptText) == "":
		return p, fmt.Errorf("%w: scriptText is required", ErrInvalidPayload)
	case len(p.ScriptText) > maxScriptBytes:
		return p, fmt.Errorf("%w: scriptText exceeds %d bytes", ErrInvalidPayload, maxScriptBytes)
	case len(p.Args) > maxArgs:
		return p, fmt.Errorf("%w: more than %d args", ErrInvalidPayload, maxArgs)
	case len(p.Env) > maxEnv:
		return p, fmt.Errorf("%w: more than %d env vars", ErrInvalidPayload, maxEnv)
	case p.TimeoutSec < 0:
		return p, fmt.Errorf("%w: timeoutSec must not be negative", ErrInvalidPayload)
	}
	for k := range p.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return p, fmt.Errorf("%w: bad env name %q", ErrInvalidPayload, k)
		}
	}
	if p.TimeoutSec == 0 {
		p.TimeoutSec = int(s.defaultTimeout / time.Second)
	}
	return p, nil
}

// Get returns a job and its result; the result is nil until the job is terminal.
func (s *Service) Get(ctx context.Context, jobID string) (*store.Job, *store.JobResult, error) {
	job, result, err := s.store.GetJobWithResult(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrJobNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading job: %w", err)
	}
	return job, result, nil
}

// List returns jobs matching f, newest first.
func (s *Service) List(ctx context.Context, f store.JobFilter) ([]*store.Job, error) {
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, st)
		}
	}
	jobs, err := s.store.ListJobs(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	return jobs, nil
}

// MarkDispatched records a successful push. Called by the Dispatcher.
func (s *Service) MarkDispatched(ctx context.Context, agentID, jobID string) error {
	if err := s.store.MarkJobDispatched(ctx, jobID, s.now()); err != nil {
		return translate(err)
	}
	s.publish(jobID, agentID, store.JobStatusDispatched)
	return nil
}

// MarkRunning handles an agent's running report. Repeats are tolerated.
func (s *Service) MarkRunning(ctx context.Context, agentID, jobID string) error {
	if _, err := s.ownedJob(ctx, agentID, jobID); err != nil {
		return err
	}
	if err := s.store.MarkJobRunning(ctx, jobID, s.now()); err != nil {
		return translate(err)
	}
	s.logger.Debug("job running", "job_id", jobID, "agent_id", agentID)
	s.publish(jobID, agentID, store.JobStatusRunning)
	return nil
}

// FinishReport is what an agent posts when a job ends.
type FinishReport struct {
	Status     store.JobStatus
	ExitCode   *int
	Stdout     string
	Stderr     string
	DurationMs *int64
}

// Finish moves the job to the reported terminal status and stores its result
// in one transaction. A job that already finished is left untouched and
// ErrJobTerminal is returned.
func (s *Service) Finish(ctx context.Context, agentID, jobID string, report FinishReport) (*store.Job, *store.JobResult, error) {
	if !report.Status.Terminal() {
		return nil, nil, fmt.Errorf("%w: %q is not a terminal status", ErrInvalidStatus, report.Status)
	}
	if report.DurationMs != nil && *report.DurationMs < 0 {
		return nil, nil, fmt.Errorf("%w: durationMs must not be negative", ErrInvalidPayload)
	}
	if _, err := s.ownedJob(ctx, agentID, jobID); err != nil {
		return nil, nil, err
	}

	result := &store.JobResult{
		ExitCode:   report.ExitCode,
		Stdout:     truncate(report.Stdout, MaxOutputBytes),
		Stderr:     truncate(report.Stderr, MaxOutputBytes),
		DurationMs: report.DurationMs,
		CreatedAt:  s.now(),
	}
	if err := s.store.FinishJob(ctx, jobID, report.Status, result); err != nil {
		if errors.Is(err, store.ErrJobTerminal) {
			s.logger.Warn("duplicate finish ignored", "job_id", jobID, "agent_id", agentID, "status", report.Status)
		}
		return nil, nil, translate(err)
	}

	s.logger.Info("job finished",
		"job_id", jobID,
		"agent_id", agentID,
		"status", report.Status,
	)
	s.audit(ctx, &store.AuditEntry{
		ActorType:  store.ActorAgent,
		ActorID:    agentID,
		Action:     store.AuditFinishJob,
		TargetType: "job",
		TargetID:   jobID,
		Detail:     map[string]any{"status": string(report.Status)},
	})
	s.publish(jobID, agentID, report.Status)

	return s.Get(ctx, jobID)
}

// ownedJob loads a job and checks it belongs to agentID.
func (s *Service) ownedJob(ctx context.Context, agentID, jobID string) (*store.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}
	if job.AgentID != agentID {
		s.logger.Warn("agent reported on a job it does not own",
			"job_id", jobID,
			"agent_id", agentID,
			"owner_id", job.AgentID,
		)
		return nil, ErrNotJobOwner
	}
	return job, nil
}

func (s *Service) publish(jobID, agentID string, status store.JobStatus) {
	if s.events == nil {
		return
	}
	s.events.Publish(&Event{JobID: jobID, AgentID: agentID, Status: status, At: s.now()})
}

func (s *Service) audit(ctx context.Context, e *store.AuditEntry) {
	if err := s.store.AppendAuditLog(ctx, e); err != nil {
		s.logger.Error("failed to write audit entry", "action", e.Action, "target_id", e.TargetID, "error", err)
	}
}

// translate maps store errors onto this package's errors.
func translate(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrJobNotFound
	case errors.Is(err, store.ErrJobTerminal):
		return ErrJobTerminal
	case errors.Is(err, store.ErrInvalidTransition):
		return fmt.Errorf("%w: %v", ErrInvalidStatus, err)
	default:
		return fmt.Errorf("updating job: %w", err)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Back off to a rune boundary so the stored text stays valid UTF-8
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
