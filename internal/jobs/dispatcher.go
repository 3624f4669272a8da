// ABOUTME: Best-effort push of queued jobs to connected agents
// ABOUTME: Offline agents and send errors leave the job queued; dispatch is serialized per agent

package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/agent"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/protocol"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/store"
)

// dispatchTimeout bounds one background dispatch attempt.
const dispatchTimeout = 30 * time.Second

// JobReader is the read side of the job store the dispatcher needs.
type JobReader interface {
	GetJob(ctx context.Context, id string) (*store.Job, error)
	ListQueuedJobs(ctx context.Context, agentID string) ([]*store.Job, error)
}

// Registry looks up an agent's live connection.
type Registry interface {
	GetAgent(agentID string) (*agent.Connection, bool)
}

// DispatchMarker records a successful push.
type DispatchMarker interface {
	MarkDispatched(ctx context.Context, agentID, jobID string) error
}

// Outcome describes what a dispatch attempt did.
type Outcome string

const (
	OutcomeDispatched Outcome = "dispatched"
	OutcomeOffline    Outcome = "offline"
	OutcomeSendFailed Outcome = "send_failed"
	OutcomeSkipped    Outcome = "skipped" // job no longer queued
)

// agentLock serializes dispatch for one agent. refs counts holders and
// waiters so the entry can be dropped when idle.
type agentLock struct {
	mu   sync.Mutex
	refs int
}

// Dispatcher pushes queued jobs over the agent's websocket.
type Dispatcher struct {
	jobs     JobReader
	registry Registry
	marker   DispatchMarker
	logger   *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*agentLock

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(jobs JobReader, registry Registry, marker DispatchMarker, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		jobs:     jobs,
		registry: registry,
		marker:   marker,
		logger:   logger.With("component", "dispatcher"),
		locks:    make(map[string]*agentLock),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// lock acquires the per-agent dispatch lock and returns its release func.
func (d *Dispatcher) lock(agentID string) func() {
	d.locksMu.Lock()
	l, ok := d.locks[agentID]
	if !ok {
		l = &agentLock{}
		d.locks[agentID] = l
	}
	l.refs++
	d.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		d.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, agentID)
		}
		d.locksMu.Unlock()
	}
}

// TryDispatch pushes one job if it is still queued and its agent is online.
// An offline agent or a failed send is not an error: the job stays queued.
// Errors are returned only when the job cannot be read.
func (d *Dispatcher) TryDispatch(ctx context.Context, jobID string) (Outcome, error) {
	job, err := d.jobs.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("loading job: %w", err)
	}
	if job.Status != store.JobStatusQueued {
		return OutcomeSkipped, nil
	}

	unlock := d.lock(job.AgentID)
	defer unlock()
	return d.dispatchLocked(ctx, jobID)
}

// FlushQueuedForAgent dispatches every queued job of the agent, oldest first.
// It holds the agent's lock for the whole flush so a concurrent create-time
// dispatch cannot overtake the backlog. Returns how many jobs were pushed.
func (d *Dispatcher) FlushQueuedForAgent(ctx context.Context, agentID string) (int, error) {
	unlock := d.lock(agentID)
	defer unlock()

	queued, err := d.jobs.ListQueuedJobs(ctx, agentID)
	if err != nil {
		return 0, fmt.Errorf("listing queued jobs: %w", err)
	}
	if len(queued) == 0 {
		return 0, nil
	}

	d.logger.Info("flushing queued jobs", "agent_id", agentID, "count", len(queued))

	sent := 0
	for _, job := range queued {
		outcome, err := d.dispatchLocked(ctx, job.ID)
		if err != nil {
			return sent, err
		}
		switch outcome {
		case OutcomeDispatched:
			sent++
		case OutcomeOffline, OutcomeSendFailed:
			// Later jobs would fail the same way and overtake this one on the next flush.
			return sent, nil
		}
	}
	return sent, nil
}

// dispatchLocked must be called with the job's agent lock held. The job is
// re-read so a transition that landed while waiting for the lock is seen.
func (d *Dispatcher) dispatchLocked(ctx context.Context, jobID string) (Outcome, error) {
	job, err := d.jobs.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("loading job: %w", err)
	}
	if job.Status != store.JobStatusQueued {
		return OutcomeSkipped, nil
	}

	conn, ok := d.registry.GetAgent(job.AgentID)
	if !ok {
		d.logger.Debug("agent offline, job stays queued", "job_id", job.ID, "agent_id", job.AgentID)
		return OutcomeOffline, nil
	}

	if err := conn.Send(runScriptMessage(job)); err != nil {
		d.logger.Warn("send failed, job stays queued",
			"job_id", job.ID,
			"agent_id", job.AgentID,
			"connection_id", conn.ID,
			"error", err,
		)
		return OutcomeSendFailed, nil
	}

	if err := d.marker.MarkDispatched(ctx, job.AgentID, job.ID); err != nil {
		// The frame is on the wire. The agent may already have reported
		// running or finished, which supersedes dispatched.
		if errors.Is(err, ErrJobTerminal) || errors.Is(err, ErrInvalidStatus) {
			d.logger.Debug("job moved on before dispatch was recorded", "job_id", job.ID, "error", err)
			return OutcomeDispatched, nil
		}
		return "", fmt.Errorf("marking job dispatched: %w", err)
	}

	d.logger.Info("job dispatched", "job_id", job.ID, "agent_id", job.AgentID, "connection_id", conn.ID)
	return OutcomeDispatched, nil
}

// Enqueue attempts dispatch on a background goroutine and returns at once.
func (d *Dispatcher) Enqueue(jobID string) {
	d.spawn(func(ctx context.Context) {
		if _, err := d.TryDispatch(ctx, jobID); err != nil {
			d.logger.Error("dispatch attempt failed", "job_id", jobID, "error", err)
		}
	})
}

// EnqueueFlush runs FlushQueuedForAgent on a background goroutine.
func (d *Dispatcher) EnqueueFlush(agentID string) {
	d.spawn(func(ctx context.Context) {
		if _, err := d.FlushQueuedForAgent(ctx, agentID); err != nil {
			d.logger.Error("flush failed", "agent_id", agentID, "error", err)
		}
	})
}

// spawn runs fn on a tracked goroutine unless the dispatcher is closed.
func (d *Dispatcher) spawn(fn func(ctx context.Context)) {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if d.closed {
		d.logger.Debug("dispatcher closed, work dropped")
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(d.ctx, dispatchTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until every background attempt started so far has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting background work, cancels in-flight attempts and waits for them.
func (d *Dispatcher) Close() {
	d.closeMu.Lock()
	d.closed = true
	d.closeMu.Unlock()

	d.cancel()
	d.wg.Wait()
}

func runScriptMessage(job *store.Job) protocol.RunScript {
	return protocol.RunScript{
		JobID:      job.ID,
		Language:   job.Payload.Language,
		ScriptText: job.Payload.ScriptText,
		Args:       job.Payload.Args,
		Env:        job.Payload.Env,
		TimeoutSec: job.Payload.TimeoutSec,
	}
}
