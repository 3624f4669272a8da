// ABOUTME: Cron-driven maintenance: reports stuck jobs and re-flushes queues of online agents
// ABOUTME: Never changes a job's status; there is no server-side timeout

package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/store"
)

// sweepTimeout bounds one scheduled run.
const sweepTimeout = time.Minute

// JobLister lists jobs for the stuck check.
type JobLister interface {
	ListJobs(ctx context.Context, f store.JobFilter) ([]*store.Job, error)
}

// OnlineLister reports which agents are connected.
type OnlineLister interface {
	OnlineAgentIDs() []string
}

// Flusher re-dispatches an agent's queued backlog.
type Flusher interface {
	FlushQueuedForAgent(ctx context.Context, agentID string) (int, error)
}

// SweeperConfig configures a Sweeper. An empty RedispatchSchedule disables
// redispatch. StuckCheckSchedule is required.
type SweeperConfig struct {
	Jobs               JobLister
	Online             OnlineLister
	Dispatcher         Flusher
	StuckAfter         time.Duration
	StuckCheckSchedule string
	RedispatchSchedule string
	Logger             *slog.Logger
}

// Sweeper runs periodic maintenance on a cron scheduler.
type Sweeper struct {
	cron       *cron.Cron
	jobs       JobLister
	online     OnlineLister
	dispatcher Flusher
	stuckAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewSweeper validates the schedules and registers the maintenance functions.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		cron:       cron.New(),
		jobs:       cfg.Jobs,
		online:     cfg.Online,
		dispatcher: cfg.Dispatcher,
		stuckAfter: cfg.StuckAfter,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With("component", "sweeper"),
	}

	if _, err := s.cron.AddFunc(cfg.StuckCheckSchedule, s.runStuckCheck); err != nil {
		return nil, fmt.Errorf("stuck_check_schedule %q: %w", cfg.StuckCheckSchedule, err)
	}
	if cfg.RedispatchSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.RedispatchSchedule, s.runRedispatch); err != nil {
			return nil, fmt.Errorf("redispatch_schedule %q: %w", cfg.RedispatchSchedule, err)
		}
	}
	return s, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("sweeper started", "entries", len(s.cron.Entries()))
}

// Stop halts the scheduler and waits for a running sweep to finish or ctx to end.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (s *Sweeper) runStuckCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	if _, err := s.CheckStuck(ctx); err != nil {
		s.logger.Error("stuck check failed", "error", err)
	}
}

func (s *Sweeper) runRedispatch() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	s.Redispatch(ctx)
}

// CheckStuck logs a warning for every non-terminal job created more than
// StuckAfter ago and returns them. It does not change them.
func (s *Sweeper) CheckStuck(ctx context.Context) ([]*store.Job, error) {
	cutoff := s.now().Add(-s.stuckAfter)
	stuck, err := s.jobs.ListJobs(ctx, store.JobFilter{
		Statuses:      []store.JobStatus{store.JobStatusQueued, store.JobStatusDispatched, store.JobStatusRunning},
		CreatedBefore: &cutoff,
		Limit:         1000,
	})
	if err != nil {
		return nil, fmt.Errorf("listing stuck jobs: %w", err)
	}

	for _, j := range stuck {
		s.logger.Warn("job has not finished",
			"job_id", j.ID,
			"agent_id", j.AgentID,
			"status", j.Status,
			"age", s.now().Sub(j.CreatedAt).Round(time.Second).String(),
		)
	}
	return stuck, nil
}

// Redispatch flushes the queued backlog of every connected agent and returns
// how many jobs were pushed.
func (s *Sweeper) Redispatch(ctx context.Context) int {
	total := 0
	for _, id := range s.online.OnlineAgentIDs() {
		n, err := s.dispatcher.FlushQueuedForAgent(ctx, id)
		if err != nil {
			s.logger.Error("redispatch failed", "agent_id", id, "error", err)
			continue
		}
		total += n
	}
	if total > 0 {
		s.logger.Info("redispatched queued jobs", "count", total)
	}
	return total
}
