// ABOUTME: Job entity, status state machine, and SQLite store methods for remote script jobs
// ABOUTME: Status updates apply only from allowed predecessor statuses so terminal jobs never change

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobType identifies what an agent is asked to do.
type JobType string

// JobTypeRunScript is the only job type today.
const JobTypeRunScript JobType = "run_script"

// JobStatus is a job's position in its lifecycle.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusDispatched JobStatus = "dispatched"
	JobStatusRunning    JobStatus = "running"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
	JobStatusTimeout    JobStatus = "timeout"
)

// AllJobStatuses lists every status in lifecycle order.
var AllJobStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusDispatched,
	JobStatusRunning,
	JobStatusSucceeded,
	JobStatusFailed,
	JobStatusTimeout,
}

// predecessors maps each status to the statuses it may be entered from.
// running may be re-entered so a repeated running report is harmless.
var predecessors = map[JobStatus][]JobStatus{
	JobStatusDispatched: {JobStatusQueued},
	JobStatusRunning:    {JobStatusQueued, JobStatusDispatched, JobStatusRunning},
	JobStatusSucceeded:  {JobStatusQueued, JobStatusDispatched, JobStatusRunning},
	JobStatusFailed:     {JobStatusQueued, JobStatusDispatched, JobStatusRunning},
	JobStatusTimeout:    {JobStatusQueued, JobStatusDispatched, JobStatusRunning},
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	for _, v := range AllJobStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a final status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusTimeout:
		return true
	}
	return false
}

// CanTransitionTo reports whether a job in status s may move to next.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, p := range predecessors[next] {
		if p == s {
			return true
		}
	}
	return false
}

// ScriptPayload is the script an agent runs for a run_script job.
type ScriptPayload struct {
	Language   string            `json:"language"`
	ScriptText string            `json:"scriptText"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	TimeoutSec int               `json:"timeoutSec"`
}

// Job is a unit of work targeted at exactly one agent.
type Job struct {
	ID           string
	AgentID      string
	Type         JobType
	Payload      ScriptPayload
	Status       JobStatus
	CreatedBy    string
	CreatedAt    time.Time
	DispatchedAt *time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// JobResult is the outcome an agent reports when a job finishes. At most one exists per job.
type JobResult struct {
	JobID      string
	ExitCode   *int
	Stdout     string
	Stderr     string
	DurationMs *int64
	CreatedAt  time.Time
}

// JobFilter narrows ListJobs. Zero values mean no constraint.
type JobFilter struct {
	AgentID       string
	Statuses      []JobStatus
	CreatedBefore *time.Time
	Limit         int // default 100, max 1000
}

const jobColumns = `id, agent_id, type, payload_json, status, created_by, created_at, dispatched_at, started_at, finished_at`

// InsertQueuedJob stores a new job in the queued status.
// Returns ErrDuplicate if the id is taken and ErrNotFound if the agent does not exist.
func (s *SQLiteStore) InsertQueuedJob(ctx context.Context, job *Job) error {
	if job.Type == "" {
		job.Type = JobTypeRunScript
	}
	job.Status = JobStatusQueued
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshaling job payload: %w", err)
	}

	query := `
		INSERT INTO jobs (id, agent_id, type, payload_json, status, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.AgentID,
		string(job.Type),
		string(payload),
		string(job.Status),
		job.CreatedBy,
		formatTime(job.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("inserting job: %w", err)
	}

	s.logger.Debug("queued job", "id", job.ID, "agent_id", job.AgentID)
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// GetJobWithResult retrieves a job and its result. The result is nil until the job finishes.
func (s *SQLiteStore) GetJobWithResult(ctx context.Context, id string) (*Job, *JobResult, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	var r JobResult
	var exitCode, duration sql.NullInt64
	var createdAt string
	err = s.db.QueryRowContext(ctx,
		`SELECT job_id, exit_code, stdout, stderr, duration_ms, created_at FROM job_results WHERE job_id = ?`,
		id,
	).Scan(&r.JobID, &exitCode, &r.Stdout, &r.Stderr, &duration, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return job, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("scanning job result: %w", err)
	}

	if exitCode.Valid {
		code := int(exitCode.Int64)
		r.ExitCode = &code
	}
	if duration.Valid {
		d := duration.Int64
		r.DurationMs = &d
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, nil, err
	}
	return job, &r, nil
}

// MarkJobDispatched moves a queued job to dispatched.
func (s *SQLiteStore) MarkJobDispatched(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, s.db, id, JobStatusDispatched, "dispatched_at = ?", formatTime(at))
}

// MarkJobRunning moves a queued or dispatched job to running. Repeating it keeps the first started_at.
func (s *SQLiteStore) MarkJobRunning(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, s.db, id, JobStatusRunning, "started_at = COALESCE(started_at, ?)", formatTime(at))
}

// FinishJob moves a job to a terminal status and records its result atomically.
// A job that is already terminal yields ErrJobTerminal and nothing is written.
func (s *SQLiteStore) FinishJob(ctx context.Context, id string, status JobStatus, result *JobResult) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not a terminal status", ErrInvalidTransition, status)
	}
	if result == nil {
		result = &JobResult{}
	}
	result.JobID = id
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.transition(ctx, tx, id, status, "finished_at = ?", formatTime(result.CreatedAt)); err != nil {
			return err
		}

		var exitCode, duration any
		if result.ExitCode != nil {
			exitCode = *result.ExitCode
		}
		if result.DurationMs != nil {
			duration = *result.DurationMs
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO job_results (job_id, exit_code, stdout, stderr, duration_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, exitCode, result.Stdout, result.Stderr, duration, formatTime(result.CreatedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrJobTerminal
			}
			return fmt.Errorf("inserting job result: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("finished job", "id", id, "status", status)
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// transition updates status and one timestamp column, but only when the current
// status is an allowed predecessor of next.
func (s *SQLiteStore) transition(ctx context.Context, db execer, id string, next JobStatus, set string, at string) error {
	from := predecessors[next]
	if len(from) == 0 {
		return fmt.Errorf("%w: cannot enter %s", ErrInvalidTransition, next)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	query := `UPDATE jobs SET status = ?, ` + set + ` WHERE id = ? AND status IN (` + placeholders + `)`
	args := []any{string(next), at, id}
	for _, p := range from {
		args = append(args, string(p))
	}

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating job status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var current string
	err = db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading job status: %w", err)
	}
	return transitionError(JobStatus(current), next)
}

// transitionError explains why a job in status current could not move to next.
func transitionError(current, next JobStatus) error {
	if current.Terminal() {
		return ErrJobTerminal
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
}

// ListQueuedJobs returns the agent's queued jobs, oldest first.
func (s *SQLiteStore) ListQueuedJobs(ctx context.Context, agentID string) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE agent_id = ? AND status = ? ORDER BY created_at, seq`,
		agentID, string(JobStatusQueued),
	)
	if err != nil {
		return nil, fmt.Errorf("querying queued jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListJobs returns jobs matching the filter, newest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, f JobFilter) ([]*Job, error) {
	var where []string
	var args []any

	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",")+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.CreatedBefore != nil {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(*f.CreatedBefore))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, seq DESC LIMIT ?`
	args = append(args, normalizeLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// normalizeLimit applies default (100) and cap (1000) to list limits.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var jobType, payload, status, createdAt string
	var dispatchedAt, startedAt, finishedAt sql.NullString

	err := row.Scan(
		&j.ID,
		&j.AgentID,
		&jobType,
		&payload,
		&status,
		&j.CreatedBy,
		&createdAt,
		&dispatchedAt,
		&startedAt,
		&finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}

	j.Type = JobType(jobType)
	j.Status = JobStatus(status)
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return nil, fmt.Errorf("unmarshaling job payload: %w", err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if j.DispatchedAt, err = parseNullTime(dispatchedAt); err != nil {
		return nil, err
	}
	if j.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if j.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, err
	}
	return &j, nil
}
