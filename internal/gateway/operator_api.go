// ABOUTME: Operator HTTP API: create and inspect jobs, list and revoke agents, read the audit log
// ABOUTME: Reads need any active operator; job creation and revocation need the admin role

package gateway

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/agent"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/auth"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/jobs"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/store"
)

// IdempotencyKeyHeader lets a client retry job creation without creating a second job.
const IdempotencyKeyHeader = "Idempotency-Key"

// maxIdempotencyKeyLen bounds the Idempotency-Key header.
const maxIdempotencyKeyLen = 255

// CreateJobRequest is the JSON body for POST /api/jobs.
// Exactly one of AgentID or DeviceID selects the target.
type CreateJobRequest struct {
	AgentID    string            `json:"agentId,omitempty"`
	DeviceID   string            `json:"deviceId,omitempty"`
	Language   string            `json:"language"`
	ScriptText string            `json:"scriptText"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	TimeoutSec int               `json:"timeoutSec,omitempty"`
}

// JobResultResponse is a finished job's outcome.
type JobResultResponse struct {
	ExitCode   *int      `json:"exitCode"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	DurationMs *int64    `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}

// JobResponse is the JSON shape of a job.
type JobResponse struct {
	JobID        string              `json:"jobId"`
	AgentID      string              `json:"agentId"`
	Type         store.JobType       `json:"type"`
	Status       store.JobStatus     `json:"status"`
	Payload      store.ScriptPayload `json:"payload"`
	CreatedBy    string              `json:"createdBy"`
	CreatedAt    time.Time           `json:"createdAt"`
	DispatchedAt *time.Time          `json:"dispatchedAt,omitempty"`
	StartedAt    *time.Time          `json:"startedAt,omitempty"`
	FinishedAt   *time.Time          `json:"finishedAt,omitempty"`
	Result       *JobResultResponse  `json:"result,omitempty"`
}

// ListJobsResponse is the JSON response for GET /api/jobs.
type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// AgentResponse is the JSON shape of an enrolled agent.
type AgentResponse struct {
	AgentID      string            `json:"agentId"`
	DeviceID     string            `json:"deviceId"`
	Hostname     string            `json:"hostname"`
	OS           string            `json:"os"`
	Arch         string            `json:"arch"`
	Version      string            `json:"version"`
	Status       store.AgentStatus `json:"status"`
	EnrolledAt   time.Time         `json:"enrolledAt"`
	LastSeenAt   *time.Time        `json:"lastSeenAt,omitempty"`
	Online       bool              `json:"online"`
	ConnectionID string            `json:"connectionId,omitempty"`
	ConnectedAt  *time.Time        `json:"connectedAt,omitempty"`
}

// ListAgentsResponse is the JSON response for GET /api/agents.
type ListAgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
}

// RevokeAgentResponse is the JSON response for POST /api/agents/{agentId}/revoke.
type RevokeAgentResponse struct {
	AgentID      string            `json:"agentId"`
	Status       store.AgentStatus `json:"status"`
	Disconnected bool              `json:"disconnected"`
}

// SoftwareResponse is the JSON response for GET /api/agents/{agentId}/software.
type SoftwareResponse struct {
	AgentID string               `json:"agentId"`
	Items   []store.SoftwareItem `json:"items"`
}

// AuditEntryResponse is one audit log row.
type AuditEntryResponse struct {
	ID         string            `json:"id"`
	ActorType  string            `json:"actorType"`
	ActorID    string            `json:"actorId"`
	Action     store.AuditAction `json:"action"`
	TargetType string            `json:"targetType"`
	TargetID   string            `json:"targetId"`
	Timestamp  time.Time         `json:"timestamp"`
	Detail     map[string]any    `json:"detail,omitempty"`
}

// AuditResponse is the JSON response for GET /api/audit.
type AuditResponse struct {
	Entries []AuditEntryResponse `json:"entries"`
}

func toJobResponse(job *store.Job, result *store.JobResult) JobResponse {
	resp := JobResponse{
		JobID:        job.ID,
		AgentID:      job.AgentID,
		Type:         job.Type,
		Status:       job.Status,
		Payload:      job.Payload,
		CreatedBy:    job.CreatedBy,
		CreatedAt:    job.CreatedAt,
		DispatchedAt: job.DispatchedAt,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
	}
	if result != nil {
		resp.Result = &JobResultResponse{
			ExitCode:   result.ExitCode,
			Stdout:     result.Stdout,
			Stderr:     result.Stderr,
			DurationMs: result.DurationMs,
			CreatedAt:  result.CreatedAt,
		}
	}
	return resp
}

// handleCreateJob handles POST /api/jobs. It answers 202 as soon as the job
// is persisted; delivery happens in the background.
func (g *Gateway) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	operator := auth.MustFromContext(r.Context())

	var req CreateJobRequest
	if err := decodeJSON(w, r, maxScriptBody, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AgentID != "" && req.DeviceID != "" {
		g.sendJSONError(w, http.StatusBadRequest, "specify agentId or deviceId, not both")
		return
	}

	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if len(key) > maxIdempotencyKeyLen {
		g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("%s exceeds %d bytes", IdempotencyKeyHeader, maxIdempotencyKeyLen))
		return
	}

	result, err := g.jobs.Create(r.Context(), jobs.CreateRequest{
		AgentID:        strings.TrimSpace(req.AgentID),
		DeviceID:       strings.TrimSpace(req.DeviceID),
		Language:       req.Language,
		ScriptText:     req.ScriptText,
		Args:           req.Args,
		Env:            req.Env,
		TimeoutSec:     req.TimeoutSec,
		CreatedBy:      operator.PrincipalID,
		IdempotencyKey: key,
	})
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/jobs/"+result.JobID)
	g.writeJSON(w, http.StatusAccepted, result)
}

// handleGetJob handles GET /api/jobs/{jobId}.
func (g *Gateway) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, result, err := g.jobs.Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, toJobResponse(job, result))
}

// parseJobFilter reads agentId, status (repeatable or comma-separated),
// before (RFC 3339) and limit from the query string.
func parseJobFilter(r *http.Request) (store.JobFilter, error) {
	q := r.URL.Query()
	f := store.JobFilter{AgentID: q.Get("agentId")}

	for _, raw := range q["status"] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.Statuses = append(f.Statuses, store.JobStatus(s))
			}
		}
	}

	if raw := q.Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return f, fmt.Errorf("before must be an RFC 3339 timestamp")
		}
		f.CreatedBefore = &t
	}

	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		return f, err
	}
	f.Limit = limit
	return f, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return n, nil
}

// handleListJobs handles GET /api/jobs.
func (g *Gateway) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseJobFilter(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := g.jobs.List(r.Context(), filter)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	resp := ListJobsResponse{Jobs: make([]JobResponse, 0, len(list))}
	for _, job := range list {
		resp.Jobs = append(resp.Jobs, toJobResponse(job, nil))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleListAgents handles GET /api/agents. The online flag comes from the
// process-local connection registry.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := g.store.ListAgents(r.Context())
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	online := make(map[string]*agent.AgentInfo)
	for _, info := range g.agentManager.ListAgents() {
		online[info.AgentID] = info
	}

	resp := ListAgentsResponse{Agents: make([]AgentResponse, 0, len(agents))}
	for _, a := range agents {
		item := AgentResponse{
			AgentID:    a.ID,
			DeviceID:   a.DeviceID,
			Hostname:   a.Facts.Hostname,
			OS:         a.Facts.OS,
			Arch:       a.Facts.Arch,
			Version:    a.Facts.Version,
			Status:     a.Status,
			EnrolledAt: a.EnrolledAt,
			LastSeenAt: a.LastSeenAt,
		}
		if info, ok := online[a.ID]; ok {
			connectedAt := info.ConnectedAt
			item.Online = true
			item.ConnectionID = info.ConnectionID
			item.ConnectedAt = &connectedAt
		}
		resp.Agents = append(resp.Agents, item)
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleRevokeAgent handles POST /api/agents/{agentId}/revoke. The token
// stops working at once and any live socket is closed.
func (g *Gateway) handleRevokeAgent(w http.ResponseWriter, r *http.Request) {
	operator := auth.MustFromContext(r.Context())
	agentID := chi.URLParam(r, "agentId")

	if err := g.enroll.Revoke(r.Context(), agentID, operator.PrincipalID); err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	disconnected := g.agentManager.Disconnect(agentID, agent.ReasonRevoked)

	g.writeJSON(w, http.StatusOK, RevokeAgentResponse{
		AgentID:      agentID,
		Status:       store.AgentStatusRevoked,
		Disconnected: disconnected,
	})
}

// handleAgentSoftware handles GET /api/agents/{agentId}/software.
func (g *Gateway) handleAgentSoftware(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	if _, err := g.store.GetAgent(r.Context(), agentID); err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	items, err := g.store.ListAgentSoftware(r.Context(), agentID)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []store.SoftwareItem{}
	}
	g.writeJSON(w, http.StatusOK, SoftwareResponse{AgentID: agentID, Items: items})
}

// parseAuditFilter reads actorId, action, targetType, targetId, since, until
// and limit from the query string.
func parseAuditFilter(r *http.Request) (store.AuditFilter, error) {
	q := r.URL.Query()
	var f store.AuditFilter

	optional := func(key string) *string {
		if v := q.Get(key); v != "" {
			return &v
		}
		return nil
	}
	f.ActorID = optional("actorId")
	f.TargetType = optional("targetType")
	f.TargetID = optional("targetId")
	if v := q.Get("action"); v != "" {
		action := store.AuditAction(v)
		f.Action = &action
	}

	for key, dst := range map[string]**time.Time{"since": &f.Since, "until": &f.Until} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return f, fmt.Errorf("%s must be an RFC 3339 timestamp", key)
		}
		*dst = &t
	}

	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		return f, err
	}
	f.Limit = limit
	return f, nil
}

// handleAudit handles GET /api/audit.
func (g *Gateway) handleAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := g.store.ListAuditLog(r.Context(), filter)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	resp := AuditResponse{Entries: make([]AuditEntryResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, AuditEntryResponse{
			ID:         e.ID,
			ActorType:  e.ActorType,
			ActorID:    e.ActorID,
			Action:     e.Action,
			TargetType: e.TargetType,
			TargetID:   e.TargetID,
			Timestamp:  e.Timestamp,
			Detail:     e.Detail,
		})
	}
	g.writeJSON(w, http.StatusOK, resp)
}
