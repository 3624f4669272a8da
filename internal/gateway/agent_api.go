// ABOUTME: HTTP handlers for agent-originated calls: enroll, ping, inventory and job reports
// ABOUTME: Job reports are accepted only from the agent that owns the job

package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/auth"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/enroll"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/jobs"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/store"
)

// maxSoftwareItems bounds one inventory report.
const maxSoftwareItems = 10_000

// PingRequest is the JSON body for POST /api/agent/ping. Empty fields leave
// the stored value unchanged.
type PingRequest struct {
	Hostname string `json:"hostname,omitempty"`
	OS       string `json:"os,omitempty"`
	Arch     string `json:"arch,omitempty"`
	Version  string `json:"version,omitempty"`
}

// PingResponse is the JSON response for POST /api/agent/ping.
type PingResponse struct {
	AgentID    string    `json:"agentId"`
	ServerTime time.Time `json:"serverTime"`
	Online     bool      `json:"online"`
}

// SoftwareRequest is the JSON body for POST /api/agent/software.
type SoftwareRequest struct {
	Items []store.SoftwareItem `json:"items"`
}

// FinishRequest is the JSON body for POST /api/agent/jobs/{jobId}/finish.
type FinishRequest struct {
	Status     store.JobStatus `json:"status"`
	ExitCode   *int            `json:"exitCode"`
	Stdout     string          `json:"stdout"`
	Stderr     string          `json:"stderr"`
	DurationMs *int64          `json:"durationMs"`
}

// JobStatusResponse acknowledges a job report.
type JobStatusResponse struct {
	JobID  string          `json:"jobId"`
	Status store.JobStatus `json:"status"`
}

// handleEnroll handles POST /api/agent/enroll.
func (g *Gateway) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enroll.Request
	if err := decodeJSON(w, r, maxSmallBody, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := g.enroll.Enroll(r.Context(), req)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Rotated {
		status = http.StatusOK
	}
	g.writeJSON(w, status, result)
}

// handlePing handles POST /api/agent/ping. The body is optional.
func (g *Gateway) handlePing(w http.ResponseWriter, r *http.Request) {
	agentID := auth.MustFromContext(r.Context()).PrincipalID

	var req PingRequest
	if err := decodeJSON(w, r, maxSmallBody, &req); err != nil && !errors.Is(err, errEmptyBody) {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	facts := store.AgentFacts{
		Hostname: strings.TrimSpace(req.Hostname),
		OS:       strings.TrimSpace(req.OS),
		Arch:     strings.TrimSpace(req.Arch),
		Version:  strings.TrimSpace(req.Version),
	}
	now := time.Now().UTC()
	if err := g.store.UpdateAgentFacts(r.Context(), agentID, facts, now); err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	g.writeJSON(w, http.StatusOK, PingResponse{
		AgentID:    agentID,
		ServerTime: now,
		Online:     g.agentManager.IsOnline(agentID),
	})
}

// handleSoftware handles POST /api/agent/software. The report replaces the
// agent's previous inventory.
func (g *Gateway) handleSoftware(w http.ResponseWriter, r *http.Request) {
	agentID := auth.MustFromContext(r.Context()).PrincipalID

	var req SoftwareRequest
	if err := decodeJSON(w, r, maxInventory, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Items) > maxSoftwareItems {
		g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("at most %d items per report", maxSoftwareItems))
		return
	}
	for i := range req.Items {
		req.Items[i].Name = strings.TrimSpace(req.Items[i].Name)
		if req.Items[i].Name == "" {
			g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("items[%d].name is required", i))
			return
		}
	}

	if err := g.store.ReplaceAgentSoftware(r.Context(), agentID, req.Items); err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]int{"count": len(req.Items)})
}

// handleJobRunning handles POST /api/agent/jobs/{jobId}/running.
func (g *Gateway) handleJobRunning(w http.ResponseWriter, r *http.Request) {
	agentID := auth.MustFromContext(r.Context()).PrincipalID
	jobID := chi.URLParam(r, "jobId")

	if err := g.jobs.MarkRunning(r.Context(), agentID, jobID); err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, JobStatusResponse{JobID: jobID, Status: store.JobStatusRunning})
}

// handleJobFinish handles POST /api/agent/jobs/{jobId}/finish.
func (g *Gateway) handleJobFinish(w http.ResponseWriter, r *http.Request) {
	agentID := auth.MustFromContext(r.Context()).PrincipalID
	jobID := chi.URLParam(r, "jobId")

	var req FinishRequest
	if err := decodeJSON(w, r, maxFinishBody, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, _, err := g.jobs.Finish(r.Context(), agentID, jobID, jobs.FinishReport{
		Status:     req.Status,
		ExitCode:   req.ExitCode,
		Stdout:     req.Stdout,
		Stderr:     req.Stderr,
		DurationMs: req.DurationMs,
	})
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, JobStatusResponse{JobID: job.ID, Status: job.Status})
}
