// ABOUTME: Server-Sent Events stream of one job's status transitions
// ABOUTME: Sends the current status first, then each later transition until the job is terminal

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/jobs"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/store"
)

// sseKeepalive is how often a comment line is written to keep proxies from
// closing an idle stream.
const sseKeepalive = 15 * time.Second

// SSEEventStatus is the event name carrying a jobs.Event payload.
const SSEEventStatus = "status"

// statusRank orders statuses so a late-delivered earlier transition is not
// replayed after a later one. Terminal statuses share the highest rank.
func statusRank(s store.JobStatus) int {
	if s.Terminal() {
		return len(store.AllJobStatuses)
	}
	return slices.Index(store.AllJobStatuses, s)
}

// statusTime is when the job entered its current status.
func statusTime(job *store.Job) time.Time {
	for _, t := range []*time.Time{job.FinishedAt, job.StartedAt, job.DispatchedAt} {
		if t != nil {
			return *t
		}
	}
	return job.CreatedAt
}

// handleJobEvents handles GET /api/jobs/{jobId}/events.
func (g *Gateway) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before reading so no transition falls between the two.
	events, _ := g.events.Subscribe(ctx, jobID)

	job, _, err := g.jobs.Get(ctx, jobID)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	last := job.Status
	g.writeSSEEvent(w, SSEEventStatus, jobs.Event{
		JobID:   job.ID,
		AgentID: job.AgentID,
		Status:  job.Status,
		At:      statusTime(job),
	})
	flusher.Flush()
	if last.Terminal() {
		return
	}

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				// Broadcaster closed on shutdown
				return
			}
			if statusRank(ev.Status) <= statusRank(last) {
				continue
			}
			last = ev.Status
			g.writeSSEEvent(w, SSEEventStatus, ev)
			flusher.Flush()
			if last.Terminal() {
				return
			}

		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
