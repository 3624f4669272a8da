// ABOUTME: Liveness and readiness endpoints for load balancers and the CLI health command
// ABOUTME: Readiness checks that the store answers; connected agents are reported, not required

package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// readyTimeout bounds the store probe behind /health/ready.
const readyTimeout = 2 * time.Second

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store answers a query.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if _, err := g.store.CountOperators(ctx); err != nil {
		g.logger.Warn("readiness probe failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents connected)", g.agentManager.Count())
}
