// ABOUTME: HTTP route table for the agent surface, the operator API and health checks
// ABOUTME: Agents use opaque bearer tokens; operators use JWTs, with admin required for writes

package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/auth"
)

// routes builds the chi router.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(g.logger))

	// Health endpoints - no auth required
	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	r.Route("/api/agent", func(r chi.Router) {
		// Enrollment authenticates with the shared secret in the body
		r.Post("/enroll", g.handleEnroll)

		r.Group(func(r chi.Router) {
			r.Use(auth.AgentAuthMiddleware(g.authn))
			r.Get("/ws", g.handleAgentSocket)
			r.Post("/ping", g.handlePing)
			r.Post("/software", g.handleSoftware)
			r.Post("/jobs/{jobId}/running", g.handleJobRunning)
			r.Post("/jobs/{jobId}/finish", g.handleJobFinish)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.OperatorAuthMiddleware(g.store, g.verifier, g.logger))

		r.Get("/api/jobs", g.handleListJobs)
		r.Get("/api/jobs/{jobId}", g.handleGetJob)
		r.Get("/api/jobs/{jobId}/events", g.handleJobEvents)
		r.Get("/api/agents", g.handleListAgents)
		r.Get("/api/agents/{agentId}/software", g.handleAgentSoftware)
		r.Get("/api/audit", g.handleAudit)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAdminHTTP())
			r.Post("/api/jobs", g.handleCreateJob)
			r.Post("/api/agents/{agentId}/revoke", g.handleRevokeAgent)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		g.sendJSONError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

// requestLogger logs each request at debug level once it completes.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
