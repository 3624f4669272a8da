// ABOUTME: HTTP middleware for agent bearer tokens and operator JWTs
// ABOUTME: Extracts the Authorization header and adds the principal to the request context

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/store"
)

// OperatorLookup resolves an operator id from a verified JWT.
type OperatorLookup interface {
	GetOperator(ctx context.Context, id string) (*store.Operator, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// writeError writes a {"error": msg} JSON body with the given status.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// AgentAuthMiddleware authenticates agents by their opaque bearer token.
func AgentAuthMiddleware(authn *AgentAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeError(w, http.StatusUnauthorized, errMsg)
				return
			}

			agent, err := authn.Authenticate(r.Context(), token)
			if err != nil {
				if errors.Is(err, ErrAuthFailed) {
					authn.logger.Warn("rejected agent token", "remote", r.RemoteAddr, "path", r.URL.Path)
					writeError(w, http.StatusUnauthorized, "invalid agent token")
					return
				}
				authn.logger.Error("agent token lookup failed", "error", err)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}

			authCtx := &AuthContext{
				PrincipalID:   agent.ID,
				PrincipalType: PrincipalAgent,
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// OperatorAuthMiddleware validates operator JWTs and checks the operator is still active.
func OperatorAuthMiddleware(operators OperatorLookup, verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "operator-auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeError(w, http.StatusUnauthorized, errMsg)
				return
			}

			operatorID, err := verifier.Verify(token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				writeError(w, http.StatusUnauthorized, msg)
				return
			}

			op, err := operators.GetOperator(r.Context(), operatorID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					writeError(w, http.StatusUnauthorized, "operator not found")
					return
				}
				logger.Error("operator lookup failed", "operator_id", operatorID, "error", err)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			if op.Status != store.OperatorStatusActive {
				writeError(w, http.StatusForbidden, "operator is disabled")
				return
			}

			authCtx := &AuthContext{
				PrincipalID:   op.ID,
				PrincipalType: PrincipalOperator,
				Role:          string(op.Role),
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireAdminHTTP creates an HTTP middleware that requires the admin operator role.
// Must be used after OperatorAuthMiddleware.
func RequireAdminHTTP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				writeError(w, http.StatusUnauthorized, "not authenticated")
				return
			}

			if !authCtx.IsAdmin() {
				writeError(w, http.StatusForbidden, "admin role required")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
