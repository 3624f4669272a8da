// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating agent or operator identity via context

package auth

import (
	"context"
)

// Principal types carried on AuthContext.
const (
	PrincipalAgent    = "agent"
	PrincipalOperator = "operator"
)

// AuthContext holds the authenticated identity information extracted from a request.
type AuthContext struct {
	PrincipalID   string // agent id or operator id
	PrincipalType string // "agent" | "operator"
	Role          string // operator role; empty for agents
}

// IsAdmin returns true if the principal is an operator with the admin role.
func (a *AuthContext) IsAdmin() bool {
	return a.PrincipalType == PrincipalOperator && a.Role == "admin"
}

// IsAgent returns true if the principal is an enrolled agent.
func (a *AuthContext) IsAgent() bool {
	return a.PrincipalType == PrincipalAgent
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
