// Package auth provides authentication and authorization for remoteiq-gateway.
//
// # Agent Tokens
//
// Agents authenticate with an opaque bearer token issued at enrollment:
//
//	plaintext, hash, err := auth.IssueToken()
//
// The plaintext ("riq_" + 32 random bytes, base64url) is returned to the agent
// exactly once. Only the hex sha256 hash is persisted. AgentAuthenticator
// hashes a presented token and looks up the active agent that owns it.
// Rotating or revoking a token must call Forget with the old hash so the
// short-lived lookup cache never honors it again.
//
// # Enrollment Secret
//
// New agents present a shared enrollment secret. The configured value may be
// plaintext (compared in constant time) or a bcrypt hash.
//
// # Operator Tokens
//
// Operators authenticate with HS256 JWTs whose "sub" claim is the operator id.
// OperatorAuthMiddleware verifies the token, loads the operator, and rejects
// disabled operators. RequireAdminHTTP gates write endpoints on the admin role.
//
// # Context
//
// Both middlewares attach an AuthContext retrievable with FromContext.
package auth
