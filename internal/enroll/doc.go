// Package enroll admits agents to the gateway.
//
// An agent presents the shared enrollment secret plus its stable device id.
// A new device gets a fresh agent id and bearer token. A device that has
// enrolled before keeps its agent id; its token is rotated and its facts are
// updated in place, so the previous token stops authenticating. Re-enrolling
// a revoked device re-activates it.
package enroll
