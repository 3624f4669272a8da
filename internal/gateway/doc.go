// Package gateway orchestrates the remoteiq-gateway server components.
//
// # Overview
//
// The gateway owns the store, the connection registry (agent.Manager), the
// jobs service with its dispatcher and sweeper, and the HTTP and gRPC
// servers. New wires them; Run serves until the context ends; Shutdown
// closes agent sockets, drains in-flight dispatches and closes the store.
//
// # Agent Surface
//
// Agents authenticate with the opaque bearer token issued at enrollment:
//
//   - POST /api/agent/enroll - enroll or re-enroll (shared secret, no bearer)
//   - GET /api/agent/ws - persistent websocket that receives run_script pushes
//   - POST /api/agent/ping - refresh host facts and last-seen time
//   - POST /api/agent/software - replace the installed software inventory
//   - POST /api/agent/jobs/{jobId}/running - report that a job started
//   - POST /api/agent/jobs/{jobId}/finish - report the terminal status and output
//
// Job reports from an agent that does not own the job get 403.
//
// # Websocket Flow
//
// On upgrade the server sends welcome, registers the connection (closing any
// previous one for the same agent), and flushes the agent's queued jobs in
// creation order. The server pings every agents.heartbeat_interval and drops
// the socket when nothing arrives within agents.heartbeat_timeout. Agent
// heartbeat frames are answered with heartbeat_ack. Execution results never
// travel over the socket.
//
// # Operator API
//
// Operators present an HS256 JWT. Reads need any active operator; writes
// need the admin role:
//
//   - POST /api/jobs - create a run_script job (202, honors Idempotency-Key)
//   - GET /api/jobs - list jobs by agentId, status, before, limit
//   - GET /api/jobs/{jobId} - job with its result once terminal
//   - GET /api/jobs/{jobId}/events - Server-Sent Events until terminal
//   - GET /api/agents - enrolled agents with a live online flag
//   - POST /api/agents/{agentId}/revoke - revoke the token and close the socket
//   - GET /api/agents/{agentId}/software - last reported inventory
//   - GET /api/audit - audit log
//
// # Health
//
// GET /health always answers OK. GET /health/ready checks the store. The gRPC
// listener serves grpc.health.v1.Health for both "" and "remoteiq.gateway".
//
// # Scaling Boundary
//
// The connection registry and the job event broadcaster live in process
// memory. Running more than one gateway against the same database requires a
// shared registry; a job for an agent connected to another process stays
// queued until that agent reconnects here.
package gateway
