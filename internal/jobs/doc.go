// Package jobs runs the lifecycle of remote script jobs.
//
// # Lifecycle
//
//	queued -> dispatched -> running -> succeeded | failed | timeout
//
// Service.Create persists a queued job and hands its id to the Dispatcher
// without waiting. The Dispatcher pushes a run_script frame if the agent is
// connected and records dispatched; otherwise the job stays queued until the
// agent's next connection flushes its backlog. Agents report running and
// finish over HTTP; Finish writes the terminal status and the result in one
// transaction.
//
// The store decides every transition. A terminal job never changes again, so
// a duplicate finish or a stale dispatch after finish is rejected there.
//
// # Ownership
//
// MarkRunning and Finish check that the job belongs to the reporting agent
// and return ErrNotJobOwner otherwise.
//
// # Ordering
//
// Dispatch is serialized per agent. A flush holds the agent's lock for the
// whole backlog, so jobs reach an agent in creation order.
//
// # Timeouts
//
// Nothing here times a job out. The Sweeper logs jobs that have not finished
// after jobs.stuck_after and can periodically re-flush queues of connected
// agents, but it never changes a status.
package jobs
