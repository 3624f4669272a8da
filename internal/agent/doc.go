// Package agent tracks which agents are connected to this gateway process.
//
// # Manager
//
// Manager is the connection registry: a map from agent id to the agent's
// single live Connection, guarded by one RWMutex.
//
//	mgr := agent.NewManager(logger)
//	mgr.Register(conn)           // replaces and closes any previous connection
//	conn, ok := mgr.GetAgent(id) // lookup
//	mgr.UnregisterIfCurrent(conn)
//
// The registry lives in memory and is rebuilt from scratch on restart. It does
// not span processes: with several gateway instances, an agent connected to
// one is invisible to the others. Scaling out needs a shared registry or a
// pub/sub fan-out in front of dispatch.
//
// # Connection
//
// Connection wraps a Stream (a gorilla websocket in production) and is the
// only writer to it. Send serializes frames under a mutex with a per-write
// deadline. Close is idempotent and closes Done.
//
// # Heartbeats
//
// The gateway pings each connection every heartbeat interval and drops it
// when no pong or frame arrives within the heartbeat timeout. That loop
// lives with the socket handler in the gateway package.
package agent
