// ABOUTME: Process-local registry of live agent connections keyed by agent id.
// ABOUTME: Last writer wins on reconnect; the superseded connection is closed.

package agent

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Close reasons sent to agents.
const (
	ReasonSuperseded = "superseded by a newer connection"
	ReasonRevoked    = "agent revoked"
	ReasonShutdown   = "gateway shutting down"
)

// Manager tracks the single live connection of each agent. It is in-memory
// and per process: an agent connected to another gateway instance is not
// visible here.
type Manager struct {
	agents map[string]*Connection
	closed bool
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		agents: make(map[string]*Connection),
		logger: logger.With("component", "agent_manager"),
	}
}

// Register makes conn the current connection for its agent. A previous
// connection for the same agent is removed and closed, and returned.
// After CloseAll, conn is closed instead of registered.
func (m *Manager) Register(conn *Connection) *Connection {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.logger.Info("refusing connection during shutdown", "agent_id", conn.AgentID, "connection_id", conn.ID)
		_ = conn.Close(ReasonShutdown)
		return nil
	}
	previous := m.agents[conn.AgentID]
	m.agents[conn.AgentID] = conn
	total := len(m.agents)
	m.mu.Unlock()

	m.logger.Info("agent connected",
		"agent_id", conn.AgentID,
		"connection_id", conn.ID,
		"hostname", conn.Hostname,
		"remote_addr", conn.RemoteAddr,
		"total_agents", total,
	)

	if previous != nil && previous != conn {
		m.logger.Info("closing superseded connection",
			"agent_id", conn.AgentID,
			"connection_id", previous.ID,
		)
		_ = previous.Close(ReasonSuperseded)
		return previous
	}
	return nil
}

// Unregister removes whatever connection is registered for agentID.
func (m *Manager) Unregister(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conn, exists := m.agents[agentID]; exists {
		delete(m.agents, agentID)
		m.logger.Info("agent disconnected",
			"agent_id", agentID,
			"connection_id", conn.ID,
			"total_agents", len(m.agents),
		)
	}
}

// UnregisterIfCurrent removes conn only if it is still the registered
// connection for its agent. A socket handler exiting after being superseded
// must not evict its replacement.
func (m *Manager) UnregisterIfCurrent(conn *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.agents[conn.AgentID] != conn {
		return false
	}
	delete(m.agents, conn.AgentID)
	m.logger.Info("agent disconnected",
		"agent_id", conn.AgentID,
		"connection_id", conn.ID,
		"connected_for", time.Since(conn.ConnectedAt).Round(time.Second).String(),
		"total_agents", len(m.agents),
	)
	return true
}

// Disconnect unregisters and closes the agent's connection, if any.
func (m *Manager) Disconnect(agentID, reason string) bool {
	m.mu.Lock()
	conn, ok := m.agents[agentID]
	if ok {
		delete(m.agents, agentID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	m.logger.Info("disconnecting agent", "agent_id", agentID, "reason", reason)
	_ = conn.Close(reason)
	return true
}

// CloseAll closes every registered connection, empties the registry and
// refuses later registrations.
func (m *Manager) CloseAll(reason string) {
	m.mu.Lock()
	m.closed = true
	conns := make([]*Connection, 0, len(m.agents))
	for _, c := range m.agents {
		conns = append(conns, c)
	}
	m.agents = make(map[string]*Connection)
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(reason)
	}
}

// GetAgent retrieves the live connection for an agent.
func (m *Manager) GetAgent(agentID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.agents[agentID]
	return conn, ok
}

// IsOnline checks whether an agent with the given ID is currently connected.
func (m *Manager) IsOnline(agentID string) bool {
	_, ok := m.GetAgent(agentID)
	return ok
}

// OnlineAgentIDs returns the ids of all connected agents, sorted.
func (m *Manager) OnlineAgentIDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Count returns the number of connected agents.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// ListAgents returns information about all connected agents, sorted by agent id.
func (m *Manager) ListAgents() []*AgentInfo {
	m.mu.RLock()
	agents := make([]*AgentInfo, 0, len(m.agents))
	for _, conn := range m.agents {
		agents = append(agents, &AgentInfo{
			AgentID:      conn.AgentID,
			ConnectionID: conn.ID,
			DeviceID:     conn.DeviceID,
			Hostname:     conn.Hostname,
			RemoteAddr:   conn.RemoteAddr,
			ConnectedAt:  conn.ConnectedAt,
		})
	}
	m.mu.RUnlock()

	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
	return agents
}

// AgentInfo contains public information about a connected agent.
type AgentInfo struct {
	AgentID      string    `json:"agentId"`
	ConnectionID string    `json:"connectionId"`
	DeviceID     string    `json:"deviceId"`
	Hostname     string    `json:"hostname"`
	RemoteAddr   string    `json:"remoteAddr"`
	ConnectedAt  time.Time `json:"connectedAt"`
}
