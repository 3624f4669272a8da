// ABOUTME: Websocket endpoint that holds an agent's persistent connection
// ABOUTME: Sends welcome, registers the connection, flushes queued jobs and runs the heartbeat loop

package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/agent"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/auth"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/protocol"
)

// maxInboundFrame bounds a single frame read from an agent.
const maxInboundFrame = 64 << 10

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handleAgentSocket handles GET /api/agent/ws.
// Protocol flow:
// 1. Agent authenticates the upgrade request with its bearer token
// 2. Server sends welcome, then registers the connection, replacing any previous one
// 3. Server pushes every queued job for the agent, oldest first
// 4. Agent sends heartbeat frames; server answers with heartbeat_ack
// 5. Server pings on an interval; a missing pong closes the socket
func (g *Gateway) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	// Hijacked sockets are not tracked by http.Server.Shutdown
	if !g.beginSocket() {
		g.sendJSONError(w, http.StatusServiceUnavailable, "gateway shutting down")
		return
	}
	defer g.sockets.Done()

	agentID := auth.MustFromContext(r.Context()).PrincipalID

	// Load before upgrading so lookup failures still get an HTTP status.
	row, err := g.store.GetAgent(r.Context(), agentID)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error
		g.logger.Warn("websocket upgrade failed", "agent_id", agentID, "error", err)
		return
	}

	conn := agent.NewConnection(agent.ConnectionParams{
		AgentID:      agentID,
		DeviceID:     row.DeviceID,
		Hostname:     row.Facts.Hostname,
		RemoteAddr:   r.RemoteAddr,
		Stream:       ws,
		WriteTimeout: g.config.Agents.WriteTimeout,
		Logger:       g.logger,
	})

	// Welcome goes out before registration so it is always the first frame.
	welcome := protocol.Welcome{
		AgentID:              agentID,
		ConnectionID:         conn.ID,
		ServerTime:           time.Now().UTC(),
		HeartbeatIntervalSec: int(g.config.Agents.HeartbeatInterval / time.Second),
	}
	if err := conn.Send(welcome); err != nil {
		g.logger.Warn("sending welcome failed", "agent_id", agentID, "error", err)
		_ = conn.Close("welcome failed")
		return
	}

	if prev := g.agentManager.Register(conn); prev != nil {
		g.logger.Info("agent reconnected, previous connection superseded",
			"agent_id", agentID,
			"previous_connection_id", prev.ID,
		)
	}
	if conn.Closed() {
		// Refused because the gateway is shutting down
		return
	}
	defer func() {
		g.agentManager.UnregisterIfCurrent(conn)
		_ = conn.Close("disconnected")
	}()

	g.logger.Info("agent connected",
		"agent_id", agentID,
		"connection_id", conn.ID,
		"hostname", row.Facts.Hostname,
		"remote", r.RemoteAddr,
	)
	g.touchAgent(agentID)
	g.dispatcher.EnqueueFlush(agentID)

	g.serveAgentSocket(conn, ws)
	g.logger.Info("agent disconnected", "agent_id", agentID, "connection_id", conn.ID)
}

// serveAgentSocket runs the read loop until the socket fails, the heartbeat
// times out, or the connection is closed from elsewhere.
func (g *Gateway) serveAgentSocket(conn *agent.Connection, ws *websocket.Conn) {
	timeout := g.config.Agents.HeartbeatTimeout
	ws.SetReadLimit(maxInboundFrame)
	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(timeout))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go g.pingLoop(conn, stopPing)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			g.logReadError(conn, err)
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(timeout))

		msg, err := protocol.Decode(data)
		if err != nil {
			g.logger.Warn("dropping undecodable frame", "agent_id", conn.AgentID, "error", err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.Heartbeat:
			g.handleHeartbeat(conn, m)
		default:
			g.logger.Warn("unexpected frame from agent", "agent_id", conn.AgentID, "type", msg.MessageType())
		}
	}
}

// pingLoop sends a ping every heartbeat interval until stop or the connection closes.
func (g *Gateway) pingLoop(conn *agent.Connection, stop <-chan struct{}) {
	ticker := time.NewTicker(g.config.Agents.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-conn.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				g.logger.Debug("ping failed", "agent_id", conn.AgentID, "error", err)
				return
			}
		}
	}
}

// handleHeartbeat records the agent as seen and acknowledges the heartbeat.
func (g *Gateway) handleHeartbeat(conn *agent.Connection, hb *protocol.Heartbeat) {
	g.logger.Debug("received heartbeat", "agent_id", conn.AgentID, "seq", hb.Seq)
	g.touchAgent(conn.AgentID)

	ack := protocol.HeartbeatAck{Seq: hb.Seq, ServerTime: time.Now().UTC()}
	if err := conn.Send(ack); err != nil {
		g.logger.Debug("sending heartbeat ack failed", "agent_id", conn.AgentID, "error", err)
	}
}

func (g *Gateway) touchAgent(agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), readyTimeout)
	defer cancel()
	if err := g.store.TouchAgent(ctx, agentID, time.Now().UTC()); err != nil {
		g.logger.Warn("failed to record last seen", "agent_id", agentID, "error", err)
	}
}

func (g *Gateway) logReadError(conn *agent.Connection, err error) {
	var netErr interface{ Timeout() bool }
	switch {
	case conn.Closed():
		// Superseded, revoked or shutting down; the closer already logged why.
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		g.logger.Debug("agent closed socket", "agent_id", conn.AgentID)
	case errors.As(err, &netErr) && netErr.Timeout():
		g.logger.Warn("agent heartbeat timed out", "agent_id", conn.AgentID, "connection_id", conn.ID)
	default:
		g.logger.Info("agent socket read failed", "agent_id", conn.AgentID, "error", err)
	}
}
