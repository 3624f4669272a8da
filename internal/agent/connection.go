// ABOUTME: Represents a single connected agent and owns writes to its websocket.
// ABOUTME: Serializes frames, applies write deadlines and closes exactly once.

package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/protocol"
)

// ErrConnectionClosed is returned by Send after Close.
var ErrConnectionClosed = errors.New("connection closed")

// DefaultWriteTimeout bounds a single frame write when none is configured.
const DefaultWriteTimeout = 10 * time.Second

// Stream is the transport under a Connection. *websocket.Conn satisfies it.
type Stream interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ConnectionParams groups the parameters for creating a new Connection.
type ConnectionParams struct {
	AgentID      string
	DeviceID     string
	Hostname     string
	RemoteAddr   string
	Stream       Stream
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Connection is one live agent socket. A reconnecting agent gets a new
// Connection with a new ID; AgentID stays the same.
type Connection struct {
	ID          string
	AgentID     string
	DeviceID    string
	Hostname    string
	RemoteAddr  string
	ConnectedAt time.Time

	stream       Stream
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	done         chan struct{}
	logger       *slog.Logger
}

// NewConnection creates a new Connection for a connected agent.
func NewConnection(p ConnectionParams) *Connection {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := p.WriteTimeout
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	id := uuid.New().String()
	return &Connection{
		ID:           id,
		AgentID:      p.AgentID,
		DeviceID:     p.DeviceID,
		Hostname:     p.Hostname,
		RemoteAddr:   p.RemoteAddr,
		ConnectedAt:  time.Now().UTC(),
		stream:       p.Stream,
		writeTimeout: timeout,
		done:         make(chan struct{}),
		logger:       logger.With("agent_id", p.AgentID, "connection_id", id),
	}
}

// Send encodes msg and writes it as a single text frame.
func (c *Connection) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.Closed() {
		return ErrConnectionClosed
	}
	if err := c.stream.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.stream.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.MessageType(), err)
	}
	return nil
}

// Ping writes a websocket ping control frame.
func (c *Connection) Ping() error {
	if c.Closed() {
		return ErrConnectionClosed
	}
	return c.stream.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close sends a close frame with reason and closes the stream. Safe to call
// more than once; only the first call has any effect.
func (c *Connection) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		defer c.writeMu.Unlock()

		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		if werr := c.stream.WriteControl(websocket.CloseMessage, msg, deadline); werr != nil {
			c.logger.Debug("close frame not sent", "error", werr)
		}
		err = c.stream.Close()
		c.logger.Debug("connection closed", "reason", reason)
	})
	return err
}

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
