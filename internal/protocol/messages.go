// ABOUTME: JSON envelopes exchanged between the gateway and agents over the websocket
// ABOUTME: Every frame is a flat object whose "type" field selects its shape

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type discriminates a frame.
type Type string

const (
	// Server to agent
	TypeWelcome      Type = "welcome"
	TypeRunScript    Type = "run_script"
	TypeHeartbeatAck Type = "heartbeat_ack"

	// Agent to server
	TypeHeartbeat Type = "heartbeat"
)

// ErrUnknownType is returned by Decode for a frame whose type is not recognized.
var ErrUnknownType = errors.New("unknown message type")

// Message is implemented by every frame.
type Message interface {
	MessageType() Type
}

// Welcome is the first frame after a successful upgrade.
type Welcome struct {
	Type                 Type      `json:"type"`
	AgentID              string    `json:"agentId"`
	ConnectionID         string    `json:"connectionId"`
	ServerTime           time.Time `json:"serverTime"`
	HeartbeatIntervalSec int       `json:"heartbeatIntervalSec"`
}

func (Welcome) MessageType() Type { return TypeWelcome }

// RunScript pushes one queued job to its agent. The agent executes it and
// reports back through the HTTP callbacks, never over the socket.
type RunScript struct {
	Type       Type              `json:"type"`
	JobID      string            `json:"jobId"`
	Language   string            `json:"language"`
	ScriptText string            `json:"scriptText"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env"`
	TimeoutSec int               `json:"timeoutSec"`
}

func (RunScript) MessageType() Type { return TypeRunScript }

// Heartbeat is sent periodically by the agent.
type Heartbeat struct {
	Type   Type      `json:"type"`
	Seq    int64     `json:"seq"`
	SentAt time.Time `json:"sentAt,omitzero"`
}

func (Heartbeat) MessageType() Type { return TypeHeartbeat }

// HeartbeatAck answers a Heartbeat with the same sequence number.
type HeartbeatAck struct {
	Type       Type      `json:"type"`
	Seq        int64     `json:"seq"`
	ServerTime time.Time `json:"serverTime"`
}

func (HeartbeatAck) MessageType() Type { return TypeHeartbeatAck }

// Encode marshals m, stamping its type field.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case Welcome:
		v.Type = TypeWelcome
		return json.Marshal(v)
	case *Welcome:
		return Encode(*v)
	case RunScript:
		v.Type = TypeRunScript
		if v.Args == nil {
			v.Args = []string{}
		}
		if v.Env == nil {
			v.Env = map[string]string{}
		}
		return json.Marshal(v)
	case *RunScript:
		return Encode(*v)
	case Heartbeat:
		v.Type = TypeHeartbeat
		return json.Marshal(v)
	case *Heartbeat:
		return Encode(*v)
	case HeartbeatAck:
		v.Type = TypeHeartbeatAck
		return json.Marshal(v)
	case *HeartbeatAck:
		return Encode(*v)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}
}

// Decode parses a frame into its concrete type. The returned Message is a
// pointer (*RunScript, *Heartbeat, ...).
func Decode(data []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	var m Message
	switch head.Type {
	case TypeWelcome:
		m = &Welcome{}
	case TypeRunScript:
		m = &RunScript{}
	case TypeHeartbeat:
		m = &Heartbeat{}
	case TypeHeartbeatAck:
		m = &HeartbeatAck{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Type, err)
	}
	return m, nil
}
