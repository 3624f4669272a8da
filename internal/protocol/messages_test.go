// ABOUTME: Tests for websocket frame encoding and decoding
// ABOUTME: Pins the run_script wire shape agents depend on

package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_RunScriptWireShape(t *testing.T) {
	data, err := Encode(RunScript{
		JobID:      "job-1",
		Language:   "bash",
		ScriptText: "echo hi",
		Args:       []string{"-x"},
		Env:        map[string]string{"FOO": "bar"},
		TimeoutSec: 30,
	})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "run_script", raw["type"])
	assert.Equal(t, "job-1", raw["jobId"])
	assert.Equal(t, "bash", raw["language"])
	assert.Equal(t, "echo hi", raw["scriptText"])
	assert.Equal(t, []any{"-x"}, raw["args"])
	assert.Equal(t, map[string]any{"FOO": "bar"}, raw["env"])
	assert.Equal(t, float64(30), raw["timeoutSec"])
	assert.Len(t, raw, 7)
}

func TestEncode_RunScriptEmptyCollections(t *testing.T) {
	data, err := Encode(&RunScript{JobID: "job-1", Language: "sh", ScriptText: "true"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"args":[]`)
	assert.Contains(t, string(data), `"env":{}`)
}

func TestEncode_StampsType(t *testing.T) {
	// A caller-supplied type never leaks onto the wire
	data, err := Encode(Heartbeat{Type: "bogus", Seq: 7})
	require.NoError(t, err)

	m, err := Decode(data)
	require.NoError(t, err)
	hb, ok := m.(*Heartbeat)
	require.True(t, ok, "got %T", m)
	assert.Equal(t, TypeHeartbeat, hb.Type)
	assert.Equal(t, int64(7), hb.Seq)
}

func TestDecode(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name string
		in   Message
		want Type
	}{
		{"welcome", Welcome{AgentID: "a", ConnectionID: "c", ServerTime: now, HeartbeatIntervalSec: 30}, TypeWelcome},
		{"run_script", RunScript{JobID: "j", Language: "bash", ScriptText: "ls"}, TypeRunScript},
		{"heartbeat", Heartbeat{Seq: 1, SentAt: now}, TypeHeartbeat},
		{"heartbeat_ack", HeartbeatAck{Seq: 1, ServerTime: now}, TypeHeartbeatAck},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.in)
			require.NoError(t, err)
			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.MessageType())
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte(`{"type":"launch_missiles"}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Decode([]byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"type":"heartbeat","seq":"x"}`))
	assert.Error(t, err)
}
