// ABOUTME: Persisted agent identity: the agent id and bearer token issued at enrollment
// ABOUTME: Stored as YAML with 0600 permissions next to wherever --state points

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type agentState struct {
	Server   string `yaml:"server"`
	DeviceID string `yaml:"device_id"`
	AgentID  string `yaml:"agent_id"`
	Token    string `yaml:"token"`
}

// usable reports whether the saved token belongs to this server and device.
func (s *agentState) usable(server, deviceID string) bool {
	return s.Token != "" && s.Server == server && s.DeviceID == deviceID
}

// loadState reads the state file. A missing file yields an empty state.
func loadState(path string) (*agentState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &agentState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state: %w", err)
	}

	var s agentState
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing state %s: %w", path, err)
	}
	return &s, nil
}

// saveState writes the state atomically.
func saveState(path string, s *agentState) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating state directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing state: %w", err)
	}
	return nil
}
