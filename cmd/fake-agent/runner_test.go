// ABOUTME: Tests for script execution, output capture and the persisted agent state
// ABOUTME: Script tests need sh on PATH and are skipped otherwise

package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/protocol"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/store"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func testRunner(t *testing.T) *runner {
	r := newRunner()
	r.tempDir = t.TempDir()
	return r
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(8)
	_, _ = b.Write([]byte("abc"))
	assert.Equal(t, "abc", b.String())

	_, _ = b.Write([]byte("defgh"))
	assert.Equal(t, "abcdefgh", b.String())

	n, err := b.Write([]byte("ij"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, truncatedMarker+"cdefghij", b.String())

	n, _ = b.Write([]byte("0123456789XYZ"))
	assert.Equal(t, 13, n)
	assert.Equal(t, truncatedMarker+"56789XYZ", b.String())
}

func TestInterpreterFor(t *testing.T) {
	for _, lang := range []string{"bash", "sh", "SHELL", "python", "python3", "powershell", "pwsh", "cmd"} {
		_, err := interpreterFor(lang)
		assert.NoError(t, err, lang)
	}

	ps, err := interpreterFor("powershell")
	require.NoError(t, err)
	assert.Equal(t, ".ps1", ps.ext)
	assert.Equal(t, "-File", ps.args[len(ps.args)-1])

	_, err = interpreterFor("cobol")
	assert.ErrorContains(t, err, "unsupported language")
}

func TestRunner_Succeeds(t *testing.T) {
	requireShell(t)

	res := testRunner(t).run(t.Context(), &protocol.RunScript{
		JobID:      "j1",
		Language:   "sh",
		ScriptText: `echo "$1-$2 $GREETING"; echo oops >&2`,
		Args:       []string{"a", "b"},
		Env:        map[string]string{"GREETING": "hello"},
	})

	assert.Equal(t, store.JobStatusSucceeded, res.status)
	require.NotNil(t, res.exitCode)
	assert.Equal(t, 0, *res.exitCode)
	assert.Equal(t, "a-b hello\n", res.stdout)
	assert.Equal(t, "oops\n", res.stderr)
	assert.Positive(t, res.duration)
}

func TestRunner_NonZeroExitFails(t *testing.T) {
	requireShell(t)

	res := testRunner(t).run(t.Context(), &protocol.RunScript{Language: "sh", ScriptText: "exit 3"})
	assert.Equal(t, store.JobStatusFailed, res.status)
	require.NotNil(t, res.exitCode)
	assert.Equal(t, 3, *res.exitCode)
}

func TestRunner_Timeout(t *testing.T) {
	requireShell(t)

	start := time.Now()
	res := testRunner(t).run(t.Context(), &protocol.RunScript{Language: "sh", ScriptText: "sleep 10", TimeoutSec: 1})
	assert.Equal(t, store.JobStatusTimeout, res.status)
	assert.Nil(t, res.exitCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunner_UnsupportedLanguage(t *testing.T) {
	res := testRunner(t).run(t.Context(), &protocol.RunScript{Language: "cobol", ScriptText: "DISPLAY 'HI'."})
	assert.Equal(t, store.JobStatusFailed, res.status)
	require.NotNil(t, res.exitCode)
	assert.Equal(t, -1, *res.exitCode)
	assert.Contains(t, res.stderr, "unsupported language")
}

func TestRunner_RemovesScriptFile(t *testing.T) {
	requireShell(t)
	r := testRunner(t)

	r.run(t.Context(), &protocol.RunScript{Language: "sh", ScriptText: "true"})

	entries, err := os.ReadDir(r.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunner_KeepsOutputTail(t *testing.T) {
	requireShell(t)
	r := testRunner(t)
	r.maxOutput = 16

	res := r.run(t.Context(), &protocol.RunScript{Language: "sh", ScriptText: "i=0; while [ $i -lt 50 ]; do echo line$i; i=$((i+1)); done"})
	assert.Equal(t, store.JobStatusSucceeded, res.status)
	assert.True(t, strings.HasPrefix(res.stdout, truncatedMarker))
	assert.True(t, strings.HasSuffix(res.stdout, "line49\n"))
}

func TestState_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.yaml")

	s, err := loadState(path)
	require.NoError(t, err)
	assert.False(t, s.usable("http://gw", "dev-1"))

	want := &agentState{Server: "http://gw", DeviceID: "dev-1", AgentID: "a-1", Token: "tok"}
	require.NoError(t, saveState(path, want))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := loadState(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.True(t, got.usable("http://gw", "dev-1"))
	assert.False(t, got.usable("http://other", "dev-1"))
	assert.False(t, got.usable("http://gw", "dev-2"))
}

func TestState_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	require.NoError(t, os.WriteFile(path, []byte("token: [unclosed"), 0o600))
	_, err := loadState(path)
	assert.Error(t, err)
}

func TestInventory(t *testing.T) {
	items := inventory(hostFacts{os: "linux", platform: "ubuntu", platformVersion: "24.04", platformFamily: "debian", kernelVersion: "6.8.0"})
	require.Len(t, items, 3)
	assert.Equal(t, "fake-agent", items[0].Name)
	assert.Equal(t, store.SoftwareItem{Name: "ubuntu", Version: "24.04", Publisher: "debian"}, items[1])
	assert.Equal(t, "linux kernel", items[2].Name)

	assert.Len(t, inventory(hostFacts{os: "linux"}), 1)
}

func TestOSLabel(t *testing.T) {
	assert.Equal(t, "linux ubuntu 24.04", hostFacts{os: "linux", platform: "ubuntu", platformVersion: "24.04"}.osLabel())
	assert.Equal(t, "darwin", hostFacts{os: "darwin"}.osLabel())
}
