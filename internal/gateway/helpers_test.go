// ABOUTME: Shared fixtures for gateway tests: config, httptest server, operators and agent sockets
// ABOUTME: Every test runs against a real SQLite file and the real chi router

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/config"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/enroll"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/jobs"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/protocol"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/store"
)

const (
	testJWTSecret        = "test-secret-key-for-jwt-signing!"
	testEnrollmentSecret = "enroll-me"
)

// freeAddr reserves and releases a loopback port.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// testConfig creates a minimal valid config backed by a temp SQLite file.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{
			GRPCAddr: freeAddr(t),
			HTTPAddr: freeAddr(t),
		},
		Database: config.DatabaseConfig{
			Driver: store.DriverModernc,
			Path:   filepath.Join(t.TempDir(), "gateway.db"),
		},
		Auth: config.AuthConfig{
			JWTSecret:        testJWTSecret,
			EnrollmentSecret: testEnrollmentSecret,
		},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	gw     *Gateway
	srv    *httptest.Server
	admin  string // admin operator JWT
	viewer string // viewer operator JWT
}

// newTestEnv serves a fresh gateway over httptest. mutate may adjust the config.
func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()

	cfg := testConfig(t)
	for _, m := range mutate {
		m(cfg)
	}

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		// Shutdown first: it closes agent sockets and event streams that srv.Close would wait on.
		_ = gw.Shutdown(context.Background())
		srv.Close()
	})

	ctx := context.Background()
	require.NoError(t, gw.store.CreateOperator(ctx, &store.Operator{ID: "admin-1", DisplayName: "Admin", Role: store.OperatorRoleAdmin}))
	require.NoError(t, gw.store.CreateOperator(ctx, &store.Operator{ID: "viewer-1", DisplayName: "Viewer", Role: store.OperatorRoleViewer}))

	admin, err := gw.verifier.Generate("admin-1", time.Hour)
	require.NoError(t, err)
	viewer, err := gw.verifier.Generate("viewer-1", time.Hour)
	require.NoError(t, err)

	return &testEnv{gw: gw, srv: srv, admin: admin, viewer: viewer}
}

// do sends a request. body may be nil, a string (sent verbatim) or a value to JSON-encode.
func (e *testEnv) do(t *testing.T, method, path, token string, body any, headers ...string) *http.Response {
	t.Helper()

	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// decodeBody decodes a JSON response body into T.
func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v), "status %d", resp.StatusCode)
	return v
}

// errorBody returns the "error" field of a JSON error response.
func errorBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	return decodeBody[map[string]string](t, resp)["error"]
}

// enrollAgent enrolls a device over HTTP and returns the result.
func (e *testEnv) enrollAgent(t *testing.T, deviceID string) enroll.Result {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/agent/enroll", "", enroll.Request{
		EnrollmentSecret: testEnrollmentSecret,
		DeviceID:         deviceID,
		Hostname:         "host-" + deviceID,
		OS:               "linux",
		Arch:             "amd64",
		Version:          "1.0.0",
	})
	require.Contains(t, []int{http.StatusCreated, http.StatusOK}, resp.StatusCode)
	return decodeBody[enroll.Result](t, resp)
}

// createJob creates a job as the admin operator and returns the 202 body.
func (e *testEnv) createJob(t *testing.T, agentID, script string) jobs.CreateResult {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/jobs", e.admin, CreateJobRequest{
		AgentID:    agentID,
		Language:   "bash",
		ScriptText: script,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	return decodeBody[jobs.CreateResult](t, resp)
}

// jobStatus reads a job's status over the operator API.
func (e *testEnv) jobStatus(t *testing.T, jobID string) store.JobStatus {
	t.Helper()
	resp := e.do(t, http.MethodGet, "/api/jobs/"+jobID, e.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeBody[JobResponse](t, resp).Status
}

// dialAgent opens the agent websocket, reads the welcome frame and waits
// until the connection is the registered one.
func (e *testEnv) dialAgent(t *testing.T, token string) (*websocket.Conn, *protocol.Welcome) {
	t.Helper()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/agent/ws"

	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })

	welcome, ok := readFrame(t, ws).(*protocol.Welcome)
	require.True(t, ok, "first frame must be welcome")

	require.Eventually(t, func() bool {
		conn, ok := e.gw.agentManager.GetAgent(welcome.AgentID)
		return ok && conn.ID == welcome.ConnectionID
	}, 2*time.Second, 5*time.Millisecond)

	return ws, welcome
}

// readFrame reads and decodes one frame within a deadline.
func readFrame(t *testing.T, ws *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

// writeFrame encodes and writes one frame.
func writeFrame(t *testing.T, ws *websocket.Conn, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

// sseReader parses "event:"/"data:" blocks from a text/event-stream body.
type sseReader struct {
	r *bufio.Reader
}

// next returns the event name and data of the next event, skipping comments.
func (s *sseReader) next(t *testing.T) (string, []byte) {
	t.Helper()
	var event string
	var data []byte
	for {
		line, err := s.r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if event != "" || data != nil {
				return event, data
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = []byte(strings.TrimPrefix(line, "data: "))
		}
	}
}
