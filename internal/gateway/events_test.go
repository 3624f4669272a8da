// ABOUTME: Tests for the job Server-Sent Events stream
// ABOUTME: Follows one job from queued to succeeded through a live agent socket

package gateway

import (
	"bufio"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/jobs"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/protocol"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/store"
)

// openEvents opens the job's event stream as the viewer operator.
func (e *testEnv) openEvents(t *testing.T, jobID string) *sseReader {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/api/jobs/"+jobID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.viewer)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return &sseReader{r: bufio.NewReader(resp.Body)}
}

func nextStatus(t *testing.T, s *sseReader) jobs.Event {
	t.Helper()
	name, data := s.next(t)
	require.Equal(t, SSEEventStatus, name)
	var ev jobs.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestJobEvents_FollowsJobToTerminal(t *testing.T) {
	env := newTestEnv(t)
	enrolled := env.enrollAgent(t, "dev-1")
	created := env.createJob(t, enrolled.AgentID, "echo ok")
	env.gw.dispatcher.Wait()

	stream := env.openEvents(t, created.JobID)

	ev := nextStatus(t, stream)
	assert.Equal(t, created.JobID, ev.JobID)
	assert.Equal(t, enrolled.AgentID, ev.AgentID)
	assert.Equal(t, store.JobStatusQueued, ev.Status)

	ws, _ := env.dialAgent(t, enrolled.Token)
	run, ok := readFrame(t, ws).(*protocol.RunScript)
	require.True(t, ok)
	require.Equal(t, created.JobID, run.JobID)

	assert.Equal(t, store.JobStatusDispatched, nextStatus(t, stream).Status)

	resp := env.do(t, http.MethodPost, "/api/agent/jobs/"+run.JobID+"/running", enrolled.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, store.JobStatusRunning, nextStatus(t, stream).Status)

	exitCode := 0
	resp = env.do(t, http.MethodPost, "/api/agent/jobs/"+run.JobID+"/finish", enrolled.Token, FinishRequest{
		Status: store.JobStatusSucceeded, ExitCode: &exitCode, Stdout: "ok",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, store.JobStatusSucceeded, nextStatus(t, stream).Status)

	// The stream ends after a terminal status
	_, err := stream.r.ReadString('\n')
	assert.Error(t, err)
}

func TestJobEvents_TerminalJobSendsOneEvent(t *testing.T) {
	env := newTestEnv(t)
	enrolled := env.enrollAgent(t, "dev-1")
	created := env.createJob(t, enrolled.AgentID, "exit 3")

	exitCode := 3
	resp := env.do(t, http.MethodPost, "/api/agent/jobs/"+created.JobID+"/finish", enrolled.Token, FinishRequest{
		Status: store.JobStatusFailed, ExitCode: &exitCode,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stream := env.openEvents(t, created.JobID)
	ev := nextStatus(t, stream)
	assert.Equal(t, store.JobStatusFailed, ev.Status)
	assert.False(t, ev.At.IsZero())

	_, err := stream.r.ReadString('\n')
	assert.Error(t, err)
}

func TestJobEvents_UnknownJob(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/jobs/missing/events", env.viewer, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Eventually(t, func() bool {
		return env.gw.events.SubscriberCount("missing") == 0
	}, time.Second, 10*time.Millisecond)
}

func TestStatusRank(t *testing.T) {
	assert.Less(t, statusRank(store.JobStatusQueued), statusRank(store.JobStatusDispatched))
	assert.Less(t, statusRank(store.JobStatusDispatched), statusRank(store.JobStatusRunning))
	assert.Less(t, statusRank(store.JobStatusRunning), statusRank(store.JobStatusSucceeded))
	assert.Equal(t, statusRank(store.JobStatusSucceeded), statusRank(store.JobStatusFailed))
	assert.Equal(t, statusRank(store.JobStatusFailed), statusRank(store.JobStatusTimeout))
}
