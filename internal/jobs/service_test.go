// ABOUTME: Tests for job creation, agent callbacks and the status state machine
// ABOUTME: Covers not-found targets, owner checks, duplicate finishes and idempotency keys

package jobs

import (
	"context"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/store"
)

func TestCreate_UnknownAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, req := range []CreateRequest{
		{AgentID: "ghost", Language: "bash", ScriptText: "id"},
		{DeviceID: "no-such-device", Language: "bash", ScriptText: "id"},
	} {
		_, err := h.svc.Create(ctx, req)
		assert.ErrorIs(t, err, ErrAgentNotFound)
	}

	jobs, err := h.store.ListJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs, "nothing is persisted for an unknown target")
}

func TestCreate_ByDeviceID(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-1")

	res, err := h.svc.Create(context.Background(), CreateRequest{
		DeviceID:   "device-agent-1",
		Language:   "powershell",
		ScriptText: "Get-Date",
		CreatedBy:  "op-1",
	})
	require.NoError(t, err)
	h.disp.Wait()

	assert.Equal(t, "agent-1", res.AgentID)
	assert.Equal(t, store.JobStatusQueued, res.Status)
}

func TestCreate_RevokedAgent(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-1")
	require.NoError(t, h.store.RevokeAgent(context.Background(), "agent-1"))

	_, err := h.svc.Create(context.Background(), CreateRequest{AgentID: "agent-1", Language: "bash", ScriptText: "id"})
	assert.ErrorIs(t, err, ErrAgentRevoked)
}

func TestCreate_InvalidPayload(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-1")

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"no target", CreateRequest{Language: "bash", ScriptText: "id"}},
		{"no language", CreateRequest{AgentID: "agent-1", ScriptText: "id"}},
		{"blank script", CreateRequest{AgentID: "agent-1", Language: "bash", ScriptText: "  \n"}},
		{"huge script", CreateRequest{AgentID: "agent-1", Language: "bash", ScriptText: strings.Repeat("x", maxScriptBytes+1)}},
		{"negative timeout", CreateRequest{AgentID: "agent-1", Language: "bash", ScriptText: "id", TimeoutSec: -1}},
		{"bad env name", CreateRequest{AgentID: "agent-1", Language: "bash", ScriptText: "id", Env: map[string]string{"A=B": "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Create(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}

func TestCreate_DefaultTimeout(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-1")

	id := h.create(t, "agent-1", "uptime")
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int(DefaultTimeout.Seconds()), job.Payload.TimeoutSec)
	assert.Equal(t, "op-1", job.CreatedBy)
}

func TestCreate_OfflineAgentStaysQueued(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-1")

	id := h.create(t, "agent-1", "echo hi")

	job, result, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusQueued, job.Status)
	assert.Nil(t, job.DispatchedAt)
	assert.Nil(t, result)
}

func TestCreate_OnlineAgentDispatched(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-1")
	stream := h.connect(t, "agent-1")

	id := h.create(t, "agent-1", "echo hi")

	assert.Equal(t, store.JobStatusDispatched, h.status(t, id))
	scripts := stream.RunScripts()
	require.Len(t, scripts, 1)
	assert.Equal(t, id, scripts[0].JobID)
	assert.Equal(t, "echo hi", scripts[0].ScriptText)
}

func TestCreate_IdempotencyKey(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-1")
	ctx := context.Background()

	req := CreateRequest{AgentID: "agent-1", Language: "bash", ScriptText: "id", CreatedBy: "op-1", IdempotencyKey: "k-1"}
	first, err := h.svc.Create(ctx, req)
	require.NoError(t, err)
	second, err := h.svc.Create(ctx, req)
	require.NoError(t, err)
	h.disp.Wait()

	assert.Equal(t, first.JobID, second.JobID)
	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)

	// Keys are scoped per operator
	req.CreatedBy = "op-2"
	third, err := h.svc.Create(ctx, req)
	require.NoError(t, err)
	h.disp.Wait()
	assert.NotEqual(t, first.JobID, third.JobID)

	jobs, err := h.store.ListJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestCreate_IdempotencyKeyReleasedOnFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := CreateRequest{AgentID: "agent-1", Language: "bash", ScriptText: "id", CreatedBy: "op-1", IdempotencyKey: "k-1"}
	_, err := h.svc.Create(ctx, req)
	require.ErrorIs(t, err, ErrAgentNotFound)

	h.addAgent(t, "agent-1")
	res, err := h.svc.Create(ctx, req)
	require.NoError(t, err)
	h.disp.Wait()
	assert.False(t, res.Replayed)
}

func TestRunningThenFinish(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-1")
	h.connect(t, "agent-1")
	ctx := context.Background()

	id := h.create(t, "agent-1", "echo ok")
	require.NoError(t, h.svc.MarkRunning(ctx, "agent-1", id))
	assert.Equal(t, store.JobStatusRunning, h.status(t, id))

	job, result, err := h.svc.Finish(ctx, "agent-1", id, FinishReport{
		Status:     store.JobStatusSucceeded,
		ExitCode:   intPtr(0),
		Stdout:     "ok",
		Stderr:     "",
		DurationMs: int64Ptr(120),
	})
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusSucceeded, job.Status)
	require.NotNil(t, result)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 0, *result.ExitCode)
	assert.Equal(t, "ok", result.Stdout)
	assert.Equal(t, int64(120), *result.DurationMs)

	job, result, err = h.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusSucceeded, job.Status)
	assert.NotNil(t, job.DispatchedAt)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.FinishedAt)
	assert.Equal(t, "ok", result.Stdout)

	entries, err := h.store.ListAuditLog(ctx, store.AuditFilter{})
	require.NoError(t, err)
	actions := make([]store.AuditAction, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.ElementsMatch(t, []store.AuditAction{store.AuditCreateJob, store.AuditFinishJob}, actions)
}

func TestMarkRunning_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-1")
	ctx := context.Background()

	// Straight from queued, and repeated
	id := h.create(t, "agent-1", "id")
	require.NoError(t, h.svc.MarkRunning(ctx, "agent-1", id))
	first, err := h.store.GetJob(ctx, id)
	require.NoError(t, err)
	require.NoError(t, h.svc.MarkRunning(ctx, "agent-1", id))
	second, err := h.store.GetJob(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, store.JobStatusRunning, second.Status)
	assert.Equal(t, first.StartedAt, second.StartedAt, "first start time is kept")
}

func TestOwnerCheck(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-1")
	h.addAgent(t, "agent-2")
	ctx := context.Background()

	id := h.create(t, "agent-1", "id")

	assert.ErrorIs(t, h.svc.MarkRunning(ctx, "agent-2", id), ErrNotJobOwner)
	_, _, err := h.svc.Finish(ctx, "agent-2", id, FinishReport{Status: store.JobStatusFailed})
	assert.ErrorIs(t, err, ErrNotJobOwner)

	assert.Equal(t, store.JobStatusQueued, h.status(t, id), "foreign reports change nothing")
}

func TestCallbacks_UnknownJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.svc.MarkRunning(ctx, "agent-1", "nope"), ErrJobNotFound)
	_, _, err := h.svc.Finish(ctx, "agent-1", "nope", FinishReport{Status: store.JobStatusSucceeded})
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, _, err = h.svc.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestFinish_RejectsNonTerminalStatus(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-1")
	id := h.create(t, "agent-1", "id")

	for _, st := range []store.JobStatus{store.JobStatusQueued, store.JobStatusDispatched, store.JobStatusRunning, "exploded"} {
		_, _, err := h.svc.Finish(context.Background(), "agent-1", id, FinishReport{Status: st})
		assert.ErrorIs(t, err, ErrInvalidStatus, "status %q", st)
	}
}

func TestFinish_DuplicateIsRejected(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-1")
	ctx := context.Background()
	id := h.create(t, "agent-1", "id")

	_, _, err := h.svc.Finish(ctx, "agent-1", id, FinishReport{Status: store.JobStatusFailed, ExitCode: intPtr(2), Stderr: "boom"})
	require.NoError(t, err)

	_, _, err = h.svc.Finish(ctx, "agent-1", id, FinishReport{Status: store.JobStatusSucceeded, ExitCode: intPtr(0), Stdout: "late"})
	assert.ErrorIs(t, err, ErrJobTerminal)
	assert.ErrorIs(t, h.svc.MarkRunning(ctx, "agent-1", id), ErrJobTerminal)

	job, result, err := h.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusFailed, job.Status)
	assert.Equal(t, "boom", result.Stderr)
	assert.Equal(t, 2, *result.ExitCode)
}

func TestFinish_ConcurrentSingleWinner(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-1")
	id := h.create(t, "agent-1", "id")

	statuses := []store.JobStatus{store.JobStatusSucceeded, store.JobStatusFailed, store.JobStatusTimeout}
	var wg sync.WaitGroup
	errs := make([]error, 12)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = h.svc.Finish(context.Background(), "agent-1", id, FinishReport{Status: statuses[i%3]})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrJobTerminal)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestFinish_TruncatesOutput(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-1")
	id := h.create(t, "agent-1", "yes")

	_, result, err := h.svc.Finish(context.Background(), "agent-1", id, FinishReport{
		Status: store.JobStatusTimeout,
		Stdout: strings.Repeat("y", MaxOutputBytes+10),
	})
	require.NoError(t, err)
	assert.Len(t, result.Stdout, MaxOutputBytes)
	assert.Nil(t, result.ExitCode, "a timed-out job may have no exit code")
}

func TestFinish_TruncatesOnRuneBoundary(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-1")
	id := h.create(t, "agent-1", "locale")

	// The two-byte é straddles the cap
	out := strings.Repeat("y", MaxOutputBytes-1) + "é" + "tail"
	_, result, err := h.svc.Finish(context.Background(), "agent-1", id, FinishReport{
		Status: store.JobStatusSucceeded,
		Stdout: out,
	})
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(result.Stdout))
	assert.Len(t, result.Stdout, MaxOutputBytes-1)

	job, stored, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusSucceeded, job.Status)
	assert.True(t, utf8.ValidString(stored.Stdout))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ab", truncate("abc", 2))
	// "日" is three bytes; a cap inside it drops the whole rune
	assert.Equal(t, "a", truncate("a日b", 2))
	assert.Equal(t, "a", truncate("a日b", 3))
	assert.Equal(t, "a日", truncate("a日b", 4))
}

// Every path into a terminal status is final, and a result exists exactly
// when the status is terminal.
func TestStateMachine_Monotonic(t *testing.T) {
	type step func(h *harness, id string) error
	ctx := context.Background()
	running := func(h *harness, id string) error { return h.svc.MarkRunning(ctx, "agent-1", id) }
	dispatched := func(h *harness, id string) error { return h.svc.MarkDispatched(ctx, "agent-1", id) }
	finish := func(st store.JobStatus) step {
		return func(h *harness, id string) error {
			_, _, err := h.svc.Finish(ctx, "agent-1", id, FinishReport{Status: st})
			return err
		}
	}

	steps := map[string]step{
		"dispatched": dispatched,
		"running":    running,
		"succeeded":  finish(store.JobStatusSucceeded),
		"failed":     finish(store.JobStatusFailed),
		"timeout":    finish(store.JobStatusTimeout),
	}
	names := []string{"dispatched", "running", "succeeded", "failed", "timeout"}

	for _, a := range names {
		for _, b := range names {
			for _, c := range names {
				t.Run(a+"/"+b+"/"+c, func(t *testing.T) {
					h := newHarness(t)
					h.addAgent(t, "agent-1")
					id := h.create(t, "agent-1", "id")

					var terminal store.JobStatus
					for _, name := range []string{a, b, c} {
						_ = steps[name](h, id)
						job, result, err := h.svc.Get(ctx, id)
						require.NoError(t, err)
						if terminal != "" {
							assert.Equal(t, terminal, job.Status, "terminal status changed")
						}
						if job.Status.Terminal() {
							terminal = job.Status
							assert.NotNil(t, result)
						} else {
							assert.Nil(t, result)
						}
					}
				})
			}
		}
	}
}

func TestList(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-1")
	h.addAgent(t, "agent-2")
	ctx := context.Background()

	a := h.create(t, "agent-1", "a")
	b := h.create(t, "agent-1", "b")
	h.create(t, "agent-2", "c")
	_, _, err := h.svc.Finish(ctx, "agent-1", a, FinishReport{Status: store.JobStatusSucceeded})
	require.NoError(t, err)

	jobs, err := h.svc.List(ctx, store.JobFilter{AgentID: "agent-1"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, b, jobs[0].ID, "newest first")

	jobs, err = h.svc.List(ctx, store.JobFilter{Statuses: []store.JobStatus{store.JobStatusSucceeded}})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, a, jobs[0].ID)

	_, err = h.svc.List(ctx, store.JobFilter{Statuses: []store.JobStatus{"bogus"}})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	jobs, err = h.svc.List(ctx, store.JobFilter{AgentID: "nobody"})
	require.NoError(t, err)
	assert.NotNil(t, jobs)
	assert.Empty(t, jobs)
}
