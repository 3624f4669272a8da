// ABOUTME: Shared fixtures for jobs tests: a mock store, a registry of fake sockets and a wired service
// ABOUTME: The clock is stepped by hand so creation order is deterministic

package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/agent"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/dedupe"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/store"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type harness struct {
	store  *store.MockStore
	mgr    *agent.Manager
	svc    *Service
	disp   *Dispatcher
	events *EventBroadcaster
	idem   *dedupe.Cache
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := store.NewMockStore()
	mgr := agent.NewManager(nil)
	events := NewEventBroadcaster(nil)
	idem := dedupe.New(time.Hour, 100)

	svc := NewService(s, Options{Events: events, Idempotency: idem})
	clock := &stepClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc.now = clock.Now

	disp := NewDispatcher(s, mgr, svc, nil)
	svc.SetDispatcher(disp)

	t.Cleanup(func() {
		disp.Close()
		events.Close()
		idem.Close()
	})
	return &harness{store: s, mgr: mgr, svc: svc, disp: disp, events: events, idem: idem}
}

func (h *harness) addAgent(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.store.CreateAgent(context.Background(), &store.Agent{
		ID:        id,
		DeviceID:  "device-" + id,
		TokenHash: "hash-" + id,
		Facts:     store.AgentFacts{Hostname: "host-" + id, OS: "linux", Arch: "amd64", Version: "1.0.0"},
	}))
}

// connect registers a fake socket for the agent without flushing its queue.
func (h *harness) connect(t *testing.T, id string) *agent.FakeStream {
	t.Helper()
	stream := agent.NewFakeStream()
	h.mgr.Register(agent.NewConnection(agent.ConnectionParams{AgentID: id, Stream: stream}))
	return stream
}

// create queues a job and waits for its background dispatch attempt.
func (h *harness) create(t *testing.T, agentID, script string) string {
	t.Helper()
	res, err := h.svc.Create(context.Background(), CreateRequest{
		AgentID:    agentID,
		Language:   "bash",
		ScriptText: script,
		CreatedBy:  "op-1",
	})
	require.NoError(t, err)
	h.disp.Wait()
	return res.JobID
}

func (h *harness) status(t *testing.T, jobID string) store.JobStatus {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return job.Status
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }
