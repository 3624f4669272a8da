// ABOUTME: One agent websocket session: welcome, heartbeats and run_script handling
// ABOUTME: Each pushed job runs in its own goroutine and is reported over HTTP

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/protocol"
)

const (
	writeTimeout     = 10 * time.Second
	reportTimeout    = 30 * time.Second
	defaultHeartbeat = 30 * time.Second
)

type agent struct {
	api    *apiClient
	logger *slog.Logger
	runner *runner

	mu      sync.Mutex
	handled map[string]struct{}
	jobs    sync.WaitGroup
}

func newAgent(api *apiClient, logger *slog.Logger, r *runner) *agent {
	return &agent{
		api:     api,
		logger:  logger,
		runner:  r,
		handled: make(map[string]struct{}),
	}
}

// wait blocks until running jobs have reported.
func (a *agent) wait() {
	a.jobs.Wait()
}

// claim returns false if the job was already taken by an earlier push.
func (a *agent) claim(jobID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.handled[jobID]; ok {
		return false
	}
	a.handled[jobID] = struct{}{}
	return true
}

// serve runs one websocket session until it fails or ctx is cancelled.
// connected reports whether the handshake succeeded.
func (a *agent) serve(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.api.token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, a.api.wsURL(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, errUnauthorized
		}
		return false, fmt.Errorf("websocket dial failed: %w", err)
	}
	defer conn.Close()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessionCtx.Done()
		// Unblocks ReadMessage
		conn.Close()
	}()

	var writeMu sync.Mutex
	send := func(m protocol.Message) error {
		data, err := protocol.Encode(m)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	var heartbeatOnce sync.Once
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, fmt.Errorf("read: %w", err)
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			a.logger.Debug("ignoring frame", "error", err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.Welcome:
			a.logger.Info("connected", "agent_id", m.AgentID, "connection_id", m.ConnectionID)
			interval := time.Duration(m.HeartbeatIntervalSec) * time.Second
			if interval <= 0 {
				interval = defaultHeartbeat
			}
			heartbeatOnce.Do(func() {
				go a.heartbeat(sessionCtx, interval, send)
			})

		case *protocol.RunScript:
			if !a.claim(m.JobID) {
				a.logger.Debug("job already handled", "job_id", m.JobID)
				continue
			}
			a.jobs.Add(1)
			go func() {
				defer a.jobs.Done()
				a.handleJob(ctx, m)
			}()

		case *protocol.HeartbeatAck:
			a.logger.Debug("heartbeat acknowledged", "seq", m.Seq)

		default:
			a.logger.Debug("unexpected frame", "type", msg.MessageType())
		}
	}
}

func (a *agent) heartbeat(ctx context.Context, interval time.Duration, send func(protocol.Message) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			if err := send(protocol.Heartbeat{Seq: seq, SentAt: time.Now()}); err != nil {
				a.logger.Debug("heartbeat failed", "error", err)
				return
			}
		}
	}
}

// handleJob marks the job running, executes it and reports the result.
// Reports outlive ctx so a shutdown still records how the job ended.
func (a *agent) handleJob(ctx context.Context, job *protocol.RunScript) {
	logger := a.logger.With("job_id", job.JobID)
	reportCtx := context.WithoutCancel(ctx)

	runningCtx, cancel := context.WithTimeout(reportCtx, reportTimeout)
	err := a.api.running(runningCtx, job.JobID)
	cancel()
	if statusOf(err) == http.StatusConflict {
		logger.Info("job already finished, skipping")
		return
	}
	if err != nil {
		logger.Warn("running report failed", "error", err)
	}

	logger.Info("running job", "language", job.Language, "timeout_sec", job.TimeoutSec)
	res := a.runner.run(ctx, job)

	finishCtx, cancel := context.WithTimeout(reportCtx, reportTimeout)
	defer cancel()
	err = a.api.finish(finishCtx, job.JobID, res)
	switch {
	case err == nil:
		logger.Info("job finished", "status", res.status, "duration", res.duration)
	case statusOf(err) == http.StatusConflict:
		logger.Info("job was already finished")
	case errors.Is(err, errUnauthorized):
		logger.Error("finish rejected: agent token no longer valid")
	default:
		logger.Error("finish report failed", "error", err)
	}
}
