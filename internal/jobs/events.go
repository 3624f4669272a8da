// ABOUTME: In-memory fan-out of job status transitions
// ABOUTME: Subscribers register for one job id and receive each transition as it is persisted

package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/store"
)

// subscriberBufferSize is the channel buffer for each subscriber. A job has
// at most four transitions.
const subscriberBufferSize = 16

// Event is one persisted status transition.
type Event struct {
	JobID   string          `json:"jobId"`
	AgentID string          `json:"agentId"`
	Status  store.JobStatus `json:"status"`
	At      time.Time       `json:"at"`
}

// EventBroadcaster provides in-memory pub/sub for job transitions. It is
// process-local, like the connection registry.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // jobID -> subID -> ch
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "job_events"),
	}
}

// Subscribe registers for events on jobID. The subscription is removed and
// its channel closed when ctx is cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, jobID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[jobID]; !ok {
		b.subscribers[jobID] = make(map[string]chan *Event)
	}
	b.subscribers[jobID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "job_id", jobID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(jobID, subID)
	}()

	return ch, subID
}

// Publish sends an event to every subscriber of its job. Non-blocking:
// events are dropped for subscribers whose channels are full.
func (b *EventBroadcaster) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers[event.JobID] {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"job_id", event.JobID,
				"sub_id", subID,
				"status", event.Status)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(jobID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[jobID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, jobID)
	}

	b.logger.Debug("subscriber removed", "job_id", jobID, "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions for jobID.
func (b *EventBroadcaster) SubscriberCount(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[jobID])
}

// Close closes all subscriber channels.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for jobID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, jobID)
	}
	b.logger.Debug("broadcaster closed")
}
