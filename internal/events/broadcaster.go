// Package events fans job-lifecycle events out to live subscribers, one
// buffered channel per subscriber. Delivery is fire-and-forget: a slow or
// dead subscriber never blocks the broadcast to others.
package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/extractable/extractable/constants"
)

const subscriberBuffer = 64

type Type string

const (
	TypeConnected    Type = "connected"
	TypeStatusUpdate Type = "status_update"
	TypeStepUpdate   Type = "step_update"
	TypeNotification Type = "notification"
)

// Event is one message on a job's stream.
type Event struct {
	Type             Type                `json:"type"`
	JobID            uuid.UUID           `json:"extraction_id"`
	Status           constants.JobStatus `json:"status,omitempty"`
	Step             *int                `json:"step,omitempty"`
	Title            string              `json:"title,omitempty"`
	Message          string              `json:"message,omitempty"`
	NotificationType string              `json:"notification_type,omitempty"`
	TimeElapsed      float64             `json:"time_elapsed,omitempty"`
	TimingMetrics    map[string]float64  `json:"timing_metrics,omitempty"`
	Error            string              `json:"error,omitempty"`
}

// StatusUpdate builds a status-transition event.
func StatusUpdate(jobID uuid.UUID, status constants.JobStatus, message string) Event {
	return Event{Type: TypeStatusUpdate, JobID: jobID, Status: status, Message: message}
}

// StepUpdate builds a stage-boundary event; elapsed is the seconds spent in
// the stage just completed.
func StepUpdate(jobID uuid.UUID, step int, message string, elapsed float64) Event {
	return Event{Type: TypeStepUpdate, JobID: jobID, Step: &step, Message: message, TimeElapsed: elapsed}
}

// Notification builds a user-facing notice (info or error).
func Notification(jobID uuid.UUID, title, message, kind string) Event {
	return Event{Type: TypeNotification, JobID: jobID, Title: title, Message: message, NotificationType: kind}
}

// Broadcaster manages subscriber channels per job id.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[uuid.UUID][]chan Event
	log  *slog.Logger
}

func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs: make(map[uuid.UUID][]chan Event),
		log:  logger,
	}
}

// Subscribe returns a buffered channel receiving the job's events. Multiple
// subscribers per job are supported.
func (b *Broadcaster) Subscribe(jobID uuid.UUID) chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[jobID] = append(b.subs[jobID], ch)
	n := len(b.subs[jobID])
	b.mu.Unlock()
	b.log.Debug("events.subscribe", "job_id", jobID, "subscribers", n)
	return ch
}

// Unsubscribe removes the channel; the job's channel set is torn down when
// the last subscriber leaves.
func (b *Broadcaster) Unsubscribe(jobID uuid.UUID, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	chans := b.subs[jobID]
	for i, c := range chans {
		if c == ch {
			b.subs[jobID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(b.subs[jobID]) == 0 {
		delete(b.subs, jobID)
	}
}

// Broadcast delivers the event to every current subscriber of the job id.
// Broadcasting to a job with zero subscribers is a no-op; events may be
// emitted before any listener attaches.
func (b *Broadcaster) Broadcast(jobID uuid.UUID, event Event) {
	// Sends stay under the read lock so CloseJob cannot close a channel
	// mid-send. They are non-blocking, so the lock is held only briefly.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[jobID] {
		select {
		case ch <- event:
		default:
			// full buffer means a stalled consumer; drop rather than block
		}
	}
}

// CloseJob sends a final event and closes all of the job's channels.
func (b *Broadcaster) CloseJob(jobID uuid.UUID, final Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[jobID] {
		select {
		case ch <- final:
		default:
		}
		close(ch)
	}
	delete(b.subs, jobID)
}
