// Package queue schedules extraction jobs per user. Each user has an
// independent priority queue and at most one job of theirs runs at a time;
// jobs for different users run concurrently. Within a user's queue, higher
// priority runs first and equal priorities run in arrival order.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/extractable/extractable/constants"
	"github.com/extractable/extractable/internal/entity"
	"github.com/extractable/extractable/internal/events"
	"github.com/extractable/extractable/internal/metrics"
	"github.com/extractable/extractable/internal/repository"
)

var ErrShuttingDown = errors.New("queue: shutting down")

const defaultJobTimeout = 15 * time.Minute

// Runner executes one job end to end. Satisfied by pipeline.Pipeline.
type Runner interface {
	Run(ctx context.Context, job *entity.Extraction, input []byte) error
}

// item is one queued job plus its upload bytes. The bytes live only in the
// queue; they are handed to the runner exactly once and the queue's
// reference is dropped at dispatch.
type item struct {
	job   *entity.Extraction
	input []byte
	seq   uint64
}

type userQueue []*item

func (q userQueue) Len() int { return len(q) }
func (q userQueue) Less(i, j int) bool {
	ri, rj := q[i].job.Priority.Rank(), q[j].job.Priority.Rank()
	if ri != rj {
		return ri < rj
	}
	return q[i].seq < q[j].seq
}
func (q userQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *userQueue) Push(x any)   { *q = append(*q, x.(*item)) }
func (q *userQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

type Manager struct {
	store      repository.Store
	runner     Runner
	events     *events.Broadcaster
	metrics    *metrics.Metrics
	log        *slog.Logger
	jobTimeout time.Duration

	mu         sync.Mutex
	queues     map[int64]*userQueue
	processing map[int64]struct{}
	seq        uint64
	closed     bool

	wg sync.WaitGroup
}

type Option func(*Manager)

// WithJobTimeout bounds the wall-clock time one job may spend in the runner.
func WithJobTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.jobTimeout = d
		}
	}
}

func NewManager(store repository.Store, runner Runner, bc *events.Broadcaster, met *metrics.Metrics, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:      store,
		runner:     runner,
		events:     bc,
		metrics:    met,
		log:        logger,
		jobTimeout: defaultJobTimeout,
		queues:     make(map[int64]*userQueue),
		processing: make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue schedules the job. If the user has nothing running the job starts
// immediately; otherwise it waits in the user's queue in priority order.
func (m *Manager) Enqueue(job *entity.Extraction, input []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	m.seq++
	it := &item{job: job, input: input, seq: m.seq}

	if _, busy := m.processing[job.UserID]; busy {
		q, ok := m.queues[job.UserID]
		if !ok {
			q = &userQueue{}
			m.queues[job.UserID] = q
		}
		heap.Push(q, it)
		depth := q.Len()
		m.gaugeDepth()
		m.mu.Unlock()
		m.log.Info("queue.enqueued", "job_id", job.ID, "user_id", job.UserID,
			"priority", job.Priority, "depth", depth)
		return nil
	}

	m.processing[job.UserID] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(it)
	return nil
}

// Depth reports how many jobs are waiting across all user queues.
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, q := range m.queues {
		n += q.Len()
	}
	return n
}

// Shutdown stops accepting jobs and waits for running ones, up to the
// context deadline. Queued jobs that never started stay pending in the
// store and are picked up as stuck by the reaper if the process does not
// return.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run(it *item) {
	defer m.wg.Done()

	job := it.job
	input := it.input
	it.input = nil

	// The user's slot is handed off no matter how this worker exits.
	defer m.dispatchNext(job.UserID)

	ctx, cancel := context.WithTimeout(context.Background(), m.jobTimeout)
	defer cancel()

	log := m.log.With("job_id", job.ID, "user_id", job.UserID)
	if err := m.store.UpdateStatus(ctx, job.ID, constants.JobStatusProcessing); err != nil {
		log.Error("queue.mark_processing_failed", "error", err)
	}
	job.Status = constants.JobStatusProcessing
	if m.events != nil {
		m.events.Broadcast(job.ID, events.StatusUpdate(job.ID, constants.JobStatusProcessing, "Extraction started"))
		m.events.Broadcast(job.ID, events.Notification(job.ID, "Extraction Started",
			"Your extraction is being processed", "info"))
	}
	log.Info("queue.dispatch", "priority", job.Priority)

	err := m.runner.Run(ctx, job, input)
	if err != nil {
		log.Error("queue.job_failed", "error", err)
		if serr := m.store.UpdateStatus(context.Background(), job.ID, constants.JobStatusFailed); serr != nil {
			log.Error("queue.mark_failed_failed", "error", serr)
		}
		m.countJob("failed")
		if m.events != nil {
			ev := events.StatusUpdate(job.ID, constants.JobStatusFailed, "Extraction failed")
			ev.Error = err.Error()
			m.events.Broadcast(job.ID, ev)
			m.events.CloseJob(job.ID, events.Notification(job.ID, "Extraction Failed", err.Error(), "error"))
		}
	} else {
		m.countJob("completed")
		if m.events != nil {
			m.events.CloseJob(job.ID, events.Notification(job.ID, "Extraction Complete",
				"Your extraction finished successfully", "success"))
		}
	}
}

// dispatchNext releases the user's slot and, if their queue is non-empty,
// immediately claims it again for the next job.
func (m *Manager) dispatchNext(userID int64) {
	m.mu.Lock()
	q, ok := m.queues[userID]
	if !ok || q.Len() == 0 || m.closed {
		delete(m.processing, userID)
		if ok && q.Len() == 0 {
			delete(m.queues, userID)
		}
		m.gaugeDepth()
		m.mu.Unlock()
		return
	}
	next := heap.Pop(q).(*item)
	if q.Len() == 0 {
		delete(m.queues, userID)
	}
	m.gaugeDepth()
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(next)
}

func (m *Manager) gaugeDepth() {
	if m.metrics == nil {
		return
	}
	var n int
	for _, q := range m.queues {
		n += q.Len()
	}
	m.metrics.QueueDepth.Set(float64(n))
}

func (m *Manager) countJob(status string) {
	if m.metrics != nil {
		m.metrics.JobsTotal.WithLabelValues(status).Inc()
	}
}
