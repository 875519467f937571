package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extractable/extractable/constants"
	"github.com/extractable/extractable/internal/entity"
	"github.com/extractable/extractable/internal/events"
	"github.com/extractable/extractable/internal/repository"
)

// blockingRunner holds every job until release is closed, recording the
// order jobs reached it.
type blockingRunner struct {
	mu      sync.Mutex
	order   []uuid.UUID
	inputs  map[uuid.UUID][]byte
	started chan uuid.UUID
	release chan struct{}
	err     error
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		inputs:  make(map[uuid.UUID][]byte),
		started: make(chan uuid.UUID, 64),
		release: make(chan struct{}),
	}
}

func (r *blockingRunner) Run(ctx context.Context, job *entity.Extraction, input []byte) error {
	r.mu.Lock()
	r.order = append(r.order, job.ID)
	r.inputs[job.ID] = input
	r.mu.Unlock()
	r.started <- job.ID

	select {
	case <-r.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.err
}

func (r *blockingRunner) runOrder() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.order...)
}

// statusStore records status transitions; other Store methods are unused
// here.
type statusStore struct {
	repository.Store

	mu       sync.Mutex
	statuses map[uuid.UUID][]constants.JobStatus
}

func newStatusStore() *statusStore {
	return &statusStore{statuses: make(map[uuid.UUID][]constants.JobStatus)}
}

func (s *statusStore) UpdateStatus(_ context.Context, id uuid.UUID, status constants.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = append(s.statuses[id], status)
	return nil
}

func (s *statusStore) statusOf(id uuid.UUID) []constants.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]constants.JobStatus(nil), s.statuses[id]...)
}

func newJob(userID int64, prio constants.Priority) *entity.Extraction {
	return &entity.Extraction{
		ID:        uuid.New(),
		UserID:    userID,
		Status:    constants.JobStatusPending,
		Priority:  prio,
		CreatedAt: time.Now().UTC(),
	}
}

func awaitStart(t *testing.T, r *blockingRunner) uuid.UUID {
	t.Helper()
	select {
	case id := <-r.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("no job started in time")
		return uuid.Nil
	}
}

func assertNoStart(t *testing.T, r *blockingRunner) {
	t.Helper()
	select {
	case id := <-r.started:
		t.Fatalf("unexpected job start: %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEnqueueRunsImmediatelyWhenIdle(t *testing.T) {
	r := newBlockingRunner()
	m := NewManager(newStatusStore(), r, nil, nil, nil)

	job := newJob(1, constants.PriorityMedium)
	require.NoError(t, m.Enqueue(job, []byte("data")))

	assert.Equal(t, job.ID, awaitStart(t, r))
	assert.Equal(t, 0, m.Depth())

	close(r.release)
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, []byte("data"), r.inputs[job.ID])
}

func TestOneJobPerUserAtATime(t *testing.T) {
	r := newBlockingRunner()
	m := NewManager(newStatusStore(), r, nil, nil, nil)

	first := newJob(1, constants.PriorityMedium)
	second := newJob(1, constants.PriorityMedium)
	require.NoError(t, m.Enqueue(first, nil))
	require.NoError(t, m.Enqueue(second, nil))

	assert.Equal(t, first.ID, awaitStart(t, r))
	// The second job must wait for the first to finish.
	assertNoStart(t, r)
	assert.Equal(t, 1, m.Depth())

	close(r.release)
	assert.Equal(t, second.ID, awaitStart(t, r))
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestDifferentUsersRunConcurrently(t *testing.T) {
	r := newBlockingRunner()
	m := NewManager(newStatusStore(), r, nil, nil, nil)

	require.NoError(t, m.Enqueue(newJob(1, constants.PriorityMedium), nil))
	require.NoError(t, m.Enqueue(newJob(2, constants.PriorityMedium), nil))

	awaitStart(t, r)
	awaitStart(t, r)

	close(r.release)
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestPriorityOrderWithinUser(t *testing.T) {
	r := newBlockingRunner()
	m := NewManager(newStatusStore(), r, nil, nil, nil)

	blocker := newJob(1, constants.PriorityMedium)
	require.NoError(t, m.Enqueue(blocker, nil))
	awaitStart(t, r)

	low := newJob(1, constants.PriorityLow)
	medA := newJob(1, constants.PriorityMedium)
	medB := newJob(1, constants.PriorityMedium)
	high := newJob(1, constants.PriorityHigh)
	require.NoError(t, m.Enqueue(low, nil))
	require.NoError(t, m.Enqueue(medA, nil))
	require.NoError(t, m.Enqueue(medB, nil))
	require.NoError(t, m.Enqueue(high, nil))

	close(r.release)
	for i := 0; i < 4; i++ {
		awaitStart(t, r)
	}
	require.NoError(t, m.Shutdown(context.Background()))

	order := r.runOrder()
	require.Len(t, order, 5)
	// High first, then mediums in arrival order, then low.
	assert.Equal(t, []uuid.UUID{blocker.ID, high.ID, medA.ID, medB.ID, low.ID}, order)
}

func TestFailureMarksFailedAndDrainsNext(t *testing.T) {
	r := newBlockingRunner()
	r.err = errors.New("boom")
	store := newStatusStore()
	bc := events.NewBroadcaster(nil)
	m := NewManager(store, r, bc, nil, nil)

	first := newJob(1, constants.PriorityMedium)
	second := newJob(1, constants.PriorityMedium)
	sub := bc.Subscribe(first.ID)

	require.NoError(t, m.Enqueue(first, nil))
	require.NoError(t, m.Enqueue(second, nil))
	awaitStart(t, r)

	close(r.release)
	assert.Equal(t, second.ID, awaitStart(t, r))
	require.NoError(t, m.Shutdown(context.Background()))

	assert.Equal(t, []constants.JobStatus{
		constants.JobStatusProcessing, constants.JobStatusFailed,
	}, store.statusOf(first.ID))

	var sawFailed, sawErrorNote bool
	for ev := range sub {
		if ev.Type == events.TypeStatusUpdate && ev.Status == constants.JobStatusFailed {
			sawFailed = true
			assert.Equal(t, "boom", ev.Error)
		}
		if ev.Type == events.TypeNotification && ev.NotificationType == "error" {
			sawErrorNote = true
		}
	}
	assert.True(t, sawFailed)
	assert.True(t, sawErrorNote)
}

func TestSuccessClosesStreamWithNotification(t *testing.T) {
	r := newBlockingRunner()
	store := newStatusStore()
	bc := events.NewBroadcaster(nil)
	m := NewManager(store, r, bc, nil, nil)

	job := newJob(1, constants.PriorityMedium)
	sub := bc.Subscribe(job.ID)

	require.NoError(t, m.Enqueue(job, nil))
	awaitStart(t, r)
	close(r.release)
	require.NoError(t, m.Shutdown(context.Background()))

	var last events.Event
	for ev := range sub {
		last = ev
	}
	assert.Equal(t, events.TypeNotification, last.Type)
	assert.Equal(t, "success", last.NotificationType)
	assert.Equal(t, []constants.JobStatus{constants.JobStatusProcessing}, store.statusOf(job.ID))
}

func TestEnqueueAfterShutdownRejected(t *testing.T) {
	r := newBlockingRunner()
	close(r.release)
	m := NewManager(newStatusStore(), r, nil, nil, nil)
	require.NoError(t, m.Shutdown(context.Background()))

	err := m.Enqueue(newJob(1, constants.PriorityMedium), nil)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdownTimesOutOnStuckJob(t *testing.T) {
	r := newBlockingRunner()
	m := NewManager(newStatusStore(), r, nil, nil, nil)

	require.NoError(t, m.Enqueue(newJob(1, constants.PriorityMedium), nil))
	awaitStart(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Shutdown(ctx), context.DeadlineExceeded)

	close(r.release)
}
