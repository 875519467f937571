package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/extractable/extractable/internal/events"
	"github.com/extractable/extractable/internal/repository"
)

type stuckStore struct {
	repository.Store

	ids []uuid.UUID
	got time.Duration
}

func (s *stuckStore) MarkStuckFailed(_ context.Context, olderThan time.Duration) ([]uuid.UUID, error) {
	s.got = olderThan
	return s.ids, nil
}

func TestSweepClosesStreamsOfReapedJobs(t *testing.T) {
	stuck := uuid.New()
	store := &stuckStore{ids: []uuid.UUID{stuck}}
	bc := events.NewBroadcaster(nil)
	sub := bc.Subscribe(stuck)

	r := NewReaper(store, bc, nil, 10*time.Minute, nil)
	r.Sweep()

	assert.Equal(t, 10*time.Minute, store.got)

	var sawFailed bool
	for ev := range sub {
		if ev.Error != "" {
			sawFailed = true
		}
	}
	assert.True(t, sawFailed)
}

func TestSweepNoStuckJobsIsQuiet(t *testing.T) {
	store := &stuckStore{}
	r := NewReaper(store, events.NewBroadcaster(nil), nil, time.Hour, nil)
	r.Sweep()
	assert.Equal(t, time.Hour, store.got)
}
