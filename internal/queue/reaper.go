package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/extractable/extractable/constants"
	"github.com/extractable/extractable/internal/events"
	"github.com/extractable/extractable/internal/metrics"
	"github.com/extractable/extractable/internal/repository"
)

// Reaper periodically fails jobs stuck in processing, covering crashes and
// stage-5 persistence drops that left a row behind with no worker attached.
type Reaper struct {
	store    repository.Store
	events   *events.Broadcaster
	metrics  *metrics.Metrics
	log      *slog.Logger
	deadline time.Duration
	cron     *cron.Cron
}

func NewReaper(store repository.Store, bc *events.Broadcaster, met *metrics.Metrics, deadline time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:    store,
		events:   bc,
		metrics:  met,
		log:      logger,
		deadline: deadline,
		cron:     cron.New(),
	}
}

// Start registers the sweep on the given cron spec and begins scheduling.
func (r *Reaper) Start(spec string) error {
	if _, err := r.cron.AddFunc(spec, r.Sweep); err != nil {
		return err
	}
	r.cron.Start()
	r.log.Info("reaper.started", "spec", spec, "deadline", r.deadline)
	return nil
}

// Stop halts scheduling; a sweep already in flight finishes.
func (r *Reaper) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// Sweep fails every job that has sat in processing past the deadline and
// notifies any live subscribers.
func (r *Reaper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	ids, err := r.store.MarkStuckFailed(ctx, r.deadline)
	if err != nil {
		r.log.Error("reaper.sweep_failed", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	r.log.Warn("reaper.reaped", "count", len(ids))
	for _, id := range ids {
		if r.metrics != nil {
			r.metrics.JobsTotal.WithLabelValues("failed").Inc()
		}
		if r.events != nil {
			ev := events.StatusUpdate(id, constants.JobStatusFailed, "Extraction timed out")
			ev.Error = "job exceeded the processing deadline"
			r.events.Broadcast(id, ev)
			r.events.CloseJob(id, events.Notification(id, "Extraction Failed",
				"The extraction exceeded the processing deadline", "error"))
		}
	}
}
