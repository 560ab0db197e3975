package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/atlas-delivery/leakwatch/internal/storage"
)

// Enqueuer adds runs to the queue.
type Enqueuer interface {
	EnqueueRun(run storage.Run) error
}

// Scheduler enqueues a pipeline run on a 5-field cron schedule. The
// worker drains the queue; the scheduler never executes runs itself.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler validates the schedule expression and registers the
// enqueue job.
func NewScheduler(schedule string, store Enqueuer, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser))
	_, err := c.AddFunc(schedule, func() {
		run := storage.Run{ID: uuid.NewString()}
		if err := store.EnqueueRun(run); err != nil {
			logger.Error("scheduled run enqueue failed", "error", err)
			return
		}
		logger.Info("scheduled run enqueued", "run_id", run.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("parsing run schedule %q: %w", schedule, err)
	}
	return &Scheduler{cron: c, logger: logger}, nil
}

// Start begins firing the schedule in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for an in-flight enqueue.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
