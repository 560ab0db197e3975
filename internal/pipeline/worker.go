package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/atlas-delivery/leakwatch/internal/storage"
)

// RunStore abstracts the run queue operations.
type RunStore interface {
	ClaimNextRun() (*storage.Run, error)
	CompleteRun(id, report string) error
	FailRun(id, report, errMsg string) error
}

// Executor runs one pipeline batch.
type Executor interface {
	Execute(ctx context.Context, runID string) (Report, error)
}

// Worker drains the run queue one run at a time, serializing whole
// batch runs.
type Worker struct {
	store  RunStore
	runner Executor
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to
// 2s.
func NewWorker(store RunStore, runner Executor, pollInterval time.Duration, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: store, runner: runner, poll: pollInterval, logger: logger}
}

// Run polls for queued runs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and executes a single queued run. Returns true if a
// run was processed, regardless of its outcome.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	run, err := w.store.ClaimNextRun()
	if err != nil {
		return false, fmt.Errorf("claiming run: %w", err)
	}
	if run == nil {
		return false, nil
	}

	w.logger.Info("run started", "run_id", run.ID, "attempt", run.Attempts)
	report, execErr := w.runner.Execute(ctx, run.ID)
	if execErr != nil {
		w.logger.Warn("run failed", "run_id", run.ID, "error", execErr)
		if failErr := w.store.FailRun(run.ID, report.JSON(), execErr.Error()); failErr != nil {
			w.logger.Error("failed to mark run as failed", "run_id", run.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteRun(run.ID, report.JSON()); err != nil {
		return true, fmt.Errorf("completing run %s: %w", run.ID, err)
	}
	return true, nil
}
