package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Worker drains the queue on a fixed interval.
type Worker struct {
	queue    *Queue
	backend  SyncBackend
	interval time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker. If interval is <= 0, it defaults to 30s.
func NewWorker(queue *Queue, backend SyncBackend, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Worker{
		queue:    queue,
		backend:  backend,
		interval: interval,
		logger:   slog.Default(),
	}
}

// Run drains until ctx is cancelled. Upload failures are logged and retried
// on the next tick.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		_, err := w.RunOnce(ctx)
		switch {
		case err == nil, ctx.Err() != nil:
		case errors.Is(err, ErrDrainInProgress):
			w.logger.Debug("outbox drain skipped, another drain is running")
		default:
			w.logger.Warn("outbox drain failed", "error", err, "pending", w.queue.Pending())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.interval):
		}
	}
}

// RunOnce performs a single drain and returns how many records were delivered.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	n, err := w.queue.Drain(ctx, w.backend)
	if n > 0 {
		w.logger.Info("outbox drained", "records", n)
	}
	return n, err
}
