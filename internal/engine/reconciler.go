package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Reconciler periodically reconciles every RUNNING run so status changes
// reach subscribers without a caller reading the run. Reads still
// reconcile on their own when the loop is not running.
type Reconciler struct {
	runs     *Runs
	interval time.Duration
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewReconciler creates a reconciler that ticks every interval.
func NewReconciler(runs *Runs, interval time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		runs:     runs,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the loop. It stops when ctx is canceled.
func (r *Reconciler) Start(ctx context.Context) {
	r.wg.Go(func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.logger.Info("reconciler started", "interval", r.interval.String())
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("reconciler stopped")
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	})
}

// Wait blocks until the loop has exited.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) tick(ctx context.Context) {
	n, err := r.runs.ReconcileActive(ctx)
	if err != nil {
		r.logger.Error("reconcile pass failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Debug("reconcile pass", "runs", n)
	}
}
