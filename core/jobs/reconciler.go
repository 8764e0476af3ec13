package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/cordum/evaluator/core/infra/logging"
)

const (
	reconcilerComponent = "reconciler"
	reconcileBatch      = 200
)

// Resumer schedules an existing job. *Runner implements it.
type Resumer interface {
	Resume(ctx context.Context, id string) (*Handle, error)
}

// Reconciler periodically resumes unfinished jobs that stopped advancing,
// e.g. because the process running them died or their retry wait was cut
// short by a shutdown.
type Reconciler struct {
	store        Store
	runner       Resumer
	staleAfter   time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// NewReconciler builds a reconciler that resumes jobs idle for longer than
// staleAfter, scanning every pollInterval (default one minute).
func NewReconciler(store Store, runner Resumer, staleAfter, pollInterval time.Duration) *Reconciler {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &Reconciler{
		store:        store,
		runner:       runner,
		staleAfter:   staleAfter,
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

// Start runs the reconciliation loop until the context is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass and returns how many jobs it resumed.
func (r *Reconciler) Tick(ctx context.Context) int {
	cutoff := r.now().Add(-r.staleAfter)
	resumed := 0
	for _, status := range []Status{StatusPending, StatusFailedRetryable, StatusRunning} {
		resumed += r.resumeStale(ctx, status, cutoff)
	}
	return resumed
}

func (r *Reconciler) resumeStale(ctx context.Context, status Status, cutoff time.Time) int {
	records, err := r.store.ListByStatus(ctx, status, reconcileBatch)
	if err != nil {
		logging.ErrorContext(ctx, reconcilerComponent, "list jobs", "status", status, "error", err)
		return 0
	}
	resumed := 0
	for _, job := range records {
		// oldest update first, so the rest are fresher
		if job.UpdatedAt.After(cutoff) {
			break
		}
		_, err := r.runner.Resume(ctx, job.ID)
		switch {
		case err == nil:
			resumed++
			logging.InfoContext(ctx, reconcilerComponent, "stale job resumed", "job_id", job.ID, "from_status", status)
		case errors.Is(err, ErrJobBusy):
			// still being advanced somewhere
		case errors.Is(err, ErrRunnerClosed):
			return resumed
		default:
			logging.WarnContext(ctx, reconcilerComponent, "resume job", "job_id", job.ID, "error", err)
		}
	}
	return resumed
}
