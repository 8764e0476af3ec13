package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cordum/evaluator/core/infra/config"
	"github.com/cordum/evaluator/core/infra/locks"
)

type recordingResumer struct {
	runner  *Runner
	handles []*Handle
}

func (r *recordingResumer) Resume(ctx context.Context, id string) (*Handle, error) {
	h, err := r.runner.Resume(ctx, id)
	if err == nil {
		r.handles = append(r.handles, h)
	}
	return h, err
}

func TestReconcilerResumesStaleJobs(t *testing.T) {
	h := newHarness(t, nil)
	p := &pipeline{}
	if err := h.runner.Register(p.workflow(1)); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()
	for _, id := range []string{"a1", "a2"} {
		job := &Job{ID: id, Workflow: "attempt/evaluate", WorkflowVersion: 1, Payload: []byte(`{"attemptId":"` + id + `"}`)}
		if _, err := h.store.Create(ctx, job); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	// a2 is held by a live execution elsewhere.
	lease, err := h.mutex.Acquire(ctx, lockPrefix+"a2", time.Minute)
	if err != nil || lease == nil {
		t.Fatalf("acquire: %v", err)
	}

	resumer := &recordingResumer{runner: h.runner}
	rec := NewReconciler(h.store, resumer, 10*time.Minute, time.Minute)

	if n := rec.Tick(ctx); n != 0 {
		t.Fatalf("fresh jobs must be left alone, resumed %d", n)
	}

	rec.now = func() time.Time { return time.Now().Add(time.Hour) }
	if n := rec.Tick(ctx); n != 1 {
		t.Fatalf("expected one stale job resumed, got %d", n)
	}
	job := waitJob(t, resumer.handles[0])
	if job.ID != "a1" || job.Status != StatusSucceeded {
		t.Fatalf("unexpected resumed job %s status %s", job.ID, job.Status)
	}
	if p.evaluateCalls.Load() != 1 {
		t.Fatalf("expected one evaluation, got %d", p.evaluateCalls.Load())
	}
	if stored, _ := h.store.Get(ctx, "a2"); stored.Status != StatusPending {
		t.Fatalf("busy job must stay pending, got %s", stored.Status)
	}
}

func TestRunnerResumeFinishedJobIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	p := &pipeline{}
	if err := h.runner.Register(p.workflow(1)); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()
	handle, err := h.runner.EnqueueWithID(ctx, "a1", "attempt/evaluate", evalPayload{AttemptID: "a1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitJob(t, handle)

	again, err := h.runner.Resume(ctx, "a1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if job := waitJob(t, again); job.Status != StatusSucceeded || p.evaluateCalls.Load() != 1 {
		t.Fatalf("finished job re-ran: status=%s calls=%d", job.Status, p.evaluateCalls.Load())
	}
	if _, err := h.runner.Resume(ctx, "missing"); err == nil {
		t.Fatalf("expected error for unknown job")
	}
}

func TestReconcilerSkipsJobsQueuedLocally(t *testing.T) {
	cfg := config.DefaultRunner()
	cfg.Workflows = map[string]config.WorkflowRunner{"slow": {Concurrency: 1}}
	h := newHarness(t, cfg)

	var calls atomic.Int32
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	wf := Workflow{Name: "slow", Version: 1, Steps: []Step{
		{Name: "work", Critical: true, Run: func(ctx context.Context, _ *StepContext) (any, error) {
			calls.Add(1)
			started <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return nil, nil
		}},
	}}
	if err := h.runner.Register(wf); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()
	first, err := h.runner.EnqueueWithID(ctx, "a", "slow", nil)
	if err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("job a never started")
	}
	queued, err := h.runner.EnqueueWithID(ctx, "b", "slow", nil)
	if err != nil {
		t.Fatalf("enqueue b: %v", err)
	}

	rec := NewReconciler(h.store, h.runner, time.Minute, time.Minute)
	rec.now = func() time.Time { return time.Now().Add(time.Hour) }
	for i := 0; i < 5; i++ {
		if n := rec.Tick(ctx); n != 0 {
			t.Fatalf("tick %d resumed %d jobs already scheduled here", i, n)
		}
	}
	again, err := h.runner.EnqueueWithID(ctx, "b", "slow", nil)
	if err != nil || again != queued {
		t.Fatalf("expected redelivery to join the queued run, err=%v", err)
	}

	close(release)
	for _, handle := range []*Handle{first, queued} {
		if job := waitJob(t, handle); job.Status != StatusSucceeded {
			t.Fatalf("job %s: expected succeeded, got %s", job.ID, job.Status)
		}
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one run per job, got %d", calls.Load())
	}
}

func TestResumeWithClientlessMutex(t *testing.T) {
	h := newHarness(t, nil)
	runner := NewRunner(h.store, locks.NewMutex(nil))
	t.Cleanup(runner.Close)
	p := &pipeline{}
	if err := runner.Register(p.workflow(1)); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()
	job := &Job{ID: "a1", Workflow: "attempt/evaluate", WorkflowVersion: 1, Payload: []byte(`{"attemptId":"a1"}`)}
	if _, err := h.store.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	handle, err := runner.Resume(ctx, "a1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := waitJob(t, handle); got.Status != StatusSucceeded || p.evaluateCalls.Load() != 1 {
		t.Fatalf("unexpected job status=%s calls=%d", got.Status, p.evaluateCalls.Load())
	}
}
