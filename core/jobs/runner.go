// Package jobs runs named multi-step workflows as durable, resumable jobs.
//
// Each step's outcome is memoized in the job record once it returns, so a
// resumed job only invokes steps that have no memo yet. A job is advanced by
// at most one execution at a time (distributed mutex on job:<id>), its steps
// run strictly in order, and a per-workflow pool caps how many jobs of one
// workflow run concurrently in this process.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cordum/evaluator/core/infra/config"
	"github.com/cordum/evaluator/core/infra/intercept"
	"github.com/cordum/evaluator/core/infra/locks"
	"github.com/cordum/evaluator/core/infra/logging"
	"github.com/cordum/evaluator/core/infra/metrics"
	"github.com/cordum/evaluator/core/infra/trace"
)

const (
	component      = "runner"
	lockPrefix     = "job:"
	defaultLockTTL = 30 * time.Second
)

type storeError struct {
	err error
}

func (e *storeError) Error() string { return "job store: " + e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

// Runner executes jobs for registered workflows.
type Runner struct {
	store   Store
	mutex   *locks.Mutex
	cfg     *config.RunnerConfig
	metrics metrics.JobMetrics
	lockTTL time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time

	mu        sync.RWMutex
	workflows map[string]*Workflow
	pools     map[string]chan struct{}
	scheduled map[string]*Handle
	closed    bool
	stop      chan struct{}
	wg        sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithConfig sets per-workflow concurrency, attempt budget and backoff.
func WithConfig(cfg *config.RunnerConfig) Option {
	return func(r *Runner) {
		if cfg != nil {
			r.cfg = cfg
		}
	}
}

// WithMetrics attaches job and step metrics.
func WithMetrics(m metrics.JobMetrics) Option {
	return func(r *Runner) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithLockTTL sets the lease TTL for the per-job mutex. The lease is renewed
// while the job runs.
func WithLockTTL(ttl time.Duration) Option {
	return func(r *Runner) {
		if ttl > 0 {
			r.lockTTL = ttl
		}
	}
}

// WithSleep overrides how the runner waits between step attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) {
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

// NewRunner builds a runner. mutex may be nil when a single process owns all
// jobs.
func NewRunner(store Store, mutex *locks.Mutex, opts ...Option) *Runner {
	r := &Runner{
		store:     store,
		mutex:     mutex,
		cfg:       config.DefaultRunner(),
		metrics:   metrics.Noop{},
		lockTTL:   defaultLockTTL,
		sleep:     sleepContext,
		now:       time.Now,
		workflows: make(map[string]*Workflow),
		pools:     make(map[string]chan struct{}),
		scheduled: make(map[string]*Handle),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register makes wf available to Enqueue and Run.
func (r *Runner) Register(wf Workflow) error {
	if err := wf.validate(); err != nil {
		return err
	}
	steps := make([]Step, len(wf.Steps))
	copy(steps, wf.Steps)
	wf.Steps = steps

	concurrency := r.cfg.Workflow(wf.Name).Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[wf.Name]; ok {
		return fmt.Errorf("workflow %s already registered", wf.Name)
	}
	r.workflows[wf.Name] = &wf
	r.pools[wf.Name] = make(chan struct{}, concurrency)
	logging.Info(component, "workflow registered", "workflow", wf.Name, "version", wf.Version,
		"steps", len(wf.Steps), "concurrency", concurrency)
	return nil
}

func (r *Runner) workflow(name string) (*Workflow, chan struct{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[name]
	return wf, r.pools[name], ok
}

// Enqueue creates a job with a fresh id and schedules it. It does not wait
// for the job to run.
func (r *Runner) Enqueue(ctx context.Context, workflow string, payload any) (*Handle, error) {
	return r.EnqueueWithID(ctx, uuid.NewString(), workflow, payload)
}

// EnqueueWithID is Enqueue with a caller-chosen id. Enqueueing an id that
// already exists resumes the job if it is unfinished, returns ErrJobBusy if
// another execution holds it, and is a no-op for a finished job.
func (r *Runner) EnqueueWithID(ctx context.Context, id, workflow string, payload any) (*Handle, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("job id required")
	}
	wf, pool, ok := r.workflow(workflow)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflow)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	ctx = trace.With(ctx, "")
	job := &Job{
		ID:              id,
		Workflow:        wf.Name,
		WorkflowVersion: wf.Version,
		Payload:         raw,
		TraceID:         trace.ID(ctx),
	}
	created, err := r.store.Create(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("create job %s: %w", id, err)
	}
	if created {
		r.metrics.IncJobsReceived(wf.Name)
		logging.InfoContext(ctx, component, "job enqueued", "job_id", id, "workflow", wf.Name)
	} else {
		existing, err := r.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		// a redelivered event for a job already queued here joins that run
		h, _, err := r.resume(ctx, existing)
		return h, err
	}

	h, _, err := r.dispatch(trace.With(context.WithoutCancel(ctx), job.TraceID), id, pool)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Resume schedules an existing unfinished job. It is a no-op for a finished
// job and returns ErrJobBusy while another execution holds it or the job is
// already scheduled in this process.
func (r *Runner) Resume(ctx context.Context, id string) (*Handle, error) {
	job, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	h, fresh, err := r.resume(ctx, job)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return nil, ErrJobBusy
	}
	return h, nil
}

// resume reports fresh=false when it returns the handle of an execution that
// was already scheduled.
func (r *Runner) resume(ctx context.Context, job *Job) (*Handle, bool, error) {
	ctx = trace.With(ctx, job.TraceID)
	if job.Status.Terminal() {
		logging.InfoContext(ctx, component, "job already finished", "job_id", job.ID, "status", job.Status)
		return finishedHandle(job), true, nil
	}
	_, pool, ok := r.workflow(job.Workflow)
	if !ok {
		// Run records the terminal failure for an unknown workflow.
		pool = make(chan struct{}, 1)
	}
	if r.mutex != nil {
		if holder, err := r.mutex.Holder(ctx, lockPrefix+job.ID); err == nil && holder != "" {
			return nil, false, ErrJobBusy
		}
	}
	h, fresh, err := r.dispatch(context.WithoutCancel(ctx), job.ID, pool)
	if err != nil {
		return nil, false, err
	}
	if fresh {
		logging.InfoContext(ctx, component, "resuming job", "job_id", job.ID, "status", job.Status)
	}
	return h, fresh, nil
}

// dispatch schedules one execution of id on pool. At most one execution per
// id is scheduled in this process at a time; a second call returns the
// pending handle with fresh=false.
func (r *Runner) dispatch(ctx context.Context, id string, pool chan struct{}) (*Handle, bool, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, false, ErrRunnerClosed
	}
	if h, ok := r.scheduled[id]; ok {
		r.mu.Unlock()
		return h, false, nil
	}
	h := newHandle(id)
	r.scheduled[id] = h
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		select {
		case pool <- struct{}{}:
		case <-r.stop:
			r.unschedule(id)
			h.finish(nil, ErrRunnerClosed)
			return
		}
		defer func() { <-pool }()
		job, err := r.Run(ctx, id)
		if err != nil && !errors.Is(err, ErrJobBusy) {
			logging.WarnContext(ctx, component, "job run interrupted", "job_id", id, "error", err)
		}
		r.unschedule(id)
		h.finish(job, err)
	}()
	return h, true, nil
}

func (r *Runner) unschedule(id string) {
	r.mu.Lock()
	delete(r.scheduled, id)
	r.mu.Unlock()
}

// Get returns the stored job.
func (r *Runner) Get(ctx context.Context, id string) (*Job, error) {
	return r.store.Get(ctx, id)
}

// List returns jobs in status, oldest update first.
func (r *Runner) List(ctx context.Context, status Status, limit int64) ([]*Job, error) {
	return r.store.ListByStatus(ctx, status, limit)
}

// Close stops scheduling, abandons jobs still waiting for a pool slot and
// waits for running jobs to return. Abandoned jobs stay resumable.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.stop)
	r.mu.Unlock()
	r.wg.Wait()
}

// Run advances job id to a decision on the calling goroutine. It returns an
// error only when the job could not be advanced (busy, store failure,
// cancellation); a terminal job failure is reported through the job status.
func (r *Runner) Run(ctx context.Context, id string) (*Job, error) {
	if r.mutex == nil {
		return r.execute(ctx, id)
	}
	lease, err := r.mutex.Acquire(ctx, lockPrefix+id, r.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock job %s: %w", id, err)
	}
	if lease == nil {
		return nil, ErrJobBusy
	}
	stopRenew := r.keepAlive(ctx, lease)
	defer func() {
		stopRenew()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if _, err := r.mutex.Release(rctx, lease); err != nil {
			logging.WarnContext(ctx, component, "job lock release failed", "job_id", id, "error", err)
		}
	}()
	return r.execute(ctx, id)
}

func (r *Runner) keepAlive(ctx context.Context, lease *locks.Lease) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(r.lockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := r.mutex.Renew(ctx, lease, r.lockTTL)
				if err != nil || !ok {
					logging.WarnContext(ctx, component, "job lock renew failed", "resource", lease.Resource, "held", ok, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (r *Runner) execute(ctx context.Context, id string) (*Job, error) {
	job, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ctx = trace.With(ctx, job.TraceID)
	if job.Status.Terminal() {
		return job, nil
	}

	wf, _, ok := r.workflow(job.Workflow)
	if !ok {
		return r.fail(ctx, job, fmt.Errorf("%w: %s", ErrWorkflowNotFound, job.Workflow))
	}
	if job.WorkflowVersion != wf.Version {
		return r.fail(ctx, job, fmt.Errorf("%w: job has version %d, registered version is %d",
			ErrVersionMismatch, job.WorkflowVersion, wf.Version))
	}

	attempts, err := r.store.IncrAttempts(ctx, id)
	if err != nil {
		return job, &storeError{err}
	}
	job.Attempts = attempts
	if err := r.setStatus(ctx, job, StatusRunning, ""); err != nil {
		return job, err
	}
	logging.InfoContext(ctx, component, "job started", "job_id", id, "workflow", wf.Name, "attempt", attempts)

	if job.Memo == nil {
		job.Memo = make(map[string]StepResult)
	}
	if job.StepAttempts == nil {
		job.StepAttempts = make(map[string]int)
	}
	settings := r.cfg.Workflow(wf.Name)
	for _, step := range wf.Steps {
		if _, ok := job.Memo[step.Name]; ok {
			logging.DebugContext(ctx, component, "step memoized, skipping", "job_id", id, "step", step.Name)
			continue
		}
		res, err := r.runStep(ctx, job, wf, step, settings)
		switch {
		case err == nil:
			job.Memo[step.Name] = res
		case intercept.IsHalt(err):
			logging.InfoContext(ctx, component, "job halted", "job_id", id, "step", step.Name, "reason", err.Error())
			if err := r.store.MarkHalted(ctx, id); err != nil {
				return job, &storeError{err}
			}
			job.Halted = true
			return r.finish(ctx, job, StatusSucceeded, "")
		case isInterrupted(ctx, err):
			return job, err
		case step.Critical:
			return r.fail(ctx, job, fmt.Errorf("step %s: %w", step.Name, err))
		default:
			logging.WarnContext(ctx, component, "non-critical step failed", "job_id", id, "step", step.Name, "error", err)
			job.Memo[step.Name] = res
		}
	}
	return r.finish(ctx, job, StatusSucceeded, "")
}

// runStep invokes step until it succeeds, fails terminally or exhausts the
// attempt budget. Attempts are counted in the store before each invocation.
func (r *Runner) runStep(ctx context.Context, job *Job, wf *Workflow, step Step, settings config.WorkflowRunner) (StepResult, error) {
	maxAttempts := settings.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for {
		attempt, err := r.store.IncrStepAttempt(ctx, job.ID, step.Name)
		if err != nil {
			return StepResult{}, &storeError{err}
		}
		job.StepAttempts[step.Name] = attempt
		if attempt > maxAttempts {
			if lastErr == nil {
				lastErr = errors.New("attempts consumed by earlier executions")
			}
			return r.recordFailure(ctx, job, step, attempt-1,
				fmt.Errorf("%w after %d attempts: %w", ErrBudgetExhausted, attempt-1, lastErr))
		}

		sc := &StepContext{
			JobID:   job.ID,
			TraceID: job.TraceID,
			Attempt: attempt,
			payload: job.Payload,
			results: job.Memo,
		}
		start := r.now()
		out, err := invoke(ctx, step, sc)
		elapsed := r.now().Sub(start).Seconds()
		if err == nil {
			raw, encErr := json.Marshal(out)
			if encErr == nil {
				res := StepResult{Output: raw, Attempts: attempt, CompletedAt: r.now().UTC()}
				res, err := r.memoize(ctx, job.ID, step.Name, res)
				if err != nil {
					return StepResult{}, err
				}
				r.metrics.ObserveStep(wf.Name, step.Name, "succeeded", elapsed)
				if res.Failed() {
					return res, errors.New(res.Error)
				}
				return res, nil
			}
			err = Terminal(fmt.Errorf("encode output: %w", encErr))
		}
		if intercept.IsHalt(err) {
			r.metrics.ObserveStep(wf.Name, step.Name, "halted", elapsed)
			return StepResult{}, err
		}
		r.metrics.ObserveStep(wf.Name, step.Name, "failed", elapsed)
		if isInterrupted(ctx, err) {
			return StepResult{}, err
		}
		lastErr = err
		if IsTerminal(err) {
			return r.recordFailure(ctx, job, step, attempt, err)
		}
		if attempt >= maxAttempts {
			return r.recordFailure(ctx, job, step, attempt,
				fmt.Errorf("%w after %d attempts: %w", ErrBudgetExhausted, attempt, err))
		}

		delay := computeBackoff(settings, attempt)
		r.metrics.IncStepRetry(wf.Name, step.Name)
		logging.WarnContext(ctx, component, "step failed, retrying", "job_id", job.ID, "step", step.Name,
			"attempt", attempt, "max_attempts", maxAttempts, "backoff", delay.String(), "error", err)
		if err := r.setStatus(ctx, job, StatusFailedRetryable, err.Error()); err != nil {
			return StepResult{}, err
		}
		if err := r.sleep(ctx, delay); err != nil {
			return StepResult{}, err
		}
		if err := r.setStatus(ctx, job, StatusRunning, ""); err != nil {
			return StepResult{}, err
		}
	}
}

// recordFailure memoizes the failure of a non-critical step so a resumed job
// does not repeat it. Critical failures are left to the job status.
func (r *Runner) recordFailure(ctx context.Context, job *Job, step Step, attempts int, err error) (StepResult, error) {
	if step.Critical {
		return StepResult{}, err
	}
	res := StepResult{Error: err.Error(), Attempts: attempts, CompletedAt: r.now().UTC()}
	recorded, mErr := r.memoize(ctx, job.ID, step.Name, res)
	if mErr != nil {
		logging.WarnContext(ctx, component, "memoize step failure failed", "job_id", job.ID, "step", step.Name, "error", mErr)
		return res, err
	}
	if !recorded.Failed() {
		return recorded, nil
	}
	return recorded, err
}

// memoize records res for step unless another execution already did, in
// which case the recorded result wins.
func (r *Runner) memoize(ctx context.Context, id, step string, res StepResult) (StepResult, error) {
	wrote, err := r.store.Memoize(ctx, id, step, res)
	if err != nil {
		return StepResult{}, &storeError{err}
	}
	if wrote {
		return res, nil
	}
	stored, err := r.store.Get(ctx, id)
	if err != nil {
		return StepResult{}, &storeError{err}
	}
	recorded, ok := stored.Memo[step]
	if !ok {
		return res, nil
	}
	logging.WarnContext(ctx, component, "step already recorded by another execution", "job_id", id, "step", step)
	return recorded, nil
}

func (r *Runner) fail(ctx context.Context, job *Job, cause error) (*Job, error) {
	logging.ErrorContext(ctx, component, "job failed", "job_id", job.ID, "workflow", job.Workflow,
		"attempts", job.Attempts, "step_attempts", job.StepAttempts, "error", cause)
	return r.finish(ctx, job, StatusFailedTerminal, cause.Error())
}

func (r *Runner) finish(ctx context.Context, job *Job, status Status, lastError string) (*Job, error) {
	if err := r.setStatus(ctx, job, status, lastError); err != nil {
		return job, err
	}
	r.metrics.IncJobsCompleted(job.Workflow, string(status))
	if status == StatusSucceeded {
		logging.InfoContext(ctx, component, "job succeeded", "job_id", job.ID, "workflow", job.Workflow,
			"attempts", job.Attempts, "halted", job.Halted)
	}
	return job, nil
}

func (r *Runner) setStatus(ctx context.Context, job *Job, status Status, lastError string) error {
	if err := r.store.SetStatus(ctx, job.ID, status, lastError); err != nil {
		return &storeError{err}
	}
	now := r.now().UTC()
	job.Status = status
	job.LastError = lastError
	job.UpdatedAt = now
	if status.Terminal() {
		job.FinishedAt = &now
	}
	return nil
}

func invoke(ctx context.Context, step Step, sc *StepContext) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = Terminal(fmt.Errorf("step %s panicked: %v", step.Name, p))
		}
	}()
	return step.Run(ctx, sc)
}

// isInterrupted reports whether err came from the caller giving up rather
// than from the step itself.
func isInterrupted(ctx context.Context, err error) bool {
	var se *storeError
	if errors.As(err, &se) {
		return true
	}
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

func computeBackoff(settings config.WorkflowRunner, attempt int) time.Duration {
	initial := settings.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	delay := float64(initial) * math.Pow(2, float64(attempt-1))
	if settings.MaxBackoff > 0 && delay > float64(settings.MaxBackoff) {
		delay = float64(settings.MaxBackoff)
	}
	return time.Duration(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid json")
		}
		return p, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

// Handle tracks one scheduled execution.
type Handle struct {
	JobID string
	done  chan struct{}
	job   *Job
	err   error
}

func newHandle(id string) *Handle {
	return &Handle{JobID: id, done: make(chan struct{})}
}

func finishedHandle(job *Job) *Handle {
	h := newHandle(job.ID)
	h.finish(job, nil)
	return h
}

func (h *Handle) finish(job *Job, err error) {
	h.job = job
	h.err = err
	close(h.done)
}

// Done is closed once the execution returns.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the execution returns or ctx ends.
func (h *Handle) Wait(ctx context.Context) (*Job, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return h.job, h.err
	}
}
