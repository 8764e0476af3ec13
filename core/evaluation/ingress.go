package evaluation

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cordum/evaluator/core/infra/bus"
	"github.com/cordum/evaluator/core/infra/deadletter"
	"github.com/cordum/evaluator/core/infra/logging"
	"github.com/cordum/evaluator/core/infra/ratelimit"
	"github.com/cordum/evaluator/core/infra/schema"
	"github.com/cordum/evaluator/core/infra/trace"
	"github.com/cordum/evaluator/core/jobs"
)

const (
	ingressComponent = "ingress"
	busyRetryDelay   = 5 * time.Second
	storeRetryDelay  = 2 * time.Second
	minLimitedDelay  = time.Second
)

//go:embed schema/attempt_evaluate.schema.json
var eventSchemaJSON []byte

var eventSchema = schema.MustCompile("attempt_evaluate.schema.json", eventSchemaJSON)

// Enqueuer schedules jobs. *jobs.Runner implements it.
type Enqueuer interface {
	EnqueueWithID(ctx context.Context, id, workflow string, payload any) (*jobs.Handle, error)
	Get(ctx context.Context, id string) (*jobs.Job, error)
}

// Limiter checks a request budget. *ratelimit.Limiter implements it.
type Limiter interface {
	Check(ctx context.Context, class, identifier string) (ratelimit.Result, error)
}

// DeadLetters records rejected events. *deadletter.Store implements it.
type DeadLetters interface {
	Add(ctx context.Context, e deadletter.Entry) error
}

// Ingress accepts attempt/evaluate events and turns them into jobs.
type Ingress struct {
	runner  Enqueuer
	limiter Limiter
	dead    DeadLetters
	now     func() time.Time
}

// IngressOption configures an Ingress.
type IngressOption func(*Ingress)

// WithIngressClock overrides the time source used for retry delays.
func WithIngressClock(now func() time.Time) IngressOption {
	return func(i *Ingress) {
		if now != nil {
			i.now = now
		}
	}
}

// WithDeadLetters keeps a copy of every dropped event.
func WithDeadLetters(d DeadLetters) IngressOption {
	return func(i *Ingress) { i.dead = d }
}

// NewIngress builds an event handler. limiter may be nil to disable rate limiting.
func NewIngress(runner Enqueuer, limiter Limiter, opts ...IngressOption) *Ingress {
	i := &Ingress{runner: runner, limiter: limiter, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Handle is a bus.Handler. Acceptance is fire-and-forget: the job runs later
// and its outcome reaches the user as a notification. Malformed events are
// dropped; throttled or contended ones are redelivered after a delay.
func (i *Ingress) Handle(ctx context.Context, evt *bus.Event) error {
	if evt == nil {
		return nil
	}
	if evt.Type != WorkflowName {
		logging.WarnContext(ctx, ingressComponent, "dropping event of unexpected type", "type", evt.Type, "event_id", evt.ID)
		i.deadLetter(ctx, evt, "unexpected event type "+evt.Type)
		return nil
	}
	if err := eventSchema.Validate(evt.Data); err != nil {
		logging.ErrorContext(ctx, ingressComponent, "dropping invalid event", "event_id", evt.ID, "error", err)
		i.deadLetter(ctx, evt, err.Error())
		return nil
	}
	var p Payload
	if err := json.Unmarshal(evt.Data, &p); err != nil {
		logging.ErrorContext(ctx, ingressComponent, "dropping undecodable event", "event_id", evt.ID, "error", err)
		i.deadLetter(ctx, evt, err.Error())
		return nil
	}
	ctx = trace.With(ctx, p.TraceID)
	p.TraceID = trace.ID(ctx)

	jobID := JobID(p.AttemptID)
	if i.limiter != nil && !i.known(ctx, jobID) {
		res, err := i.limiter.Check(ctx, ratelimit.ClassExpensive, p.UserID)
		if err != nil {
			return bus.RetryAfter(fmt.Errorf("rate limit check: %w", err), storeRetryDelay)
		}
		if !res.Allowed {
			delay := res.ResetAt.Sub(i.now())
			if delay < minLimitedDelay {
				delay = minLimitedDelay
			}
			return bus.RetryAfter(fmt.Errorf("user %s over %s budget", p.UserID, ratelimit.ClassExpensive), delay)
		}
	}

	if _, err := i.runner.EnqueueWithID(ctx, jobID, WorkflowName, p); err != nil {
		if errors.Is(err, jobs.ErrJobBusy) {
			return bus.RetryAfter(err, busyRetryDelay)
		}
		return bus.RetryAfter(fmt.Errorf("enqueue %s: %w", jobID, err), storeRetryDelay)
	}
	logging.InfoContext(ctx, ingressComponent, "attempt accepted", "attempt_id", p.AttemptID, "user_id", p.UserID, "job_id", jobID)
	return nil
}

// known reports whether a job for the event already exists. Redeliveries of
// an accepted attempt are not charged against the user's budget again.
func (i *Ingress) known(ctx context.Context, jobID string) bool {
	_, err := i.runner.Get(ctx, jobID)
	if err != nil && !errors.Is(err, jobs.ErrJobNotFound) {
		logging.WarnContext(ctx, ingressComponent, "job lookup failed, charging rate limit", "job_id", jobID, "error", err)
	}
	return err == nil
}

func (i *Ingress) deadLetter(ctx context.Context, evt *bus.Event, reason string) {
	if i.dead == nil {
		return
	}
	entry := deadletter.Entry{ID: evt.ID, EventType: evt.Type, Reason: reason, Data: evt.Data}
	if err := i.dead.Add(ctx, entry); err != nil {
		logging.WarnContext(ctx, ingressComponent, "dead letter write failed", "event_id", evt.ID, "error", err)
	}
}
