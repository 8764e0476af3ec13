package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/cordum/evaluator/core/infra/bus"
	"github.com/cordum/evaluator/core/infra/deadletter"
	"github.com/cordum/evaluator/core/infra/ratelimit"
	"github.com/cordum/evaluator/core/infra/trace"
	"github.com/cordum/evaluator/core/jobs"
)

type enqueued struct {
	id      string
	traceID string
	payload Payload
}

type fakeEnqueuer struct {
	calls []enqueued
	err   error
}

func (f *fakeEnqueuer) Get(_ context.Context, id string) (*jobs.Job, error) {
	for _, c := range f.calls {
		if c.id == id {
			return &jobs.Job{ID: id, Status: jobs.StatusPending}, nil
		}
	}
	return nil, jobs.ErrJobNotFound
}

func (f *fakeEnqueuer) EnqueueWithID(ctx context.Context, id, workflow string, payload any) (*jobs.Handle, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, enqueued{id: id, traceID: trace.ID(ctx), payload: payload.(Payload)})
	return &jobs.Handle{JobID: id}, nil
}

func newLimiter(t *testing.T, now time.Time) *ratelimit.Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	rules := map[string]ratelimit.Rule{ratelimit.ClassExpensive: {Limit: 1, Window: time.Minute}}
	return ratelimit.New(client, rules, ratelimit.WithClock(func() time.Time { return now }))
}

func event(t *testing.T, data map[string]any) *bus.Event {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &bus.Event{ID: "evt-1", Type: WorkflowName, Data: raw}
}

func validData(attemptID string) map[string]any {
	return map[string]any{
		"attemptId":  attemptID,
		"userId":     "u1",
		"exerciseId": "ex1",
		"content":    "print(1)",
		"traceId":    "trace-123",
	}
}

func TestIngressEnqueuesValidEvent(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	runner := &fakeEnqueuer{}
	in := NewIngress(runner, newLimiter(t, now), WithIngressClock(func() time.Time { return now }))

	if err := in.Handle(context.Background(), event(t, validData("a1"))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected one enqueue, got %d", len(runner.calls))
	}
	got := runner.calls[0]
	if got.id != "attempt-evaluate:a1" || got.traceID != "trace-123" || got.payload.TraceID != "trace-123" {
		t.Fatalf("unexpected enqueue %+v", got)
	}
}

func TestIngressRateLimitsPerUser(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	runner := &fakeEnqueuer{}
	in := NewIngress(runner, newLimiter(t, now), WithIngressClock(func() time.Time { return now }))

	if err := in.Handle(context.Background(), event(t, validData("a1"))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	err := in.Handle(context.Background(), event(t, validData("a2")))
	delay, ok := bus.RetryDelay(err)
	if !ok || delay != time.Minute {
		t.Fatalf("expected retry after 1m, got %v (%v)", delay, err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("throttled event must not be enqueued")
	}
}

func TestIngressRedeliveryIsNotCharged(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	runner := &fakeEnqueuer{}
	in := NewIngress(runner, newLimiter(t, now), WithIngressClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		if err := in.Handle(context.Background(), event(t, validData("a1"))); err != nil {
			t.Fatalf("delivery %d of the same attempt: %v", i+1, err)
		}
	}
	if len(runner.calls) != 3 {
		t.Fatalf("expected every delivery to reach the runner, got %d", len(runner.calls))
	}
	if _, ok := bus.RetryDelay(in.Handle(context.Background(), event(t, validData("a2")))); !ok {
		t.Fatalf("a new attempt must still be limited")
	}
}

type deadLetters struct {
	entries []deadletter.Entry
}

func (d *deadLetters) Add(_ context.Context, e deadletter.Entry) error {
	d.entries = append(d.entries, e)
	return nil
}

func TestIngressDropsInvalidEvents(t *testing.T) {
	runner := &fakeEnqueuer{}
	dead := &deadLetters{}
	in := NewIngress(runner, nil, WithDeadLetters(dead))

	missing := validData("a1")
	delete(missing, "content")
	badID := validData("a b")
	wrongType := event(t, validData("a1"))
	wrongType.Type = "attempt/other"

	for _, evt := range []*bus.Event{event(t, missing), event(t, badID), wrongType, {Type: WorkflowName, Data: []byte(`not json`)}, nil} {
		if err := in.Handle(context.Background(), evt); err != nil {
			t.Fatalf("invalid events must be acked, got %v", err)
		}
	}
	if len(runner.calls) != 0 {
		t.Fatalf("invalid events must not be enqueued, got %d", len(runner.calls))
	}
	if len(dead.entries) != 4 || dead.entries[2].EventType != "attempt/other" || dead.entries[0].Reason == "" {
		t.Fatalf("expected four dead letters, got %+v", dead.entries)
	}
}

func TestIngressRetriesBusyAndStoreErrors(t *testing.T) {
	runner := &fakeEnqueuer{err: jobs.ErrJobBusy}
	in := NewIngress(runner, nil)

	err := in.Handle(context.Background(), event(t, validData("a1")))
	if delay, ok := bus.RetryDelay(err); !ok || delay != busyRetryDelay || !errors.Is(err, jobs.ErrJobBusy) {
		t.Fatalf("expected busy retry, got %v", err)
	}

	runner.err = errors.New("redis down")
	err = in.Handle(context.Background(), event(t, validData("a1")))
	if delay, ok := bus.RetryDelay(err); !ok || delay != storeRetryDelay {
		t.Fatalf("expected store retry, got %v", err)
	}
}

func TestIngressMintsTraceWhenAbsent(t *testing.T) {
	runner := &fakeEnqueuer{}
	in := NewIngress(runner, nil)
	data := validData("a1")
	delete(data, "traceId")
	if err := in.Handle(context.Background(), event(t, data)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := runner.calls[0]; got.traceID == "" || got.payload.TraceID != got.traceID {
		t.Fatalf("expected minted trace id carried in payload, got %+v", got)
	}
}
