package ai

import (
	"context"

	"github.com/cordum/evaluator/core/infra/intercept"
)

type tracedEvaluator struct {
	next Evaluator
	ic   *intercept.Interceptor
}

// Traced wraps next so every call is trace-scoped, logged and spanned.
func Traced(next Evaluator, opts ...intercept.Option) Evaluator {
	return &tracedEvaluator{next: next, ic: intercept.New("ai", opts...)}
}

func (t *tracedEvaluator) Evaluate(ctx context.Context, req Request) (*Evaluation, error) {
	return intercept.Call(ctx, t.ic, "Evaluate", func(ctx context.Context) (*Evaluation, error) {
		return t.next.Evaluate(ctx, req)
	}, "attempt_id", req.AttemptID, "exercise_id", req.ExerciseID, "content_len", len(req.Content))
}
