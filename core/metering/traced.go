package metering

import (
	"context"

	"github.com/cordum/evaluator/core/infra/intercept"
)

type tracedMeter struct {
	next Meter
	ic   *intercept.Interceptor
}

// Traced wraps next so every call is trace-scoped, logged and spanned.
func Traced(next Meter, opts ...intercept.Option) Meter {
	return &tracedMeter{next: next, ic: intercept.New(component, opts...)}
}

func (t *tracedMeter) RecordUsage(ctx context.Context, usage Usage) (*UsageLog, error) {
	return intercept.Call(ctx, t.ic, "RecordUsage", func(ctx context.Context) (*UsageLog, error) {
		return t.next.RecordUsage(ctx, usage)
	}, "user_id", usage.UserID, "feature_key", usage.FeatureKey, "model", usage.Model,
		"prompt_tokens", usage.PromptTokens, "completion_tokens", usage.CompletionTokens,
		"ai_method", usage.AIMethod, "credits_charged", usage.CreditsCharged, "duration_ms", usage.DurationMs)
}

func (t *tracedMeter) GetCostAnalytics(ctx context.Context, days int) (*Analytics, error) {
	return intercept.Call(ctx, t.ic, "GetCostAnalytics", func(ctx context.Context) (*Analytics, error) {
		return t.next.GetCostAnalytics(ctx, days)
	}, "days", days)
}
