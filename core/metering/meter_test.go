package metering

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

type failingPricing struct {
	*MemoryStore
}

func (failingPricing) PricingFor(context.Context, string) (*Pricing, error) {
	return nil, errors.New("connection reset")
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRecordUsageComputesCost(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.SetPricing(ctx, Pricing{Model: "gpt-test", InputPerMillion: 2, OutputPerMillion: 8})
	svc := NewService(store)

	log, err := svc.RecordUsage(ctx, Usage{UserID: "u1", FeatureKey: "attempt_evaluation", Model: "gpt-test", PromptTokens: 1_000_000})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if log.TotalCostUSD != 2.00 || log.InputCostUSD != 2.00 || log.OutputCostUSD != 0 {
		t.Fatalf("expected $2.00, got %+v", log)
	}
	if log.TotalTokens != 1_000_000 || log.ID == "" {
		t.Fatalf("unexpected log %+v", log)
	}

	log, err = svc.RecordUsage(ctx, Usage{UserID: "u1", Model: "gpt-test", PromptTokens: 1500, CompletionTokens: 500})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if math.Abs(log.TotalCostUSD-(0.003+0.004)) > 1e-12 || log.TotalTokens != 2000 {
		t.Fatalf("unexpected mixed cost %+v", log)
	}
	if len(store.Logs()) != 2 {
		t.Fatalf("expected two logs appended")
	}
}

func TestRecordUsageUnknownModelIsFree(t *testing.T) {
	svc := NewService(NewMemoryStore())
	log, err := svc.RecordUsage(context.Background(), Usage{UserID: "u1", Model: "mystery", PromptTokens: 5000, CompletionTokens: 10})
	if err != nil {
		t.Fatalf("unknown pricing must not error: %v", err)
	}
	if log.TotalCostUSD != 0 || log.TotalTokens != 5010 {
		t.Fatalf("expected zero cost, got %+v", log)
	}
}

func TestRecordUsagePricingErrorIsFree(t *testing.T) {
	store := failingPricing{NewMemoryStore()}
	svc := NewService(store)
	log, err := svc.RecordUsage(context.Background(), Usage{UserID: "u1", Model: "gpt-test", PromptTokens: 10})
	if err != nil {
		t.Fatalf("pricing failure must not error: %v", err)
	}
	if log.TotalCostUSD != 0 {
		t.Fatalf("expected zero cost, got %v", log.TotalCostUSD)
	}
}

func TestRecordUsageValidation(t *testing.T) {
	svc := NewService(NewMemoryStore())
	if _, err := svc.RecordUsage(context.Background(), Usage{UserID: " "}); !errors.Is(err, ErrEmptyUserID) {
		t.Fatalf("expected ErrEmptyUserID, got %v", err)
	}
	if _, err := svc.RecordUsage(context.Background(), Usage{UserID: "u", PromptTokens: -1}); !errors.Is(err, ErrNegativeTokens) {
		t.Fatalf("expected ErrNegativeTokens, got %v", err)
	}
}

func TestGetCostAnalytics(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.SetPricing(ctx, Pricing{Model: "m", InputPerMillion: 1, OutputPerMillion: 1})

	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	clock := now
	svc := NewService(store, WithClock(func() time.Time { return clock }))
	record := func(at time.Time, feature string, tokens, credits int64) {
		clock = at
		if _, err := svc.RecordUsage(ctx, Usage{UserID: "u", FeatureKey: feature, Model: "m", PromptTokens: tokens, CreditsCharged: credits, DurationMs: 100}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	record(now.AddDate(0, 0, -30), "old", 9_000_000, 9)
	record(now.AddDate(0, 0, -2), "hint", 1_000_000, 1)
	record(now.AddDate(0, 0, -2), "evaluate", 2_000_000, 2)
	record(now, "evaluate", 3_000_000, 1)
	clock = now

	a, err := svc.GetCostAnalytics(ctx, 7)
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if a.Since != time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC) {
		t.Fatalf("unexpected window start %v", a.Since)
	}
	if a.Summary.Requests != 3 || a.Summary.TotalTokens != 6_000_000 || a.Summary.CreditsCharged != 4 {
		t.Fatalf("unexpected summary %+v", a.Summary)
	}
	if a.Summary.TotalCostUSD != 6 || a.Summary.CostPerCredit != 1.5 || a.Summary.AvgDurationMs != 100 {
		t.Fatalf("unexpected derived summary %+v", a.Summary)
	}
	if len(a.ByFeature) != 2 || a.ByFeature[0].FeatureKey != "evaluate" || a.ByFeature[0].TotalCostUSD != 5 {
		t.Fatalf("expected by-feature ordered by cost, got %+v", a.ByFeature)
	}
	if len(a.Daily) != 2 || !a.Daily[0].Day.Before(a.Daily[1].Day) || a.Daily[1].Requests != 1 {
		t.Fatalf("expected ascending daily trend, got %+v", a.Daily)
	}
}

func TestGetCostAnalyticsNoCredits(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.SetPricing(ctx, Pricing{Model: "m", InputPerMillion: 3})
	svc := NewService(store)
	if _, err := svc.RecordUsage(ctx, Usage{UserID: "u", Model: "m", PromptTokens: 1_000_000}); err != nil {
		t.Fatalf("record: %v", err)
	}
	a, err := svc.GetCostAnalytics(ctx, 0)
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if a.Days != defaultWindowDays || a.Summary.TotalCostUSD != 3 || a.Summary.CostPerCredit != 0 {
		t.Fatalf("expected zero cost per credit, got %+v", a)
	}
}

func TestGetCostAnalyticsEmpty(t *testing.T) {
	svc := NewService(NewMemoryStore(), WithClock(fixedClock(time.Now())))
	a, err := svc.GetCostAnalytics(context.Background(), 1000)
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if a.Days != maxWindowDays || a.ByFeature == nil || a.Daily == nil || a.Summary.CostPerCredit != 0 {
		t.Fatalf("unexpected empty analytics %+v", a)
	}
}
