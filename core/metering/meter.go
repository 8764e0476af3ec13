// Package metering converts AI token usage into cost, records immutable
// usage logs and aggregates them for cost analytics.
package metering

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cordum/evaluator/core/infra/logging"
)

const (
	component = "metering"

	tokensPerMillion  = 1_000_000.0
	defaultWindowDays = 30
	maxWindowDays     = 365
)

var (
	// ErrEmptyUserID is returned when usage is recorded without a user.
	ErrEmptyUserID = errors.New("metering: user_id must not be empty")
	// ErrNegativeTokens is returned for negative token counts.
	ErrNegativeTokens = errors.New("metering: token counts must not be negative")
)

// Usage is one AI call to be metered.
type Usage struct {
	UserID           string
	FeatureKey       string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	AIMethod         string
	CreditsCharged   int64
	DurationMs       int64
}

// Validate checks that the usage has valid fields.
func (u Usage) Validate() error {
	if strings.TrimSpace(u.UserID) == "" {
		return ErrEmptyUserID
	}
	if u.PromptTokens < 0 || u.CompletionTokens < 0 {
		return ErrNegativeTokens
	}
	return nil
}

// UsageLog is the immutable record of one metered call.
type UsageLog struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	FeatureKey       string    `json:"feature_key"`
	Model            string    `json:"model"`
	AIMethod         string    `json:"ai_method,omitempty"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	InputCostUSD     float64   `json:"input_cost_usd"`
	OutputCostUSD    float64   `json:"output_cost_usd"`
	TotalCostUSD     float64   `json:"total_cost_usd"`
	CreditsCharged   int64     `json:"credits_charged"`
	DurationMs       int64     `json:"duration_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// Pricing is the price per million tokens for a model.
type Pricing struct {
	Model            string  `json:"model"`
	InputPerMillion  float64 `json:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
}

// Summary aggregates every usage log in the window.
type Summary struct {
	Requests       int64   `json:"requests"`
	TotalTokens    int64   `json:"total_tokens"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
	CreditsCharged int64   `json:"credits_charged"`
	AvgDurationMs  float64 `json:"avg_duration_ms"`
	CostPerCredit  float64 `json:"cost_per_credit"`
}

// FeatureCost is the per-feature breakdown row.
type FeatureCost struct {
	FeatureKey     string  `json:"feature_key"`
	Requests       int64   `json:"requests"`
	TotalTokens    int64   `json:"total_tokens"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
	CreditsCharged int64   `json:"credits_charged"`
}

// DailyCost is one day of the trend, keyed by UTC midnight.
type DailyCost struct {
	Day          time.Time `json:"day"`
	Requests     int64     `json:"requests"`
	TotalTokens  int64     `json:"total_tokens"`
	TotalCostUSD float64   `json:"total_cost_usd"`
}

// Analytics is the cost report for a trailing window.
type Analytics struct {
	Days      int           `json:"days"`
	Since     time.Time     `json:"since"`
	Summary   Summary       `json:"summary"`
	ByFeature []FeatureCost `json:"by_feature"`
	Daily     []DailyCost   `json:"daily"`
}

// Store persists usage logs and answers pricing and aggregate queries.
type Store interface {
	// PricingFor returns nil, nil when the model has no price.
	PricingFor(ctx context.Context, model string) (*Pricing, error)
	InsertUsage(ctx context.Context, log *UsageLog) error
	Summarize(ctx context.Context, since time.Time) (Summary, error)
	ByFeature(ctx context.Context, since time.Time) ([]FeatureCost, error)
	Daily(ctx context.Context, since time.Time) ([]DailyCost, error)
}

// Meter is the cost meter contract.
type Meter interface {
	RecordUsage(ctx context.Context, usage Usage) (*UsageLog, error)
	GetCostAnalytics(ctx context.Context, days int) (*Analytics, error)
}

// Service implements Meter on top of a Store.
type Service struct {
	store Store
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService builds a meter backed by store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordUsage prices usage at the current rate for its model and appends
// the log. A missing price, or a failed price lookup, costs zero.
func (s *Service) RecordUsage(ctx context.Context, usage Usage) (*UsageLog, error) {
	if err := usage.Validate(); err != nil {
		return nil, err
	}
	pricing, err := s.store.PricingFor(ctx, usage.Model)
	if err != nil {
		logging.WarnContext(ctx, component, "pricing lookup failed, recording zero cost", "model", usage.Model, "error", err)
		pricing = nil
	}
	if pricing == nil {
		logging.DebugContext(ctx, component, "no pricing for model", "model", usage.Model)
		pricing = &Pricing{Model: usage.Model}
	}

	inputCost, outputCost := Cost(usage.PromptTokens, usage.CompletionTokens, *pricing)
	entry := &UsageLog{
		ID:               uuid.NewString(),
		UserID:           strings.TrimSpace(usage.UserID),
		FeatureKey:       usage.FeatureKey,
		Model:            usage.Model,
		AIMethod:         usage.AIMethod,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.PromptTokens + usage.CompletionTokens,
		InputCostUSD:     inputCost,
		OutputCostUSD:    outputCost,
		TotalCostUSD:     inputCost + outputCost,
		CreditsCharged:   usage.CreditsCharged,
		DurationMs:       usage.DurationMs,
		CreatedAt:        s.now().UTC(),
	}
	if err := s.store.InsertUsage(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Cost returns the input and output cost of a call under pricing.
func Cost(promptTokens, completionTokens int64, pricing Pricing) (float64, float64) {
	input := float64(promptTokens) / tokensPerMillion * pricing.InputPerMillion
	output := float64(completionTokens) / tokensPerMillion * pricing.OutputPerMillion
	return input, output
}

// GetCostAnalytics aggregates the trailing days-day window, today included.
func (s *Service) GetCostAnalytics(ctx context.Context, days int) (*Analytics, error) {
	if days <= 0 {
		days = defaultWindowDays
	}
	if days > maxWindowDays {
		days = maxWindowDays
	}
	since := startOfDay(s.now()).AddDate(0, 0, -(days - 1))

	summary, err := s.store.Summarize(ctx, since)
	if err != nil {
		return nil, err
	}
	summary.CostPerCredit = 0
	if summary.CreditsCharged > 0 {
		summary.CostPerCredit = summary.TotalCostUSD / float64(summary.CreditsCharged)
	}
	byFeature, err := s.store.ByFeature(ctx, since)
	if err != nil {
		return nil, err
	}
	daily, err := s.store.Daily(ctx, since)
	if err != nil {
		return nil, err
	}
	if byFeature == nil {
		byFeature = []FeatureCost{}
	}
	if daily == nil {
		daily = []DailyCost{}
	}
	return &Analytics{Days: days, Since: since, Summary: summary, ByFeature: byFeature, Daily: daily}, nil
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
