package metering

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cordum/evaluator/core/infra/pg"
)

// PostgresStore implements Store with PostgreSQL storage.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed usage store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrations returns the DDL for the usage and pricing tables.
func Migrations() []pg.Migration {
	return []pg.Migration{
		{Name: "ai_model_pricing", SQL: `
CREATE TABLE IF NOT EXISTS ai_model_pricing (
	model TEXT PRIMARY KEY,
	input_per_million NUMERIC(12,6) NOT NULL DEFAULT 0,
	output_per_million NUMERIC(12,6) NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`},
		{Name: "ai_usage_logs", SQL: `
CREATE TABLE IF NOT EXISTS ai_usage_logs (
	id UUID PRIMARY KEY,
	user_id TEXT NOT NULL,
	feature_key TEXT NOT NULL,
	model TEXT NOT NULL,
	ai_method TEXT NOT NULL DEFAULT '',
	prompt_tokens BIGINT NOT NULL,
	completion_tokens BIGINT NOT NULL,
	total_tokens BIGINT NOT NULL,
	input_cost_usd NUMERIC(14,6) NOT NULL,
	output_cost_usd NUMERIC(14,6) NOT NULL,
	total_cost_usd NUMERIC(14,6) NOT NULL,
	credits_charged BIGINT NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ai_usage_logs_created ON ai_usage_logs(created_at);
CREATE INDEX IF NOT EXISTS idx_ai_usage_logs_feature_created ON ai_usage_logs(feature_key, created_at)`},
	}
}

// Init creates the necessary database tables.
func (s *PostgresStore) Init(ctx context.Context) error {
	return pg.Migrate(ctx, s.db, Migrations()...)
}

func (s *PostgresStore) PricingFor(ctx context.Context, model string) (*Pricing, error) {
	var p Pricing
	err := s.db.QueryRowContext(ctx,
		`SELECT model, input_per_million, output_per_million FROM ai_model_pricing WHERE model = $1`,
		model).Scan(&p.Model, &p.InputPerMillion, &p.OutputPerMillion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metering: query pricing: %w", err)
	}
	return &p, nil
}

// SetPricing inserts or replaces the price for a model.
func (s *PostgresStore) SetPricing(ctx context.Context, p Pricing) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_model_pricing (model, input_per_million, output_per_million, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (model) DO UPDATE SET
			input_per_million = EXCLUDED.input_per_million,
			output_per_million = EXCLUDED.output_per_million,
			updated_at = now()
	`, p.Model, p.InputPerMillion, p.OutputPerMillion)
	if err != nil {
		return fmt.Errorf("metering: set pricing: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertUsage(ctx context.Context, l *UsageLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_usage_logs (id, user_id, feature_key, model, ai_method, prompt_tokens, completion_tokens,
			total_tokens, input_cost_usd, output_cost_usd, total_cost_usd, credits_charged, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, l.ID, l.UserID, l.FeatureKey, l.Model, l.AIMethod, l.PromptTokens, l.CompletionTokens,
		l.TotalTokens, l.InputCostUSD, l.OutputCostUSD, l.TotalCostUSD, l.CreditsCharged, l.DurationMs, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("metering: insert usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) Summarize(ctx context.Context, since time.Time) (Summary, error) {
	var out Summary
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(total_cost_usd), 0),
			COALESCE(SUM(credits_charged), 0), COALESCE(AVG(duration_ms), 0)
		FROM ai_usage_logs
		WHERE created_at >= $1
	`, since).Scan(&out.Requests, &out.TotalTokens, &out.TotalCostUSD, &out.CreditsCharged, &out.AvgDurationMs)
	if err != nil {
		return Summary{}, fmt.Errorf("metering: query summary: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ByFeature(ctx context.Context, since time.Time) ([]FeatureCost, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT feature_key, COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(total_cost_usd), 0),
			COALESCE(SUM(credits_charged), 0)
		FROM ai_usage_logs
		WHERE created_at >= $1
		GROUP BY feature_key
		ORDER BY 4 DESC, feature_key
	`, since)
	if err != nil {
		return nil, fmt.Errorf("metering: query by feature: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []FeatureCost
	for rows.Next() {
		var fc FeatureCost
		if err := rows.Scan(&fc.FeatureKey, &fc.Requests, &fc.TotalTokens, &fc.TotalCostUSD, &fc.CreditsCharged); err != nil {
			return nil, fmt.Errorf("metering: scan by feature: %w", err)
		}
		out = append(out, fc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Daily(ctx context.Context, since time.Time) ([]DailyCost, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date_trunc('day', created_at AT TIME ZONE 'UTC') AS day, COUNT(*),
			COALESCE(SUM(total_tokens), 0), COALESCE(SUM(total_cost_usd), 0)
		FROM ai_usage_logs
		WHERE created_at >= $1
		GROUP BY day
		ORDER BY day ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("metering: query daily: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DailyCost
	for rows.Next() {
		var dc DailyCost
		if err := rows.Scan(&dc.Day, &dc.Requests, &dc.TotalTokens, &dc.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("metering: scan daily: %w", err)
		}
		dc.Day = startOfDay(dc.Day)
		out = append(out, dc)
	}
	return out, rows.Err()
}
