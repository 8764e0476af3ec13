package evaluation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cordum/evaluator/core/infra/pg"
)

// Result is the persisted grade of one attempt.
type Result struct {
	AttemptID        string    `json:"attempt_id"`
	UserID           string    `json:"user_id"`
	ExerciseID       string    `json:"exercise_id"`
	Score            int       `json:"score"`
	Feedback         string    `json:"feedback"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	DurationMs       int64     `json:"duration_ms"`
	EvaluatedAt      time.Time `json:"evaluated_at"`
}

// ResultStore persists evaluation results keyed by attempt.
type ResultStore interface {
	// Get returns nil, nil when the attempt has no result yet.
	Get(ctx context.Context, attemptID string) (*Result, error)
	Save(ctx context.Context, r *Result) error
}

// PostgresResultStore implements ResultStore on the attempt_evaluations table.
type PostgresResultStore struct {
	db *sql.DB
}

// NewPostgresResultStore creates a PostgreSQL-backed result store.
func NewPostgresResultStore(db *sql.DB) *PostgresResultStore {
	return &PostgresResultStore{db: db}
}

// Migrations returns the DDL for the results table.
func Migrations() []pg.Migration {
	return []pg.Migration{
		{Name: "attempt_evaluations", SQL: `
CREATE TABLE IF NOT EXISTS attempt_evaluations (
	attempt_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	exercise_id TEXT NOT NULL,
	score INTEGER NOT NULL,
	feedback TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	prompt_tokens BIGINT NOT NULL DEFAULT 0,
	completion_tokens BIGINT NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	evaluated_at TIMESTAMPTZ NOT NULL
)`},
	}
}

// Init creates the necessary database tables.
func (s *PostgresResultStore) Init(ctx context.Context) error {
	return pg.Migrate(ctx, s.db, Migrations()...)
}

func (s *PostgresResultStore) Get(ctx context.Context, attemptID string) (*Result, error) {
	var r Result
	err := s.db.QueryRowContext(ctx, `
		SELECT attempt_id, user_id, exercise_id, score, feedback, model, prompt_tokens,
			completion_tokens, duration_ms, evaluated_at
		FROM attempt_evaluations WHERE attempt_id = $1
	`, attemptID).Scan(&r.AttemptID, &r.UserID, &r.ExerciseID, &r.Score, &r.Feedback, &r.Model,
		&r.PromptTokens, &r.CompletionTokens, &r.DurationMs, &r.EvaluatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query evaluation %s: %w", attemptID, err)
	}
	return &r, nil
}

func (s *PostgresResultStore) Save(ctx context.Context, r *Result) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempt_evaluations (attempt_id, user_id, exercise_id, score, feedback, model,
			prompt_tokens, completion_tokens, duration_ms, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (attempt_id) DO UPDATE SET
			score = EXCLUDED.score,
			feedback = EXCLUDED.feedback,
			model = EXCLUDED.model,
			prompt_tokens = EXCLUDED.prompt_tokens,
			completion_tokens = EXCLUDED.completion_tokens,
			duration_ms = EXCLUDED.duration_ms,
			evaluated_at = EXCLUDED.evaluated_at
	`, r.AttemptID, r.UserID, r.ExerciseID, r.Score, r.Feedback, r.Model,
		r.PromptTokens, r.CompletionTokens, r.DurationMs, r.EvaluatedAt)
	if err != nil {
		return fmt.Errorf("save evaluation %s: %w", r.AttemptID, err)
	}
	return nil
}

// MemoryResultStore implements ResultStore in memory.
type MemoryResultStore struct {
	mu      sync.RWMutex
	results map[string]Result
}

// NewMemoryResultStore creates an empty in-memory result store.
func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{results: make(map[string]Result)}
}

func (m *MemoryResultStore) Get(_ context.Context, attemptID string) (*Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[attemptID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *MemoryResultStore) Save(_ context.Context, r *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[r.AttemptID] = *r
	return nil
}
