package evaluation

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPostgresResultStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()
	store := NewPostgresResultStore(db)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM attempt_evaluations WHERE attempt_id = $1")).
		WithArgs("a1").
		WillReturnError(sql.ErrNoRows)
	if got, err := store.Get(ctx, "a1"); got != nil || err != nil {
		t.Fatalf("expected nil result for unknown attempt, got %+v err=%v", got, err)
	}

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (attempt_id) DO UPDATE")).
		WithArgs("a1", "u1", "ex1", 87, "solid", "gpt-test", int64(10), int64(5), int64(1500), at).
		WillReturnResult(sqlmock.NewResult(1, 1))
	res := &Result{AttemptID: "a1", UserID: "u1", ExerciseID: "ex1", Score: 87, Feedback: "solid", Model: "gpt-test",
		PromptTokens: 10, CompletionTokens: 5, DurationMs: 1500, EvaluatedAt: at}
	if err := store.Save(ctx, res); err != nil {
		t.Fatalf("save: %v", err)
	}

	cols := []string{"attempt_id", "user_id", "exercise_id", "score", "feedback", "model", "prompt_tokens", "completion_tokens", "duration_ms", "evaluated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM attempt_evaluations WHERE attempt_id = $1")).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("a1", "u1", "ex1", 87, "solid", "gpt-test", 10, 5, 1500, at))
	got, err := store.Get(ctx, "a1")
	if err != nil || got == nil || *got != *res {
		t.Fatalf("unexpected result %+v err=%v", got, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
