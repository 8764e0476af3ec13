// Package ai is the boundary to the external model that grades attempts.
package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrBadRequest marks a request the provider rejected as malformed or
	// unauthorized. Repeating it cannot succeed.
	ErrBadRequest = errors.New("ai: request rejected")
	// ErrEmptyContent is returned when there is nothing to evaluate.
	ErrEmptyContent = errors.New("ai: content must not be empty")
)

// Request is one submission to grade.
type Request struct {
	AttemptID  string `json:"attempt_id"`
	ExerciseID string `json:"exercise_id"`
	Content    string `json:"content"`
}

// Evaluation is the graded outcome plus the usage needed for metering.
type Evaluation struct {
	Score            int           `json:"score"`
	Feedback         string        `json:"feedback"`
	Model            string        `json:"model"`
	PromptTokens     int64         `json:"prompt_tokens"`
	CompletionTokens int64         `json:"completion_tokens"`
	Duration         time.Duration `json:"duration"`
}

// Evaluator grades a submission.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (*Evaluation, error)
}

// StatusError carries the provider's HTTP status.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ai provider status %d", e.Status)
	}
	return fmt.Sprintf("ai provider status %d: %s", e.Status, e.Message)
}

// Is lets errors.Is(err, ErrBadRequest) match non-retryable statuses.
func (e *StatusError) Is(target error) bool {
	return target == ErrBadRequest && !e.Transient()
}

// Transient reports whether retrying the same request may succeed.
func (e *StatusError) Transient() bool {
	return e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}
