package jobs

import (
	"encoding/json"
	"time"
)

// Status captures the lifecycle of a job.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusSucceeded       Status = "succeeded"
	StatusFailedRetryable Status = "failed-retryable"
	StatusFailedTerminal  Status = "failed-terminal"
)

var allStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusSucceeded,
	StatusFailedRetryable,
	StatusFailedTerminal,
}

var allowedTransitions = map[Status][]Status{
	"":                    {StatusPending},
	StatusPending:         {StatusRunning, StatusFailedTerminal},
	StatusRunning:         {StatusRunning, StatusSucceeded, StatusFailedRetryable, StatusFailedTerminal},
	StatusFailedRetryable: {StatusRunning, StatusFailedTerminal},
	StatusSucceeded:       {},
	StatusFailedTerminal:  {},
}

// Terminal reports whether no further execution will happen.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailedTerminal
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, st := range allStatuses {
		if st == s {
			return true
		}
	}
	return false
}

func isAllowedTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepResult is the memoized outcome of a step. Exactly one of Output and
// Error is meaningful.
type StepResult struct {
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Failed reports whether the step was recorded as a failure.
func (r StepResult) Failed() bool {
	return r.Error != ""
}

// Job is one durable, resumable execution of a workflow.
type Job struct {
	ID              string                `json:"id"`
	Workflow        string                `json:"workflow"`
	WorkflowVersion int                   `json:"workflow_version"`
	Payload         json.RawMessage       `json:"payload"`
	Status          Status                `json:"status"`
	Attempts        int                   `json:"attempts"`
	StepAttempts    map[string]int        `json:"step_attempts,omitempty"`
	Memo            map[string]StepResult `json:"memo,omitempty"`
	TraceID         string                `json:"trace_id,omitempty"`
	LastError       string                `json:"last_error,omitempty"`
	Halted          bool                  `json:"halted,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
	FinishedAt      *time.Time            `json:"finished_at,omitempty"`
}
