// Package evaluation wires the attempt/evaluate pipeline: grade a submission
// with the AI provider, record what it cost, and tell the user.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cordum/evaluator/core/ai"
	"github.com/cordum/evaluator/core/infra/intercept"
	"github.com/cordum/evaluator/core/jobs"
	"github.com/cordum/evaluator/core/metering"
	"github.com/cordum/evaluator/core/notify"
)

const (
	WorkflowName    = "attempt/evaluate"
	WorkflowVersion = 1

	StepEvaluate   = "evaluate"
	StepRecordCost = "record-cost"
	StepNotify     = "notify"

	DefaultFeatureKey = "attempt_evaluation"
	NotificationType  = "evaluation_complete"
	aiMethod          = "evaluate"
	jobIDPrefix       = "attempt-evaluate:"
)

// Payload is the data of an attempt/evaluate event and of the job it creates.
type Payload struct {
	AttemptID  string `json:"attemptId"`
	UserID     string `json:"userId"`
	ExerciseID string `json:"exerciseId"`
	FeatureKey string `json:"featureKey,omitempty"`
	Content    string `json:"content"`
	TraceID    string `json:"traceId,omitempty"`
}

// JobID derives the job id for an attempt so redelivered events map to the
// same job.
func JobID(attemptID string) string {
	return jobIDPrefix + attemptID
}

// Deps are the collaborators of the pipeline.
type Deps struct {
	Evaluator ai.Evaluator
	Results   ResultStore
	Meter     metering.Meter
	Notifier  notify.Notifier
	// CreditsPerEvaluation is charged to the user for each graded attempt.
	CreditsPerEvaluation int64
	// StillWanted, when set, is asked before grading. Returning false halts
	// the job without error.
	StillWanted func(ctx context.Context, attemptID string) (bool, error)
}

// NewWorkflow builds the three-step pipeline. Only the evaluation step is
// critical; cost recording and notification are best effort.
func NewWorkflow(d Deps) jobs.Workflow {
	return jobs.Workflow{
		Name:    WorkflowName,
		Version: WorkflowVersion,
		Steps: []jobs.Step{
			{Name: StepEvaluate, Critical: true, Run: d.evaluate},
			{Name: StepRecordCost, Run: d.recordCost},
			{Name: StepNotify, Run: d.sendNotification},
		},
	}
}

func (d Deps) evaluate(ctx context.Context, sc *jobs.StepContext) (any, error) {
	var p Payload
	if err := sc.Decode(&p); err != nil {
		return nil, jobs.Terminal(fmt.Errorf("decode payload: %w", err))
	}
	if d.StillWanted != nil {
		wanted, err := d.StillWanted(ctx, p.AttemptID)
		if err != nil {
			return nil, err
		}
		if !wanted {
			return nil, intercept.Halt("attempt " + p.AttemptID + " withdrawn")
		}
	}

	// A result saved by an earlier execution that crashed before the memo
	// was written is reused instead of calling the provider again.
	existing, err := d.Results.Get(ctx, p.AttemptID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	ev, err := d.Evaluator.Evaluate(ctx, ai.Request{AttemptID: p.AttemptID, ExerciseID: p.ExerciseID, Content: p.Content})
	if err != nil {
		if errors.Is(err, ai.ErrBadRequest) || errors.Is(err, ai.ErrEmptyContent) {
			return nil, jobs.Terminal(err)
		}
		return nil, err
	}
	res := &Result{
		AttemptID:        p.AttemptID,
		UserID:           p.UserID,
		ExerciseID:       p.ExerciseID,
		Score:            ev.Score,
		Feedback:         ev.Feedback,
		Model:            ev.Model,
		PromptTokens:     ev.PromptTokens,
		CompletionTokens: ev.CompletionTokens,
		DurationMs:       ev.Duration.Milliseconds(),
		EvaluatedAt:      time.Now().UTC(),
	}
	if err := d.Results.Save(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

type costOutput struct {
	UsageLogID   string  `json:"usage_log_id"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

func (d Deps) recordCost(ctx context.Context, sc *jobs.StepContext) (any, error) {
	var p Payload
	if err := sc.Decode(&p); err != nil {
		return nil, jobs.Terminal(err)
	}
	var res Result
	if err := sc.Result(StepEvaluate, &res); err != nil {
		return nil, jobs.Terminal(err)
	}
	feature := p.FeatureKey
	if feature == "" {
		feature = DefaultFeatureKey
	}
	log, err := d.Meter.RecordUsage(ctx, metering.Usage{
		UserID:           p.UserID,
		FeatureKey:       feature,
		Model:            res.Model,
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
		AIMethod:         aiMethod,
		CreditsCharged:   d.CreditsPerEvaluation,
		DurationMs:       res.DurationMs,
	})
	if err != nil {
		if errors.Is(err, metering.ErrEmptyUserID) || errors.Is(err, metering.ErrNegativeTokens) {
			return nil, jobs.Terminal(err)
		}
		return nil, err
	}
	return costOutput{UsageLogID: log.ID, TotalCostUSD: log.TotalCostUSD}, nil
}

type notifyOutput struct {
	NotificationID string `json:"notification_id"`
}

func (d Deps) sendNotification(ctx context.Context, sc *jobs.StepContext) (any, error) {
	var p Payload
	if err := sc.Decode(&p); err != nil {
		return nil, jobs.Terminal(err)
	}
	var res Result
	if err := sc.Result(StepEvaluate, &res); err != nil {
		return nil, jobs.Terminal(err)
	}
	n, err := d.Notifier.Notify(ctx, p.UserID, NotificationType,
		"Your attempt has been evaluated",
		fmt.Sprintf("You scored %d/100.", res.Score),
		notify.Options{
			Link: "/attempts/" + p.AttemptID,
			Metadata: map[string]string{
				"attempt_id":  p.AttemptID,
				"exercise_id": p.ExerciseID,
				"score":       strconv.Itoa(res.Score),
			},
		})
	if err != nil {
		if errors.Is(err, notify.ErrEmptyRecipient) {
			return nil, jobs.Terminal(err)
		}
		return nil, err
	}
	return notifyOutput{NotificationID: n.ID}, nil
}
