package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrStepNotAvailable is returned by StepContext.Result for a step that has
// not produced an output.
var ErrStepNotAvailable = errors.New("jobs: step result not available")

// StepFunc performs one step. The returned value is JSON encoded and memoized.
// A step with external side effects must persist its outcome before returning.
type StepFunc func(ctx context.Context, sc *StepContext) (any, error)

// Step is a named, checkpointed unit of work.
type Step struct {
	Name string
	// Critical steps decide the job's outcome. Failures of other steps are
	// logged and recorded but the job still succeeds.
	Critical bool
	Run      StepFunc
}

// Workflow is an ordered list of steps. Version must change whenever the step
// list changes incompatibly.
type Workflow struct {
	Name    string
	Version int
	Steps   []Step
}

func (w *Workflow) validate() error {
	if strings.TrimSpace(w.Name) == "" {
		return fmt.Errorf("workflow name required")
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", w.Name)
	}
	seen := make(map[string]bool, len(w.Steps))
	for _, st := range w.Steps {
		if strings.TrimSpace(st.Name) == "" || st.Run == nil {
			return fmt.Errorf("workflow %s: step requires name and func", w.Name)
		}
		if seen[st.Name] {
			return fmt.Errorf("workflow %s: duplicate step %s", w.Name, st.Name)
		}
		seen[st.Name] = true
	}
	return nil
}

// StepContext exposes the job payload and the outputs of earlier steps.
type StepContext struct {
	JobID   string
	TraceID string
	// Attempt is the 1-based attempt number of the current step.
	Attempt int
	payload json.RawMessage
	results map[string]StepResult
}

// Decode unmarshals the job payload into v.
func (sc *StepContext) Decode(v any) error {
	if len(sc.payload) == 0 {
		return fmt.Errorf("job %s has no payload", sc.JobID)
	}
	return json.Unmarshal(sc.payload, v)
}

// Result unmarshals the memoized output of an earlier step into v.
func (sc *StepContext) Result(step string, v any) error {
	res, ok := sc.results[step]
	if !ok || res.Failed() {
		return fmt.Errorf("%w: %s", ErrStepNotAvailable, step)
	}
	if v == nil || len(res.Output) == 0 {
		return nil
	}
	return json.Unmarshal(res.Output, v)
}
