package jobs

import "errors"

var (
	ErrJobNotFound      = errors.New("jobs: job not found")
	ErrWorkflowNotFound = errors.New("jobs: workflow not found")
	// ErrJobBusy is returned when another execution currently advances the job.
	ErrJobBusy = errors.New("jobs: job is being executed elsewhere")
	// ErrVersionMismatch is returned when a job is resumed against a
	// workflow definition other than the one it was enqueued with.
	ErrVersionMismatch = errors.New("jobs: workflow version changed")
	ErrRunnerClosed    = errors.New("jobs: runner closed")
	// ErrBudgetExhausted wraps the last error of a step that used up its attempts.
	ErrBudgetExhausted = errors.New("jobs: retry budget exhausted")
)

// StepError classifies a step failure. Unclassified errors are retryable.
type StepError struct {
	Err      error
	terminal bool
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return "step failed"
	}
	return e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Retryable marks err as a transient failure the runner may retry.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Err: err}
}

// Terminal marks err as a failure no retry can fix.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Err: err, terminal: true}
}

// IsTerminal reports whether err was marked with Terminal.
func IsTerminal(err error) bool {
	var se *StepError
	return errors.As(err, &se) && se.terminal
}
