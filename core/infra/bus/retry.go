package bus

import (
	"errors"
	"fmt"
	"time"
)

// MaxRetryDelay bounds how far a handler may push a redelivery out.
const MaxRetryDelay = 10 * time.Minute

// RedeliveryError asks the bus to nak the message so it is delivered again
// after Delay. Plain NATS subscriptions have no redelivery and ack regardless.
type RedeliveryError struct {
	Err   error
	Delay time.Duration
}

func (e *RedeliveryError) Error() string {
	return fmt.Sprintf("redeliver in %s: %v", e.Delay, e.Err)
}

func (e *RedeliveryError) Unwrap() error { return e.Err }

// RetryAfter wraps err so the message is redelivered after delay, clamped to
// [0, MaxRetryDelay].
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		err = errors.New("redelivery requested")
	}
	return &RedeliveryError{Err: err, Delay: clampDelay(delay)}
}

// RetryDelay reports the redelivery delay carried by err, if any.
func RetryDelay(err error) (time.Duration, bool) {
	var re *RedeliveryError
	if !errors.As(err, &re) {
		return 0, false
	}
	return clampDelay(re.Delay), true
}

func clampDelay(d time.Duration) time.Duration {
	switch {
	case d < 0:
		return 0
	case d > MaxRetryDelay:
		return MaxRetryDelay
	}
	return d
}
