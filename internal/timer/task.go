package timer

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Task is one scheduled invocation. The handle is chosen by the caller so
// it can be persisted before the task is handed to a scheduler.
type Task struct {
	Handle  string    `json:"handle"`
	RouteID uuid.UUID `json:"route_id"`
	Attempt int       `json:"attempt"`
}

// NewHandle returns a fresh opaque task handle.
func NewHandle() string {
	return uuid.NewString()
}

// Handler runs a due task.
type Handler func(ctx context.Context, task Task) error

// RetryPolicy decides whether a task whose handler failed is run again.
type RetryPolicy struct {
	// MaxAttempts counts the first run. Values below 2 disable retries.
	MaxAttempts int
	// Backoff is the delay before the first retry; it doubles per attempt.
	Backoff time.Duration
}

// NoRetry never re-runs a failed task.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// retry returns the follow-up task and its delay, or false when the policy
// is exhausted.
func (p RetryPolicy) retry(task Task) (Task, time.Duration, bool) {
	attempt := task.Attempt
	if attempt < 1 {
		attempt = 1
	}
	if attempt >= p.MaxAttempts {
		return Task{}, 0, false
	}
	delay := p.Backoff << uint(attempt-1)
	task.Attempt = attempt + 1
	return task, delay, true
}

var (
	ErrManagerStopped = &TimerError{"timer manager is stopped"}
	ErrNotStarted     = &TimerError{"scheduler has no handler"}
)

// TimerError represents a timer error
type TimerError struct {
	msg string
}

func (e *TimerError) Error() string {
	return e.msg
}
