// Package queue implements a durable, retryable job queue backed by a
// shared store. Multiple worker processes may poll the same store; claim is
// exclusive, so a given job runs on at most one worker at a time.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a job.
type State string

const (
	StateEnqueued  State = "enqueued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Numeric job priorities; lower is served first.
const (
	PriorityUrgent = 1
	PriorityHigh   = 2
	PriorityNormal = 3
	PriorityLow    = 4
)

// Job is a queued unit of work.
type Job struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	Kind           string          `db:"kind" json:"kind"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	Priority       int             `db:"priority" json:"priority"`
	State          State           `db:"state" json:"state"`
	Attempts       int             `db:"attempts" json:"attempts"`
	MaxAttempts    int             `db:"max_attempts" json:"max_attempts"`
	Stalls         int             `db:"stalls" json:"stalls"`
	CorrelationID  string          `db:"correlation_id" json:"correlation_id,omitempty"`
	Progress       float64         `db:"progress" json:"progress"`
	LastError      *string         `db:"last_error" json:"last_error,omitempty"`
	RunAt          time.Time       `db:"run_at" json:"run_at"`
	LeaseExpiresAt *time.Time      `db:"lease_expires_at" json:"lease_expires_at,omitempty"`
	EnqueuedAt     time.Time       `db:"enqueued_at" json:"enqueued_at"`
	StartedAt      *time.Time      `db:"started_at" json:"started_at,omitempty"`
	FinishedAt     *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
}

// Terminal reports whether the job has reached a final state.
func (j *Job) Terminal() bool {
	return j.State == StateSucceeded || j.State == StateFailed
}

// FatalError marks a job error as non-retryable regardless of the attempt
// counter (missing request bundle, validation failure).
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so the worker fails the job without further retries.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err (or anything it wraps) is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// RetryPolicy computes the delay before re-running a failed attempt.
// attempt is the 1-based number of the attempt that just failed.
type RetryPolicy interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff doubles (by Factor) the base delay per attempt, capped
// at Max.
type ExponentialBackoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func (b ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base)
	for i := 1; i < attempt; i++ {
		d *= b.Factor
	}
	delay := time.Duration(d)
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}
