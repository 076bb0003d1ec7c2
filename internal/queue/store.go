package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Stats summarizes queue depth per state.
type Stats struct {
	Enqueued  int `json:"enqueued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Store is the persistence contract for jobs. Claim must be exclusive: a job
// returned by one Claim call is invisible to concurrent callers until its
// lease expires or it reaches a terminal state.
type Store interface {
	Enqueue(ctx context.Context, job *Job) error

	// Claim atomically picks the runnable job with the lowest priority
	// number (FIFO within a tier), marks it running, increments its attempt
	// counter, and sets a lease. Returns (nil, nil) when nothing is runnable.
	Claim(ctx context.Context, kinds []string, lease time.Duration) (*Job, error)

	// Heartbeat records fractional progress and extends the lease.
	Heartbeat(ctx context.Context, id uuid.UUID, progress float64, lease time.Duration) error

	Succeed(ctx context.Context, id uuid.UUID) error

	// Retry returns a running job to the enqueued state with a future run
	// time, recording the error that caused the attempt to fail.
	Retry(ctx context.Context, id uuid.UUID, errMsg string, runAt time.Time) error

	// Fail marks a job failed-final.
	Fail(ctx context.Context, id uuid.UUID, errMsg string) error

	// RequeueStalled finds running jobs whose lease expired before now and
	// either requeues them (stall counter below maxStalls) or fails them.
	RequeueStalled(ctx context.Context, now time.Time, maxStalls int) (requeued, failed int, err error)

	Get(ctx context.Context, id uuid.UUID) (*Job, error)

	// Trim drops terminal job history beyond the given retention counts.
	Trim(ctx context.Context, keepSucceeded, keepFailed int) error

	Stats(ctx context.Context) (Stats, error)
}
