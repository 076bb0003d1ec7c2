package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the Postgres-backed Store. Claim uses FOR UPDATE SKIP LOCKED
// plus a lease column so the exclusive-claim guarantee holds across
// processes and hosts sharing the table.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const jobCols = `id, kind, payload, priority, state, attempts, max_attempts, stalls,
	correlation_id, progress, last_error, run_at, lease_expires_at,
	enqueued_at, started_at, finished_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.Kind, &j.Payload, &j.Priority, &j.State, &j.Attempts,
		&j.MaxAttempts, &j.Stalls, &j.CorrelationID, &j.Progress, &j.LastError,
		&j.RunAt, &j.LeaseExpiresAt, &j.EnqueuedAt, &j.StartedAt, &j.FinishedAt)
	return &j, err
}

func (s *PGStore) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	if job.RunAt.IsZero() {
		job.RunAt = job.EnqueuedAt
	}
	job.State = StateEnqueued

	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, kind, payload, priority, state, attempts, max_attempts,
			stalls, correlation_id, run_at, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, 0, $7, $8, $9)`,
		job.ID, job.Kind, job.Payload, job.Priority, job.State,
		job.MaxAttempts, job.CorrelationID, job.RunAt, job.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (s *PGStore) Claim(ctx context.Context, kinds []string, lease time.Duration) (*Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET
			state = $3,
			attempts = attempts + 1,
			progress = 0,
			started_at = now(),
			lease_expires_at = now() + ($2 * interval '1 second')
		WHERE id = (
			SELECT id FROM jobs
			WHERE state = $4 AND run_at <= now() AND kind = ANY($1)
			ORDER BY priority, enqueued_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobCols,
		kinds, lease.Seconds(), StateRunning, StateEnqueued)

	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

func (s *PGStore) Heartbeat(ctx context.Context, id uuid.UUID, progress float64, lease time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress = $2, lease_expires_at = now() + ($3 * interval '1 second')
		WHERE id = $1 AND state = $4`,
		id, progress, lease.Seconds(), StateRunning)
	if err != nil {
		return fmt.Errorf("heartbeat job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s is not running", id)
	}
	return nil
}

func (s *PGStore) Succeed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, progress = 1, finished_at = now(),
			lease_expires_at = NULL, last_error = NULL
		WHERE id = $1`,
		id, StateSucceeded)
	if err != nil {
		return fmt.Errorf("mark job succeeded: %w", err)
	}
	return nil
}

func (s *PGStore) Retry(ctx context.Context, id uuid.UUID, errMsg string, runAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, run_at = $3, last_error = $4, lease_expires_at = NULL
		WHERE id = $1`,
		id, StateEnqueued, runAt, errMsg)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

func (s *PGStore) Fail(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, last_error = $3, finished_at = now(), lease_expires_at = NULL
		WHERE id = $1`,
		id, StateFailed, errMsg)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

func (s *PGStore) RequeueStalled(ctx context.Context, now time.Time, maxStalls int) (int, int, error) {
	requeueTag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $3, stalls = stalls + 1, run_at = $1, lease_expires_at = NULL
		WHERE state = $4 AND lease_expires_at <= $1 AND stalls < $2`,
		now, maxStalls, StateEnqueued, StateRunning)
	if err != nil {
		return 0, 0, fmt.Errorf("requeue stalled jobs: %w", err)
	}

	failTag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, stalls = stalls + 1, last_error = 'job stalled too many times',
			finished_at = $1, lease_expires_at = NULL
		WHERE state = $3 AND lease_expires_at <= $1`,
		now, StateFailed, StateRunning)
	if err != nil {
		return int(requeueTag.RowsAffected()), 0, fmt.Errorf("fail stalled jobs: %w", err)
	}

	return int(requeueTag.RowsAffected()), int(failTag.RowsAffected()), nil
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PGStore) Trim(ctx context.Context, keepSucceeded, keepFailed int) error {
	if err := s.trimState(ctx, StateSucceeded, keepSucceeded); err != nil {
		return err
	}
	return s.trimState(ctx, StateFailed, keepFailed)
}

func (s *PGStore) trimState(ctx context.Context, state State, keep int) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM jobs WHERE id IN (
			SELECT id FROM jobs WHERE state = $1
			ORDER BY finished_at DESC NULLS LAST
			OFFSET $2
		)`,
		state, keep)
	if err != nil {
		return fmt.Errorf("trim %s jobs: %w", state, err)
	}
	return nil
}

func (s *PGStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, count(*) FROM jobs GROUP BY state`)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var state State
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return Stats{}, fmt.Errorf("scan queue stats: %w", err)
		}
		switch state {
		case StateEnqueued:
			st.Enqueued = count
		case StateRunning:
			st.Running = count
		case StateSucceeded:
			st.Succeeded = count
		case StateFailed:
			st.Failed = count
		}
	}
	return st, rows.Err()
}
