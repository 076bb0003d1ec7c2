package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ProgressFunc reports fractional progress (0..1) for a running job. Used
// for observability and lease renewal, not correctness.
type ProgressFunc func(ctx context.Context, fraction float64)

// Handler executes jobs of one kind.
type Handler interface {
	Kind() string
	Execute(ctx context.Context, job *Job, report ProgressFunc) error
}

// FailureHandler is an optional extension of Handler invoked exactly once
// when a job reaches failed-final, so domain code can record a diagnostic
// outcome. It is never invoked for retryable failures.
type FailureHandler interface {
	OnFinalFailure(ctx context.Context, job *Job, jobErr error)
}

// Options configure the queue. Zero values fall back to defaults; every knob
// is expected to come from external configuration.
type Options struct {
	Concurrency        int
	MaxAttempts        int
	PollInterval       time.Duration
	LeaseDuration      time.Duration
	StallInterval      time.Duration
	MaxStalls          int
	RetentionSucceeded int
	RetentionFailed    int
	Retry              RetryPolicy
}

func (o *Options) withDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 30 * time.Second
	}
	if o.StallInterval <= 0 {
		o.StallInterval = 15 * time.Second
	}
	if o.MaxStalls <= 0 {
		o.MaxStalls = 2
	}
	if o.RetentionSucceeded <= 0 {
		o.RetentionSucceeded = 100
	}
	if o.RetentionFailed <= 0 {
		o.RetentionFailed = 500
	}
	if o.Retry == nil {
		o.Retry = ExponentialBackoff{Base: 2 * time.Second, Factor: 2, Max: 5 * time.Minute}
	}
}

// EnqueueOptions override per-job settings.
type EnqueueOptions struct {
	Priority      int
	CorrelationID string
	MaxAttempts   int
}

type Queue struct {
	store    Store
	opts     Options
	logger   zerolog.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
}

func New(store Store, logger zerolog.Logger, opts Options) *Queue {
	opts.withDefaults()
	return &Queue{
		store:    store,
		opts:     opts,
		logger:   logger.With().Str("component", "queue").Logger(),
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler wires a handler for its job kind. Duplicate kinds are a
// configuration error.
func (q *Queue) RegisterHandler(h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.handlers[h.Kind()]; exists {
		return fmt.Errorf("handler for kind %q already registered", h.Kind())
	}
	q.handlers[h.Kind()] = h
	return nil
}

// Enqueue persists a new job and returns its handle.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload interface{}, opts EnqueueOptions) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	if opts.Priority == 0 {
		opts.Priority = PriorityNormal
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = q.opts.MaxAttempts
	}

	job := &Job{
		Kind:          kind,
		Payload:       raw,
		Priority:      opts.Priority,
		MaxAttempts:   opts.MaxAttempts,
		CorrelationID: opts.CorrelationID,
	}
	if err := q.store.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	q.logger.Info().
		Str("job_id", job.ID.String()).
		Str("kind", kind).
		Int("priority", job.Priority).
		Str("correlation_id", job.CorrelationID).
		Msg("job enqueued")
	return job, nil
}

// Get returns the current state of a job.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	return q.store.Get(ctx, id)
}

// Run starts the worker pool and the stall sweeper, blocking until ctx is
// cancelled and all in-flight jobs have finished.
func (q *Queue) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for i := 0; i < q.opts.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.workerLoop(ctx, worker)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		q.sweepLoop(ctx)
	}()

	wg.Wait()
}

func (q *Queue) kinds() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]string, 0, len(q.handlers))
	for k := range q.handlers {
		out = append(out, k)
	}
	return out
}

func (q *Queue) workerLoop(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := q.store.Claim(ctx, q.kinds(), q.opts.LeaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error().Err(err).Int("worker", worker).Msg("claim failed")
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.opts.PollInterval):
			}
			continue
		}
		q.runJob(ctx, worker, job)
	}
}

func (q *Queue) runJob(ctx context.Context, worker int, job *Job) {
	log := q.logger.With().
		Str("job_id", job.ID.String()).
		Str("kind", job.Kind).
		Int("attempt", job.Attempts).
		Int("worker", worker).
		Logger()

	q.mu.RLock()
	handler := q.handlers[job.Kind]
	q.mu.RUnlock()
	if handler == nil {
		// Cannot happen for jobs claimed by kind, but guard anyway.
		q.finalize(ctx, handler, job, fmt.Errorf("no handler for kind %q", job.Kind), log)
		return
	}

	report := func(ctx context.Context, fraction float64) {
		if err := q.store.Heartbeat(ctx, job.ID, fraction, q.opts.LeaseDuration); err != nil {
			log.Warn().Err(err).Msg("heartbeat failed")
		}
	}

	log.Info().Msg("job started")
	err := handler.Execute(ctx, job, report)
	if err == nil {
		if err := q.store.Succeed(ctx, job.ID); err != nil {
			log.Error().Err(err).Msg("failed to record job success")
			return
		}
		log.Info().Msg("job succeeded")
		return
	}

	if !IsFatal(err) && job.Attempts < job.MaxAttempts {
		delay := q.opts.Retry.NextDelay(job.Attempts)
		if retryErr := q.store.Retry(ctx, job.ID, err.Error(), time.Now().Add(delay)); retryErr != nil {
			log.Error().Err(retryErr).Msg("failed to requeue job")
			return
		}
		log.Warn().Err(err).Dur("backoff", delay).Msg("job failed, will retry")
		return
	}

	q.finalize(ctx, handler, job, err, log)
}

func (q *Queue) finalize(ctx context.Context, handler Handler, job *Job, jobErr error, log zerolog.Logger) {
	if err := q.store.Fail(ctx, job.ID, jobErr.Error()); err != nil {
		log.Error().Err(err).Msg("failed to record terminal failure")
	}
	log.Error().Err(jobErr).Msg("job failed terminally")
	if fh, ok := handler.(FailureHandler); ok {
		fh.OnFinalFailure(ctx, job, jobErr)
	}
}

func (q *Queue) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(q.opts.StallInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			requeued, failed, err := q.store.RequeueStalled(ctx, now, q.opts.MaxStalls)
			if err != nil {
				q.logger.Error().Err(err).Msg("stall sweep failed")
				continue
			}
			if requeued > 0 || failed > 0 {
				q.logger.Warn().Int("requeued", requeued).Int("failed", failed).Msg("stalled jobs swept")
			}
			if err := q.store.Trim(ctx, q.opts.RetentionSucceeded, q.opts.RetentionFailed); err != nil {
				q.logger.Error().Err(err).Msg("job history trim failed")
			}
		}
	}
}

// Stats reports current queue depth per state.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	return q.store.Stats(ctx)
}
