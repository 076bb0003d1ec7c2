package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a mutex-guarded in-process Store. It backs tests and
// single-process deployments without a database.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[uuid.UUID]*Job)}
}

func (s *MemoryStore) Enqueue(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
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
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, kinds []string, lease time.Duration) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	kindSet := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}

	var candidates []*Job
	for _, j := range s.jobs {
		if j.State == StateEnqueued && !j.RunAt.After(now) && (len(kindSet) == 0 || kindSet[j.Kind]) {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority < candidates[k].Priority
		}
		return candidates[i].EnqueuedAt.Before(candidates[k].EnqueuedAt)
	})

	j := candidates[0]
	j.State = StateRunning
	j.Attempts++
	j.Progress = 0
	started := now
	expires := now.Add(lease)
	j.StartedAt = &started
	j.LeaseExpiresAt = &expires

	cp := *j
	return &cp, nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, id uuid.UUID, progress float64, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.State != StateRunning {
		return fmt.Errorf("job %s is not running", id)
	}
	j.Progress = progress
	expires := time.Now().Add(lease)
	j.LeaseExpiresAt = &expires
	return nil
}

func (s *MemoryStore) Succeed(_ context.Context, id uuid.UUID) error {
	return s.finish(id, StateSucceeded, nil)
}

func (s *MemoryStore) Fail(_ context.Context, id uuid.UUID, errMsg string) error {
	return s.finish(id, StateFailed, &errMsg)
}

func (s *MemoryStore) finish(id uuid.UUID, state State, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	now := time.Now()
	j.State = state
	j.FinishedAt = &now
	j.LeaseExpiresAt = nil
	j.LastError = errMsg
	if state == StateSucceeded {
		j.Progress = 1
	}
	return nil
}

func (s *MemoryStore) Retry(_ context.Context, id uuid.UUID, errMsg string, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	j.State = StateEnqueued
	j.RunAt = runAt
	j.LastError = &errMsg
	j.LeaseExpiresAt = nil
	return nil
}

func (s *MemoryStore) RequeueStalled(_ context.Context, now time.Time, maxStalls int) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var requeued, failed int
	for _, j := range s.jobs {
		if j.State != StateRunning || j.LeaseExpiresAt == nil || j.LeaseExpiresAt.After(now) {
			continue
		}
		j.Stalls++
		if j.Stalls > maxStalls {
			msg := "job stalled too many times"
			finished := now
			j.State = StateFailed
			j.LastError = &msg
			j.FinishedAt = &finished
			j.LeaseExpiresAt = nil
			failed++
			continue
		}
		j.State = StateEnqueued
		// The stalled job is eligible immediately; now is only the sweep
		// cutoff for expired leases, not a schedule.
		j.RunAt = time.Now()
		j.LeaseExpiresAt = nil
		requeued++
	}
	return requeued, failed, nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s not found", id)
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) Trim(_ context.Context, keepSucceeded, keepFailed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trimState(StateSucceeded, keepSucceeded)
	s.trimState(StateFailed, keepFailed)
	return nil
}

func (s *MemoryStore) trimState(state State, keep int) {
	var terminal []*Job
	for _, j := range s.jobs {
		if j.State == state {
			terminal = append(terminal, j)
		}
	}
	if len(terminal) <= keep {
		return
	}
	sort.Slice(terminal, func(i, k int) bool {
		return finishedAt(terminal[i]).After(finishedAt(terminal[k]))
	})
	for _, j := range terminal[keep:] {
		delete(s.jobs, j.ID)
	}
}

func finishedAt(j *Job) time.Time {
	if j.FinishedAt != nil {
		return *j.FinishedAt
	}
	return j.EnqueuedAt
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, j := range s.jobs {
		switch j.State {
		case StateEnqueued:
			st.Enqueued++
		case StateRunning:
			st.Running++
		case StateSucceeded:
			st.Succeeded++
		case StateFailed:
			st.Failed++
		}
	}
	return st, nil
}
