package task

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Service struct {
	tasks TaskRepository
}

func NewService(tasks TaskRepository) *Service {
	return &Service{tasks: tasks}
}

var validStatuses = map[string]bool{
	StatusAccepted:   true,
	StatusInProgress: true,
	StatusCompleted:  true,
	StatusFailed:     true,
}

var validBusinessStatuses = map[string]bool{
	BusinessProcessing: true,
	BusinessApproved:   true,
	BusinessDenied:     true,
	BusinessPended:     true,
	BusinessError:      true,
}

// statusRank orders statuses for the monotonicity check. A retried job may
// re-enter in-progress, so equal rank is allowed; terminal statuses never
// change.
var statusRank = map[string]int{
	StatusAccepted:   1,
	StatusInProgress: 2,
	StatusCompleted:  3,
	StatusFailed:     3,
}

func (s *Service) CreateTask(ctx context.Context, t *Task) error {
	if t.FocusClaimID == "" {
		return fmt.Errorf("focus claim reference is required")
	}
	if t.ForPatientID == "" {
		return fmt.Errorf("patient reference is required")
	}
	if t.Status == "" {
		t.Status = StatusAccepted
	}
	if !validStatuses[t.Status] {
		return fmt.Errorf("invalid status: %s", t.Status)
	}
	if t.BusinessStatus == "" {
		t.BusinessStatus = BusinessProcessing
	}
	if !validBusinessStatuses[t.BusinessStatus] {
		return fmt.Errorf("invalid business status: %s", t.BusinessStatus)
	}
	now := time.Now()
	t.AuthoredOn = now
	t.LastModified = now
	return s.tasks.Create(ctx, t)
}

func (s *Service) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	return s.tasks.GetByID(ctx, id)
}

func (s *Service) GetTaskByFHIRID(ctx context.Context, fhirID string) (*Task, error) {
	return s.tasks.GetByFHIRID(ctx, fhirID)
}

func (s *Service) GetTaskByClaimID(ctx context.Context, claimID string) (*Task, error) {
	return s.tasks.GetByClaimID(ctx, claimID)
}

// Transition moves a task through its lifecycle. Status is monotonic except
// that a retried job may re-enter in-progress; a terminal task is immutable.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, status, businessStatus string, note string) (*Task, error) {
	t, err := s.tasks.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.applyTransition(t, status, businessStatus, note); err != nil {
		return nil, err
	}
	if err := s.tasks.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Complete marks the task terminal with a reference to its output resource.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, status, businessStatus, outputType, outputID, note string) (*Task, error) {
	t, err := s.tasks.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.applyTransition(t, status, businessStatus, note); err != nil {
		return nil, err
	}
	if outputType != "" && outputID != "" {
		t.OutputType = &outputType
		t.OutputID = &outputID
	}
	if err := s.tasks.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) applyTransition(t *Task, status, businessStatus, note string) error {
	if !validStatuses[status] {
		return fmt.Errorf("invalid status: %s", status)
	}
	if businessStatus != "" && !validBusinessStatuses[businessStatus] {
		return fmt.Errorf("invalid business status: %s", businessStatus)
	}
	if t.Terminal() {
		return fmt.Errorf("task %s is terminal (%s) and cannot transition to %s", t.ID, t.Status, status)
	}
	if statusRank[status] < statusRank[t.Status] {
		return fmt.Errorf("illegal transition %s -> %s", t.Status, status)
	}
	t.Status = status
	if businessStatus != "" {
		t.BusinessStatus = businessStatus
	}
	if note != "" {
		appended := note
		if t.Note != nil && *t.Note != "" {
			appended = *t.Note + "\n" + note
		}
		t.Note = &appended
	}
	t.LastModified = time.Now()
	return nil
}

func (s *Service) ListTasksByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Task, int, error) {
	return s.tasks.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListTasksByStatus(ctx context.Context, status string, limit, offset int) ([]*Task, int, error) {
	if !validStatuses[status] {
		return nil, 0, fmt.Errorf("invalid status: %s", status)
	}
	return s.tasks.ListByStatus(ctx, status, limit, offset)
}
