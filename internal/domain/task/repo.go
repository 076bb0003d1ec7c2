package task

import (
	"context"

	"github.com/google/uuid"
)

type TaskRepository interface {
	Create(ctx context.Context, t *Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*Task, error)
	GetByFHIRID(ctx context.Context, fhirID string) (*Task, error)
	GetByClaimID(ctx context.Context, claimID string) (*Task, error)
	Update(ctx context.Context, t *Task) error
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Task, int, error)
	ListByStatus(ctx context.Context, status string, limit, offset int) ([]*Task, int, error)
}
