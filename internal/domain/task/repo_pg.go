package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type taskRepoPG struct{ pool *pgxpool.Pool }

func NewTaskRepoPG(pool *pgxpool.Pool) TaskRepository {
	return &taskRepoPG{pool: pool}
}

const taskCols = `id, fhir_id, status, business_status, priority, description,
	focus_claim_id, for_patient_id, requester_id, owner_id, correlation_id,
	output_type, output_id, note, authored_on, last_modified, created_at, updated_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.FHIRID, &t.Status, &t.BusinessStatus, &t.Priority, &t.Description,
		&t.FocusClaimID, &t.ForPatientID, &t.RequesterID, &t.OwnerID, &t.CorrelationID,
		&t.OutputType, &t.OutputID, &t.Note, &t.AuthoredOn, &t.LastModified, &t.CreatedAt, &t.UpdatedAt)
	return &t, err
}

func (r *taskRepoPG) Create(ctx context.Context, t *Task) error {
	t.ID = uuid.New()
	if t.FHIRID == "" {
		t.FHIRID = t.ID.String()
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := r.pool.Exec(ctx, `
		INSERT INTO tasks (id, fhir_id, status, business_status, priority, description,
			focus_claim_id, for_patient_id, requester_id, owner_id, correlation_id,
			output_type, output_id, note, authored_on, last_modified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		t.ID, t.FHIRID, t.Status, t.BusinessStatus, t.Priority, t.Description,
		t.FocusClaimID, t.ForPatientID, t.RequesterID, t.OwnerID, t.CorrelationID,
		t.OutputType, t.OutputID, t.Note, t.AuthoredOn, t.LastModified, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (r *taskRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Task, error) {
	t, err := scanTask(r.pool.QueryRow(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (r *taskRepoPG) GetByFHIRID(ctx context.Context, fhirID string) (*Task, error) {
	t, err := scanTask(r.pool.QueryRow(ctx, `SELECT `+taskCols+` FROM tasks WHERE fhir_id = $1`, fhirID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s not found", fhirID)
	}
	if err != nil {
		return nil, fmt.Errorf("get task by fhir id: %w", err)
	}
	return t, nil
}

func (r *taskRepoPG) GetByClaimID(ctx context.Context, claimID string) (*Task, error) {
	t, err := scanTask(r.pool.QueryRow(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE focus_claim_id = $1 ORDER BY created_at DESC LIMIT 1`, claimID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task for claim %s not found", claimID)
	}
	if err != nil {
		return nil, fmt.Errorf("get task by claim: %w", err)
	}
	return t, nil
}

func (r *taskRepoPG) Update(ctx context.Context, t *Task) error {
	t.UpdatedAt = time.Now()
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, business_status = $3, priority = $4, description = $5,
			output_type = $6, output_id = $7, note = $8, last_modified = $9, updated_at = $10
		WHERE id = $1`,
		t.ID, t.Status, t.BusinessStatus, t.Priority, t.Description,
		t.OutputType, t.OutputID, t.Note, t.LastModified, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s not found", t.ID)
	}
	return nil
}

func (r *taskRepoPG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Task, int, error) {
	return r.list(ctx, `for_patient_id = $1`, patientID, limit, offset)
}

func (r *taskRepoPG) ListByStatus(ctx context.Context, status string, limit, offset int) ([]*Task, int, error) {
	return r.list(ctx, `status = $1`, status, limit, offset)
}

func (r *taskRepoPG) list(ctx context.Context, where string, arg interface{}, limit, offset int) ([]*Task, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM tasks WHERE `+where, arg).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE `+where+` ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		arg, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}
