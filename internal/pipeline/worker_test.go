package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fhir-iq/fpas/internal/domain/priorauth"
	"github.com/fhir-iq/fpas/internal/domain/task"
	"github.com/fhir-iq/fpas/internal/queue"
)

func noProgress(context.Context, float64) {}

type workerFixture struct {
	worker   *Worker
	store    *fakeStore
	vendors  *fakeSubmitter
	taskRepo *memTaskRepo
	tasks    *task.Service
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	f := &workerFixture{
		store:    newFakeStore(),
		vendors:  &fakeSubmitter{decision: approvedDecision()},
		taskRepo: newMemTaskRepo(),
	}
	f.tasks = task.NewService(f.taskRepo)
	f.worker = NewWorker(f.store, f.vendors, priorauth.NewGenerator(), f.tasks, zerolog.Nop())
	return f
}

// seed stores the claim, coverage and questionnaire response the decide
// job reads, creates the tracking task and returns the job.
func (f *workerFixture) seed(t *testing.T) *queue.Job {
	t.Helper()
	ctx := context.Background()
	req := simpleRequest()

	if _, err := f.store.Update(ctx, req.ToFHIR()); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Update(ctx, map[string]interface{}{
		"resourceType": "Coverage",
		"id":           "coverage-1",
		"status":       "active",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Update(ctx, map[string]interface{}{
		"resourceType": "QuestionnaireResponse",
		"id":           "qr-1",
		"status":       "completed",
		"item": []interface{}{
			map[string]interface{}{
				"linkId": priorauth.AnswerTriedConservativeTherapy,
				"answer": []interface{}{map[string]interface{}{"valueBoolean": true}},
			},
			map[string]interface{}{
				"linkId": priorauth.AnswerHasNeurologicDeficit,
				"answer": []interface{}{map[string]interface{}{"valueBoolean": true}},
			},
		},
	}); err != nil {
		t.Fatal(err)
	}

	tk := &task.Task{FocusClaimID: req.ID, ForPatientID: req.PatientID}
	if err := f.tasks.CreateTask(ctx, tk); err != nil {
		t.Fatal(err)
	}

	payload := JobPayload{
		ClaimID:       req.ID,
		PatientID:     req.PatientID,
		CoverageID:    req.CoverageID,
		TaskID:        tk.ID,
		CorrelationID: "corr-1",
	}
	return &queue.Job{Kind: JobKindDecide, Payload: mustJSON(payload), MaxAttempts: 3}
}

func (f *workerFixture) taskFor(t *testing.T, claimID string) *task.Task {
	t.Helper()
	tk, err := f.tasks.GetTaskByClaimID(context.Background(), claimID)
	if err != nil {
		t.Fatalf("task for %s: %v", claimID, err)
	}
	return tk
}

func TestWorker_DecidesAndCompletesTask(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.seed(t)

	if err := f.worker.Execute(context.Background(), job, noProgress); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if got := f.store.countByType("ClaimResponse"); got != 1 {
		t.Fatalf("expected one decision record, got %d", got)
	}
	tk := f.taskFor(t, "claim-1")
	if tk.Status != task.StatusCompleted {
		t.Errorf("expected completed task, got %q", tk.Status)
	}
	if tk.BusinessStatus != task.BusinessApproved {
		t.Errorf("expected approved business status, got %q", tk.BusinessStatus)
	}
	if tk.OutputType == nil || *tk.OutputType != "ClaimResponse" || tk.OutputID == nil || *tk.OutputID == "" {
		t.Errorf("expected decision record reference on task output, got %v/%v", tk.OutputType, tk.OutputID)
	}
}

func TestWorker_RerunIsIdempotent(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.seed(t)
	ctx := context.Background()

	if err := f.worker.Execute(ctx, job, noProgress); err != nil {
		t.Fatal(err)
	}
	// Simulate a retry after an unacknowledged success.
	if err := f.worker.Execute(ctx, job, noProgress); err != nil {
		t.Fatalf("re-run must succeed without deciding again: %v", err)
	}

	if got := f.store.countByType("ClaimResponse"); got != 1 {
		t.Fatalf("re-run must not create a second decision record, got %d", got)
	}
	if f.vendors.calls != 1 {
		t.Errorf("re-run must not resubmit to vendors, got %d calls", f.vendors.calls)
	}
}

func TestWorker_MissingClaimIsFatal(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.seed(t)
	f.store.mu.Lock()
	delete(f.store.resources, "Claim/claim-1")
	f.store.mu.Unlock()

	err := f.worker.Execute(context.Background(), job, noProgress)
	if err == nil {
		t.Fatal("expected error for missing claim")
	}
	if !queue.IsFatal(err) {
		t.Errorf("missing claim must be fatal, got %v", err)
	}
}

func TestWorker_MissingCoverageIsRetryable(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.seed(t)
	f.store.mu.Lock()
	delete(f.store.resources, "Coverage/coverage-1")
	f.store.mu.Unlock()

	err := f.worker.Execute(context.Background(), job, noProgress)
	if err == nil {
		t.Fatal("expected error for missing coverage")
	}
	if queue.IsFatal(err) {
		t.Errorf("missing coverage must stay retryable, got %v", err)
	}
}

func TestWorker_MissingEvidencePends(t *testing.T) {
	f := newWorkerFixture(t)
	f.vendors.decision = &priorauth.Decision{
		Disposition:    priorauth.DispositionPended,
		ReasonCode:     priorauth.ReasonIncompleteClinicalData,
		ReviewRequired: true,
		DecidedAt:      testTime(),
	}
	job := f.seed(t)
	f.store.mu.Lock()
	delete(f.store.resources, "QuestionnaireResponse/qr-1")
	f.store.mu.Unlock()

	if err := f.worker.Execute(context.Background(), job, noProgress); err != nil {
		t.Fatalf("missing evidence must not fail the job: %v", err)
	}
	tk := f.taskFor(t, "claim-1")
	if tk.BusinessStatus != task.BusinessPended {
		t.Errorf("expected pended business status, got %q", tk.BusinessStatus)
	}
}

func TestWorker_VendorErrorIsRetryable(t *testing.T) {
	f := newWorkerFixture(t)
	f.vendors.err = errors.New("upstream unavailable")
	job := f.seed(t)

	err := f.worker.Execute(context.Background(), job, noProgress)
	if err == nil {
		t.Fatal("expected vendor error to propagate")
	}
	if queue.IsFatal(err) {
		t.Errorf("vendor errors must stay retryable, got %v", err)
	}
	if got := f.store.countByType("ClaimResponse"); got != 0 {
		t.Errorf("failed attempt must not store a decision record, got %d", got)
	}
}

func TestWorker_RetryableFailureLeavesNoteOnTask(t *testing.T) {
	f := newWorkerFixture(t)
	f.vendors.err = errors.New("upstream unavailable")
	job := f.seed(t)
	job.Attempts = 1

	if err := f.worker.Execute(context.Background(), job, noProgress); err == nil {
		t.Fatal("expected vendor error to propagate")
	}

	tk := f.taskFor(t, "claim-1")
	if tk.Status != task.StatusInProgress {
		t.Errorf("task must stay in-progress between attempts, got %q", tk.Status)
	}
	if tk.Note == nil || !strings.Contains(*tk.Note, "upstream unavailable") {
		t.Errorf("expected the attempt's error noted on the task, got %v", tk.Note)
	}
}

func TestWorker_FinalFailureRecordsDiagnostic(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.seed(t)
	job.Attempts = 3

	f.worker.OnFinalFailure(context.Background(), job, errors.New("storage unreachable"))

	if got := f.store.countByType("OperationOutcome"); got != 1 {
		t.Fatalf("expected one diagnostic record, got %d", got)
	}
	tk := f.taskFor(t, "claim-1")
	if tk.Status != task.StatusFailed {
		t.Errorf("expected failed task, got %q", tk.Status)
	}
	if tk.BusinessStatus != task.BusinessError {
		t.Errorf("expected error business status, got %q", tk.BusinessStatus)
	}
	if tk.OutputType == nil || *tk.OutputType != "OperationOutcome" {
		t.Errorf("expected diagnostic reference on task output, got %v", tk.OutputType)
	}
	if tk.Note == nil || *tk.Note == "" {
		t.Error("expected failure note on task")
	}
}
