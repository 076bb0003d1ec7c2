package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhir-iq/fpas/internal/domain/priorauth"
	"github.com/fhir-iq/fpas/internal/domain/task"
	"github.com/fhir-iq/fpas/internal/payer"
	"github.com/fhir-iq/fpas/internal/platform/fhir"
	"github.com/fhir-iq/fpas/internal/platform/fhirclient"
	"github.com/fhir-iq/fpas/internal/queue"
)

// Worker executes decide jobs. It re-reads every resource from the store
// on each attempt, decides through the vendor registry, stores the
// decision record and closes the tracking task.
type Worker struct {
	store     ResourceStore
	vendors   Submitter
	generator *priorauth.Generator
	tasks     *task.Service
	logger    zerolog.Logger
}

func NewWorker(store ResourceStore, vendors Submitter, generator *priorauth.Generator, tasks *task.Service, logger zerolog.Logger) *Worker {
	return &Worker{
		store:     store,
		vendors:   vendors,
		generator: generator,
		tasks:     tasks,
		logger:    logger.With().Str("component", "decide-worker").Logger(),
	}
}

func (w *Worker) Kind() string { return JobKindDecide }

func (w *Worker) Execute(ctx context.Context, job *queue.Job, report queue.ProgressFunc) error {
	started := time.Now()
	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Fatal(fmt.Errorf("malformed job payload: %w", err))
	}
	log := w.logger.With().
		Str("job_id", job.ID.String()).
		Str("claim_id", payload.ClaimID).
		Str("correlation_id", payload.CorrelationID).
		Logger()

	if _, err := w.tasks.Transition(ctx, payload.TaskID, task.StatusInProgress, task.BusinessProcessing, ""); err != nil {
		log.Warn().Err(err).Msg("could not move tracking task to in-progress")
	}
	report(ctx, 0.1)

	err := w.decide(ctx, payload, report, started, log)
	// A retryable failure leaves the task in-progress; the attempt's error
	// is kept as a task note so the caller can see what went wrong so far.
	if err != nil && !queue.IsFatal(err) && job.Attempts < job.MaxAttempts {
		w.noteAttemptFailure(ctx, payload.TaskID, job.Attempts, err, log)
	}
	return err
}

func (w *Worker) decide(ctx context.Context, payload JobPayload, report queue.ProgressFunc, started time.Time, log zerolog.Logger) error {
	// A retry after an unacknowledged success must not decide twice.
	if existing, err := w.existingResponse(ctx, payload.ClaimID); err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	} else if existing != "" {
		log.Info().Str("claim_response_id", existing).Msg("decision record already exists, completing task")
		return w.completeTask(ctx, payload.TaskID, existing, nil)
	}

	req, err := w.loadRequest(ctx, payload.ClaimID)
	if err != nil {
		return err
	}
	coverage, err := w.loadCoverage(ctx, coalesce(payload.CoverageID, req.CoverageID))
	if err != nil {
		return err
	}
	answers := w.loadAnswers(ctx, req, log)
	report(ctx, 0.4)

	resp, err := w.vendors.Submit(ctx, payload.PreferredVendor, payload.Fallbacks, &payer.VendorRequest{
		Request:  req,
		Answers:  answers,
		Coverage: coverage,
		Priority: req.Priority,
		Context: payer.RequestContext{
			ProviderID:    req.ProviderID,
			PayerID:       req.InsurerID,
			PatientID:     req.PatientID,
			CorrelationID: payload.CorrelationID,
		},
	})
	if err != nil {
		return fmt.Errorf("vendor submission: %w", err)
	}
	if resp.Status == payer.StatusPending || resp.Decision == nil {
		return fmt.Errorf("vendor %s left the request pending", resp.Vendor)
	}
	report(ctx, 0.7)

	record, err := w.generator.Generate(req, resp.Decision, decisionContextFor(resp, time.Since(started)))
	if err != nil {
		return fmt.Errorf("generate decision record: %w", err)
	}
	stored, err := w.store.Create(ctx, "ClaimResponse", record)
	if err != nil {
		return fmt.Errorf("store decision record: %w", err)
	}
	storedID, _ := stored["id"].(string)

	log.Info().
		Str("disposition", string(resp.Decision.Disposition)).
		Str("vendor", resp.Vendor).
		Str("claim_response_id", storedID).
		Msg("request decided")
	report(ctx, 1)
	return w.completeTask(ctx, payload.TaskID, storedID, resp.Decision)
}

// OnFinalFailure records a diagnostic OperationOutcome and fails the
// tracking task. Invoked exactly once, after the last attempt.
func (w *Worker) OnFinalFailure(ctx context.Context, job *queue.Job, jobErr error) {
	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("cannot record failure for malformed payload")
		return
	}
	log := w.logger.With().
		Str("job_id", job.ID.String()).
		Str("claim_id", payload.ClaimID).
		Logger()

	outcome := w.generator.GenerateFailureRecord([]fhir.OperationOutcomeIssue{{
		Severity:    "error",
		Code:        "processing",
		Diagnostics: fmt.Sprintf("prior authorization for Claim/%s failed after %d attempts: %v", payload.ClaimID, job.Attempts, jobErr),
	}})
	outcomeID := ""
	if stored, err := w.store.Create(ctx, "OperationOutcome", outcome); err != nil {
		log.Error().Err(err).Msg("could not store diagnostic record")
	} else {
		outcomeID, _ = stored["id"].(string)
	}

	note := fmt.Sprintf("processing failed: %v", jobErr)
	if _, err := w.tasks.Complete(ctx, payload.TaskID, task.StatusFailed, task.BusinessError, "OperationOutcome", outcomeID, note); err != nil {
		log.Error().Err(err).Msg("could not fail tracking task")
	}
}

// existingResponse returns the id of a stored ClaimResponse for the
// claim, or empty when none exists yet.
func (w *Worker) existingResponse(ctx context.Context, claimID string) (string, error) {
	record, err := findDecisionRecord(ctx, w.store, claimID)
	if err != nil || record == nil {
		return "", err
	}
	id, _ := record["id"].(string)
	return id, nil
}

// findDecisionRecord returns the stored ClaimResponse for the claim, or nil
// when the claim has not been decided yet. Both the worker and the
// synchronous path consult it before adjudicating.
func findDecisionRecord(ctx context.Context, store ResourceStore, claimID string) (map[string]interface{}, error) {
	bundle, err := store.Search(ctx, "ClaimResponse", map[string]string{
		"request": fhir.FormatReference("Claim", claimID),
	})
	if err != nil {
		return nil, err
	}
	for _, entry := range fhirclient.BundleEntries(bundle) {
		if id, _ := entry["id"].(string); id != "" {
			return entry, nil
		}
	}
	return nil, nil
}

func (w *Worker) noteAttemptFailure(ctx context.Context, taskID uuid.UUID, attempt int, err error, log zerolog.Logger) {
	note := fmt.Sprintf("attempt %d failed: %v", attempt, err)
	if _, terr := w.tasks.Transition(ctx, taskID, task.StatusInProgress, "", note); terr != nil {
		log.Warn().Err(terr).Msg("could not record attempt failure on tracking task")
	}
}

// loadRequest fetches the Claim. A missing Claim can never succeed, so it
// is fatal; so is a Claim that fails validation.
func (w *Worker) loadRequest(ctx context.Context, claimID string) (*priorauth.Request, error) {
	resource, err := w.store.Read(ctx, "Claim", claimID)
	if err != nil {
		if errors.Is(err, fhirclient.ErrNotFound) {
			return nil, queue.Fatal(fmt.Errorf("claim %s: %w", claimID, err))
		}
		return nil, fmt.Errorf("read claim %s: %w", claimID, err)
	}
	req, err := priorauth.RequestFromFHIR(resource)
	if err != nil {
		return nil, queue.Fatal(fmt.Errorf("claim %s: %w", claimID, err))
	}
	if err := req.Validate(); err != nil {
		return nil, queue.Fatal(err)
	}
	return req, nil
}

// loadCoverage fetches the Coverage. Unlike the Claim, a missing Coverage
// is retryable: it may simply not have replicated yet.
func (w *Worker) loadCoverage(ctx context.Context, coverageID string) (*priorauth.Coverage, error) {
	resource, err := w.store.Read(ctx, "Coverage", coverageID)
	if err != nil {
		return nil, fmt.Errorf("read coverage %s: %w", coverageID, err)
	}
	coverage, err := priorauth.CoverageFromFHIR(resource)
	if err != nil {
		return nil, fmt.Errorf("coverage %s: %w", coverageID, err)
	}
	return coverage, nil
}

// loadAnswers collects clinical answers from every QuestionnaireResponse
// the claim references. Missing evidence is not an error: the engine
// pends the request for manual review instead.
func (w *Worker) loadAnswers(ctx context.Context, req *priorauth.Request, log zerolog.Logger) priorauth.ClinicalAnswers {
	merged := make(map[string]interface{})
	for _, ref := range req.SupportingInfo {
		rt, id := fhir.ParseReference(ref)
		if rt != "QuestionnaireResponse" || id == "" {
			continue
		}
		resource, err := w.store.Read(ctx, rt, id)
		if err != nil {
			log.Warn().Err(err).Str("reference", ref).Msg("supporting evidence unavailable")
			continue
		}
		answers, err := priorauth.AnswersFromQuestionnaireResponse(resource)
		if err != nil {
			log.Warn().Err(err).Str("reference", ref).Msg("supporting evidence unreadable")
			continue
		}
		for k, v := range answers.Map() {
			if _, exists := merged[k]; !exists {
				merged[k] = v
			}
		}
	}
	return priorauth.NewClinicalAnswers(merged)
}

func (w *Worker) completeTask(ctx context.Context, taskID uuid.UUID, responseID string, decision *priorauth.Decision) error {
	// A re-run after an unacknowledged success finds the task already
	// closed; that is not a failure.
	if t, err := w.tasks.GetTask(ctx, taskID); err == nil && t.Terminal() {
		return nil
	}
	business := ""
	note := "decision record already recorded"
	if decision != nil {
		note = fmt.Sprintf("decision: %s", decision.Disposition)
		switch decision.Disposition {
		case priorauth.DispositionApproved:
			business = task.BusinessApproved
		case priorauth.DispositionDenied:
			business = task.BusinessDenied
		case priorauth.DispositionPended:
			business = task.BusinessPended
		}
	}
	if _, err := w.tasks.Complete(ctx, taskID, task.StatusCompleted, business, "ClaimResponse", responseID, note); err != nil {
		return fmt.Errorf("complete tracking task: %w", err)
	}
	return nil
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
