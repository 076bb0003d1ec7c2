// Package pipeline orchestrates prior-authorization processing: it routes
// incoming requests to the synchronous path or the job queue, runs the
// asynchronous worker, and exposes the thin HTTP surface.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhir-iq/fpas/internal/domain/priorauth"
	"github.com/fhir-iq/fpas/internal/domain/task"
	"github.com/fhir-iq/fpas/internal/payer"
	"github.com/fhir-iq/fpas/internal/queue"
)

// JobKindDecide is the queue kind for asynchronous decisions.
const JobKindDecide = "prior-auth.decide"

// JobPayload is the persisted payload of a decide job. It carries only
// references; the worker re-reads the resources so a retry always sees
// current state.
type JobPayload struct {
	ClaimID         string    `json:"claim_id"`
	PatientID       string    `json:"patient_id"`
	CoverageID      string    `json:"coverage_id"`
	TaskID          uuid.UUID `json:"task_id"`
	PreferredVendor string    `json:"preferred_vendor,omitempty"`
	Fallbacks       []string  `json:"fallbacks,omitempty"`
	CorrelationID   string    `json:"correlation_id,omitempty"`
}

// ResourceStore is the subset of the resource-store client the pipeline
// depends on.
type ResourceStore interface {
	Create(ctx context.Context, resourceType string, body map[string]interface{}) (map[string]interface{}, error)
	Read(ctx context.Context, resourceType, id string) (map[string]interface{}, error)
	Update(ctx context.Context, resource map[string]interface{}) (map[string]interface{}, error)
	Search(ctx context.Context, resourceType string, params map[string]string) (map[string]interface{}, error)
}

// Submitter is the vendor-routing surface of the payer registry.
type Submitter interface {
	Submit(ctx context.Context, preferred string, fallbacks []string, req *payer.VendorRequest) (*payer.VendorResponse, error)
}

// JobQueue is the enqueue surface the orchestrator needs.
type JobQueue interface {
	Enqueue(ctx context.Context, kind string, payload interface{}, opts queue.EnqueueOptions) (*queue.Job, error)
}

// SyncPredicate decides whether a request is simple enough to process
// inline. It is injectable because the simple/complex cutoff is a
// deployment policy, not a clinical rule.
type SyncPredicate func(req *priorauth.Request, answers priorauth.ClinicalAnswers) bool

// SimpleRequestPredicate is the default: one service item, at most one
// diagnosis, and clinical evidence already attached.
func SimpleRequestPredicate(req *priorauth.Request, answers priorauth.ClinicalAnswers) bool {
	return len(req.Items) == 1 && len(req.DiagnosisCodes) <= 1 && answers.Len() > 0
}

// Submission is one inbound prior-authorization request plus its caller
// context and any supporting resources that arrived with it.
type Submission struct {
	Request  *priorauth.Request
	Coverage *priorauth.Coverage
	Answers  priorauth.ClinicalAnswers

	// Raw FHIR resources submitted alongside the claim, persisted so the
	// asynchronous worker can re-read them.
	Supporting []map[string]interface{}

	Caller          payer.RequestContext
	PreferredVendor string
	Fallbacks       []string
}

// Result is either a finished decision record or a task handle.
type Result struct {
	Completed bool
	Response  map[string]interface{}
	Task      *task.Task
	Job       *queue.Job
}

// Service is the front door of the pipeline.
type Service struct {
	store     ResourceStore
	vendors   Submitter
	generator *priorauth.Generator
	tasks     *task.Service
	jobs      JobQueue
	syncPred  SyncPredicate
	logger    zerolog.Logger
}

func NewService(store ResourceStore, vendors Submitter, generator *priorauth.Generator, tasks *task.Service, jobs JobQueue, logger zerolog.Logger) *Service {
	return &Service{
		store:     store,
		vendors:   vendors,
		generator: generator,
		tasks:     tasks,
		jobs:      jobs,
		syncPred:  SimpleRequestPredicate,
		logger:    logger.With().Str("component", "pipeline").Logger(),
	}
}

// WithSyncPredicate replaces the simple-request heuristic.
func (s *Service) WithSyncPredicate(pred SyncPredicate) *Service {
	if pred != nil {
		s.syncPred = pred
	}
	return s
}

// Submit validates, persists and routes one request. Validation failures
// surface before anything is stored or enqueued.
func (s *Service) Submit(ctx context.Context, sub *Submission) (*Result, error) {
	req := sub.Request
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if err := s.persist(ctx, sub); err != nil {
		return nil, fmt.Errorf("persist submission: %w", err)
	}

	if s.syncPred(req, sub.Answers) {
		return s.decideSync(ctx, sub)
	}
	return s.enqueue(ctx, sub)
}

func (s *Service) persist(ctx context.Context, sub *Submission) error {
	claim := sub.Request.ToFHIR()
	if _, err := s.store.Update(ctx, claim); err != nil {
		return err
	}
	for _, res := range sub.Supporting {
		if id, _ := res["id"].(string); id != "" {
			if _, err := s.store.Update(ctx, res); err != nil {
				return err
			}
			continue
		}
		rt, _ := res["resourceType"].(string)
		if rt == "" {
			continue
		}
		if _, err := s.store.Create(ctx, rt, res); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) decideSync(ctx context.Context, sub *Submission) (*Result, error) {
	// A resubmission of an already-decided claim returns the stored record
	// instead of adjudicating a second time.
	if record, err := findDecisionRecord(ctx, s.store, sub.Request.ID); err != nil {
		return nil, fmt.Errorf("idempotency check: %w", err)
	} else if record != nil {
		return &Result{Completed: true, Response: record}, nil
	}

	coverage, err := s.resolveCoverage(ctx, sub)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	resp, err := s.vendors.Submit(ctx, sub.PreferredVendor, sub.Fallbacks, &payer.VendorRequest{
		Request:  sub.Request,
		Answers:  sub.Answers,
		Coverage: coverage,
		Priority: sub.Request.Priority,
		Context:  s.callerContext(sub),
	})
	if err != nil {
		return nil, err
	}
	if resp.Decision == nil {
		return nil, fmt.Errorf("vendor %s returned %s response without a decision", resp.Vendor, resp.Status)
	}

	record, err := s.generator.Generate(sub.Request, resp.Decision, decisionContextFor(resp, time.Since(started)))
	if err != nil {
		return nil, err
	}
	stored, err := s.store.Create(ctx, "ClaimResponse", record)
	if err != nil {
		return nil, fmt.Errorf("store decision record: %w", err)
	}

	s.logger.Info().
		Str("claim_id", sub.Request.ID).
		Str("disposition", string(resp.Decision.Disposition)).
		Str("vendor", resp.Vendor).
		Msg("request decided synchronously")
	return &Result{Completed: true, Response: stored}, nil
}

func (s *Service) enqueue(ctx context.Context, sub *Submission) (*Result, error) {
	t := &task.Task{
		FocusClaimID:  sub.Request.ID,
		ForPatientID:  sub.Request.PatientID,
		CorrelationID: sub.Caller.CorrelationID,
	}
	if sub.Request.Priority != "" {
		p := string(sub.Request.Priority)
		t.Priority = &p
	}
	if err := s.tasks.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create tracking task: %w", err)
	}

	job, err := s.jobs.Enqueue(ctx, JobKindDecide, JobPayload{
		ClaimID:         sub.Request.ID,
		PatientID:       sub.Request.PatientID,
		CoverageID:      sub.Request.CoverageID,
		TaskID:          t.ID,
		PreferredVendor: sub.PreferredVendor,
		Fallbacks:       sub.Fallbacks,
		CorrelationID:   sub.Caller.CorrelationID,
	}, queue.EnqueueOptions{
		Priority:      jobPriority(sub.Request),
		CorrelationID: sub.Caller.CorrelationID,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue decide job: %w", err)
	}

	s.logger.Info().
		Str("claim_id", sub.Request.ID).
		Str("task_id", t.ID.String()).
		Str("job_id", job.ID.String()).
		Int("priority", job.Priority).
		Msg("request queued for asynchronous decision")
	return &Result{Task: t, Job: job}, nil
}

// resolveCoverage returns the submission's inline coverage, falling back to
// the Coverage the claim references. The engine reads a nil coverage as
// inactive, so it must never see one for a claim whose Coverage is stored.
func (s *Service) resolveCoverage(ctx context.Context, sub *Submission) (*priorauth.Coverage, error) {
	if sub.Coverage != nil {
		return sub.Coverage, nil
	}
	resource, err := s.store.Read(ctx, "Coverage", sub.Request.CoverageID)
	if err != nil {
		return nil, fmt.Errorf("read coverage %s: %w", sub.Request.CoverageID, err)
	}
	coverage, err := priorauth.CoverageFromFHIR(resource)
	if err != nil {
		return nil, fmt.Errorf("coverage %s: %w", sub.Request.CoverageID, err)
	}
	return coverage, nil
}

func (s *Service) callerContext(sub *Submission) payer.RequestContext {
	rctx := sub.Caller
	if rctx.PatientID == "" {
		rctx.PatientID = sub.Request.PatientID
	}
	if rctx.ProviderID == "" {
		rctx.ProviderID = sub.Request.ProviderID
	}
	if rctx.PayerID == "" {
		rctx.PayerID = sub.Request.InsurerID
	}
	return rctx
}

// emergencyProcedureCodes are service codes whose presence raises the job
// priority one level regardless of the declared request priority.
var emergencyProcedureCodes = map[string]bool{
	"99281": true, "99282": true, "99283": true, "99284": true, "99285": true,
}

func jobPriority(req *priorauth.Request) int {
	p := queue.PriorityNormal
	switch req.Priority {
	case priorauth.PriorityStat:
		p = queue.PriorityUrgent
	case priorauth.PriorityUrgent:
		p = queue.PriorityHigh
	}
	for _, item := range req.Items {
		if emergencyProcedureCodes[item.Code] && p > queue.PriorityUrgent {
			p--
			break
		}
	}
	return p
}

func decisionContextFor(resp *payer.VendorResponse, elapsed time.Duration) *priorauth.DecisionContext {
	engine := "vendor-adapter"
	if resp.Vendor == payer.LocalAdapterName {
		engine = priorauth.EngineName
	}
	confidence := 0.5
	if resp.Status == payer.StatusFinal {
		confidence = 1.0
	}
	return &priorauth.DecisionContext{
		Engine:         engine,
		Vendor:         resp.Vendor,
		ProcessingTime: elapsed,
		Confidence:     confidence,
	}
}
