package priorauth

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fhir-iq/fpas/internal/platform/fhir"
)

// Extension and identifier URLs carried on generated ClaimResponses.
const (
	SystemTracking           = "https://fhir-iq.github.io/fpas/tracking-id"
	SystemAuthorization      = "https://fhir-iq.github.io/fpas/authorization-number"
	ExtAuthorizationNumber   = "https://fhir-iq.github.io/fpas/StructureDefinition/authorization-number"
	ExtAuthorizationPeriod   = "https://fhir-iq.github.io/fpas/StructureDefinition/authorization-period"
	ExtDecisionContext       = "https://fhir-iq.github.io/fpas/StructureDefinition/decision-context"
	ExtReviewRequired        = "https://fhir-iq.github.io/fpas/StructureDefinition/review-required"
	systemAdjudication       = "http://terminology.hl7.org/CodeSystem/adjudication"
	systemAdjudicationReason = "https://fhir-iq.github.io/fpas/CodeSystem/adjudication-decision"
	systemDenialReason       = "https://fhir-iq.github.io/fpas/CodeSystem/denial-reason"
)

// Generator deterministically renders a decision as the canonical FHIR
// ClaimResponse. Pure and safe for concurrent use.
type Generator struct {
	clock func() time.Time
	newID func() string
}

func NewGenerator() *Generator {
	return &Generator{
		clock: time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// WithClock overrides the generator's time source. Used by tests.
func (g *Generator) WithClock(clock func() time.Time) *Generator {
	g.clock = clock
	return g
}

// Generate builds the ClaimResponse for a decided request. The result is
// stripped of empty fields so it never carries null placeholders or empty
// arrays.
func (g *Generator) Generate(req *Request, decision *Decision, dc *DecisionContext) (map[string]interface{}, error) {
	if req == nil || decision == nil {
		return nil, fmt.Errorf("request and decision are required")
	}
	if err := decision.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("refusing to render inconsistent decision: %w", err)
	}

	outcome, disposition := outcomeFor(decision.Disposition)

	identifiers := []fhir.Identifier{
		{System: SystemTracking, Value: g.newID()},
	}
	if decision.AuthorizationID != "" {
		identifiers = append(identifiers, fhir.Identifier{System: SystemAuthorization, Value: decision.AuthorizationID})
	}

	result := map[string]interface{}{
		"resourceType": "ClaimResponse",
		"id":           uuid.NewString(),
		"status":       "active",
		"type":         fhir.Concept("http://terminology.hl7.org/CodeSystem/claim-type", "professional", "Professional"),
		"use":          "preauthorization",
		"patient":      fhir.Reference{Reference: fhir.FormatReference("Patient", req.PatientID)},
		"created":      g.clock().Format(time.RFC3339),
		"request":      fhir.Reference{Reference: fhir.FormatReference("Claim", req.ID)},
		"outcome":      outcome,
		"disposition":  disposition,
		"identifier":   identifiers,
	}
	if req.InsurerID != "" {
		result["insurer"] = fhir.Reference{Reference: fhir.FormatReference("Organization", req.InsurerID)}
	}
	if decision.AuthorizationID != "" {
		result["preAuthRef"] = decision.AuthorizationID
		result["preAuthPeriod"] = fhir.Period{Start: decision.ValidFrom, End: decision.ValidTo}
	}

	items := make([]map[string]interface{}, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, g.itemAdjudication(item, decision))
	}
	result["item"] = items

	totals := []map[string]interface{}{{
		"category": fhir.Concept(systemAdjudication, "submitted", "Submitted Amount"),
		"amount":   req.SubmittedTotal(),
	}}
	if decision.Disposition == DispositionApproved && decision.ApprovedAmount != nil {
		totals = append(totals, map[string]interface{}{
			"category": fhir.Concept(systemAdjudication, "benefit", "Benefit Amount"),
			"amount":   *decision.ApprovedAmount,
		})
	}
	result["total"] = totals

	if decision.Disposition == DispositionDenied {
		result["error"] = []map[string]interface{}{{
			"code": fhir.Concept(systemDenialReason, decision.ReasonCode, decision.ReasonDisplay),
		}}
	}

	if decision.MissingInfo != "" {
		result["processNote"] = []map[string]interface{}{{
			"number": 1,
			"type":   "display",
			"text":   decision.MissingInfo,
		}}
	}

	result["extension"] = g.extensions(decision, dc)

	return fhir.StripEmpty(result), nil
}

func (g *Generator) itemAdjudication(item Item, decision *Decision) map[string]interface{} {
	adjudications := []map[string]interface{}{
		{
			"category": fhir.Concept(systemAdjudication, "eligible", "Eligible Amount"),
			"amount":   item.Net(),
		},
		{
			"category": fhir.Concept(systemAdjudicationReason, decisionCategory(decision.Disposition), ""),
			"reason":   decisionReason(decision),
		},
	}
	entry := map[string]interface{}{
		"itemSequence": item.Sequence,
		"adjudication": adjudications,
	}

	if decision.Disposition == DispositionApproved {
		adjudications = append(adjudications, map[string]interface{}{
			"category": fhir.Concept(systemAdjudication, "benefit", "Benefit Amount"),
			"amount":   item.Net(),
		})
		entry["adjudication"] = adjudications
		entry["extension"] = []fhir.Extension{
			{URL: ExtAuthorizationNumber, ValueString: decision.AuthorizationID},
			{URL: ExtAuthorizationPeriod, ValuePeriod: &fhir.Period{Start: decision.ValidFrom, End: decision.ValidTo}},
		}
	}
	return entry
}

func (g *Generator) extensions(decision *Decision, dc *DecisionContext) []fhir.Extension {
	var exts []fhir.Extension
	if dc != nil {
		processingMS := int(dc.ProcessingTime.Milliseconds())
		confidence := dc.Confidence
		nested := []fhir.Extension{
			{URL: "engine", ValueString: dc.Engine},
			{URL: "processingTimeMillis", ValueInteger: &processingMS},
			{URL: "confidence", ValueDecimal: &confidence},
		}
		if dc.Vendor != "" {
			nested = append(nested, fhir.Extension{URL: "vendor", ValueString: dc.Vendor})
		}
		for _, rule := range dc.RulesApplied {
			nested = append(nested, fhir.Extension{URL: "ruleApplied", ValueString: rule})
		}
		exts = append(exts, fhir.Extension{URL: ExtDecisionContext, Extension: nested})
	}
	if decision.ReviewRequired {
		yes := true
		exts = append(exts, fhir.Extension{URL: ExtReviewRequired, ValueBoolean: &yes})
	}
	return exts
}

// GenerateFailureRecord builds the diagnostic OperationOutcome attached to a
// Task when processing fails terminally.
func (g *Generator) GenerateFailureRecord(issues []fhir.OperationOutcomeIssue) map[string]interface{} {
	if len(issues) == 0 {
		issues = []fhir.OperationOutcomeIssue{{
			Severity:    "error",
			Code:        "processing",
			Diagnostics: "prior authorization processing failed",
		}}
	}
	outcome := map[string]interface{}{
		"resourceType": "OperationOutcome",
		"id":           uuid.NewString(),
		"issue":        issues,
	}
	return fhir.StripEmpty(outcome)
}

func outcomeFor(d Disposition) (outcome, disposition string) {
	switch d {
	case DispositionApproved:
		return "complete", "Prior authorization approved"
	case DispositionPended:
		return "partial", "Prior authorization pended for review"
	default:
		return "error", "Prior authorization denied"
	}
}

func decisionCategory(d Disposition) string {
	switch d {
	case DispositionApproved:
		return "approved"
	case DispositionDenied:
		return "denied"
	default:
		return "pending"
	}
}

func decisionReason(decision *Decision) fhir.CodeableConcept {
	if decision.ReasonCode == "" {
		return fhir.CodeableConcept{}
	}
	return fhir.Concept(systemDenialReason, decision.ReasonCode, decision.ReasonDisplay)
}
