// Package priorauth implements the prior-authorization core: request
// validation, the clinical decision engine, the ClaimResponse generator,
// and the FHIR mappings between them. Orchestration lives in the pipeline
// package so vendor adapters can depend on these types without a cycle.
package priorauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/fhir-iq/fpas/internal/platform/fhir"
)

// ErrValidation marks a malformed or incomplete request. Validation failures
// are rejected before any decision attempt and are never retried.
var ErrValidation = errors.New("invalid prior authorization request")

// Priority is the caller-declared urgency of a request.
type Priority string

const (
	PriorityRoutine Priority = "routine"
	PriorityUrgent  Priority = "urgent"
	PriorityStat    Priority = "stat"
)

// Disposition is the three-way outcome of a decision.
type Disposition string

const (
	DispositionApproved Disposition = "approved"
	DispositionDenied   Disposition = "denied"
	DispositionPended   Disposition = "pended"
)

// Coded decision reasons.
const (
	ReasonCoverageInactive            = "coverage-inactive"
	ReasonConservativeTherapyRequired = "conservative-therapy-required"
	ReasonAdditionalDocumentation     = "additional-documentation-required"
	ReasonIncompleteClinicalData      = "incomplete-clinical-data"
)

// Well-known clinical answer keys.
const (
	AnswerTriedConservativeTherapy = "triedConservativeTherapy"
	AnswerHasNeurologicDeficit     = "hasNeurologicDeficit"
	AnswerSymptomDurationWeeks     = "symptomDurationWeeks"
)

// Item is one requested service line.
type Item struct {
	Sequence  int        `json:"sequence"`
	Code      string     `json:"code"`
	System    string     `json:"system,omitempty"`
	Display   string     `json:"display,omitempty"`
	Quantity  int        `json:"quantity"`
	UnitPrice fhir.Money `json:"unit_price"`
}

// Net is the priced amount of the line (unit price times quantity).
func (i Item) Net() fhir.Money {
	qty := i.Quantity
	if qty == 0 {
		qty = 1
	}
	return fhir.Money{Value: i.UnitPrice.Value * float64(qty), Currency: i.UnitPrice.Currency}
}

// Request is an immutable prior-authorization submission. The pipeline never
// mutates it after validation.
type Request struct {
	ID             string    `json:"id"`
	PatientID      string    `json:"patient_id"`
	ProviderID     string    `json:"provider_id"`
	InsurerID      string    `json:"insurer_id,omitempty"`
	CoverageID     string    `json:"coverage_id"`
	Priority       Priority  `json:"priority"`
	Items          []Item    `json:"items"`
	DiagnosisCodes []string  `json:"diagnosis_codes,omitempty"`
	SupportingInfo []string  `json:"supporting_info,omitempty"` // references, e.g. QuestionnaireResponse/xyz
	Created        time.Time `json:"created"`
}

// SubmittedTotal sums the priced amounts of all requested items.
func (r *Request) SubmittedTotal() fhir.Money {
	total := fhir.Money{Currency: "USD"}
	for _, item := range r.Items {
		net := item.Net()
		total.Value += net.Value
		if net.Currency != "" {
			total.Currency = net.Currency
		}
	}
	return total
}

// Validate rejects structurally incomplete requests. These are raised before
// rule evaluation and before any job is enqueued.
func (r *Request) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: request is nil", ErrValidation)
	}
	if r.ID == "" {
		return fmt.Errorf("%w: request id is required", ErrValidation)
	}
	if r.PatientID == "" {
		return fmt.Errorf("%w: patient reference is required", ErrValidation)
	}
	if r.CoverageID == "" {
		return fmt.Errorf("%w: coverage reference is required", ErrValidation)
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("%w: at least one service item is required", ErrValidation)
	}
	switch r.Priority {
	case "", PriorityRoutine, PriorityUrgent, PriorityStat:
	default:
		return fmt.Errorf("%w: invalid priority %q", ErrValidation, r.Priority)
	}
	return nil
}

// Coverage is the insurance coverage a request is adjudicated against.
type Coverage struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	PayorID     string     `json:"payor_id,omitempty"`
	PeriodStart *time.Time `json:"period_start,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
}

// ActiveAt reports whether the coverage is active and the given time falls
// inside its effective period.
func (c *Coverage) ActiveAt(t time.Time) bool {
	if c == nil || c.Status != "active" {
		return false
	}
	if c.PeriodStart != nil && t.Before(*c.PeriodStart) {
		return false
	}
	if c.PeriodEnd != nil && t.After(*c.PeriodEnd) {
		return false
	}
	return true
}

// ClinicalAnswers is a read-only flattened set of facts extracted from the
// request's supporting evidence.
type ClinicalAnswers struct {
	values map[string]interface{}
}

func NewClinicalAnswers(values map[string]interface{}) ClinicalAnswers {
	if values == nil {
		values = map[string]interface{}{}
	}
	return ClinicalAnswers{values: values}
}

// Bool returns the named boolean fact; ok is false when the fact is missing
// or not a boolean.
func (a ClinicalAnswers) Bool(key string) (value, ok bool) {
	v, ok := a.values[key].(bool)
	return v, ok
}

// Number returns the named numeric fact.
func (a ClinicalAnswers) Number(key string) (float64, bool) {
	switch v := a.values[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Text returns the named text fact.
func (a ClinicalAnswers) Text(key string) (string, bool) {
	v, ok := a.values[key].(string)
	return v, ok
}

// Map returns a copy of the underlying facts for rule evaluation.
func (a ClinicalAnswers) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(a.values))
	for k, v := range a.values {
		out[k] = v
	}
	return out
}

func (a ClinicalAnswers) Len() int { return len(a.values) }

// Decision is produced exactly once per request, by the local engine or a
// vendor adapter, and is immutable once produced.
type Decision struct {
	Disposition     Disposition `json:"disposition"`
	AuthorizationID string      `json:"authorization_id,omitempty"`
	ValidFrom       *time.Time  `json:"valid_from,omitempty"`
	ValidTo         *time.Time  `json:"valid_to,omitempty"`
	ApprovedAmount  *fhir.Money `json:"approved_amount,omitempty"`
	ReasonCode      string      `json:"reason_code,omitempty"`
	ReasonDisplay   string      `json:"reason_display,omitempty"`
	MissingInfo     string      `json:"missing_info,omitempty"`
	ReviewRequired  bool        `json:"review_required"`
	DecidedAt       time.Time   `json:"decided_at"`
}

// CheckInvariants verifies the authorization-id invariant: an authorization
// identifier is issued if and only if the disposition is approved.
func (d *Decision) CheckInvariants() error {
	switch d.Disposition {
	case DispositionApproved:
		if d.AuthorizationID == "" {
			return fmt.Errorf("approved decision without authorization id")
		}
	case DispositionDenied, DispositionPended:
		if d.AuthorizationID != "" {
			return fmt.Errorf("%s decision carries authorization id %q", d.Disposition, d.AuthorizationID)
		}
	default:
		return fmt.Errorf("unknown disposition %q", d.Disposition)
	}
	return nil
}

// DecisionContext records how a decision was produced, for audit.
type DecisionContext struct {
	Engine         string        `json:"engine"`
	Vendor         string        `json:"vendor,omitempty"`
	RulesApplied   []string      `json:"rules_applied,omitempty"`
	ProcessingTime time.Duration `json:"processing_time"`
	Confidence     float64       `json:"confidence"`
}
