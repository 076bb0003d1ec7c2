// Package task tracks asynchronously processed prior-authorization requests.
// A Task is the only record a caller sees while a request is in flight: it
// moves accepted -> in-progress -> (completed | failed), carries a
// business-status sub-code, and once terminal references the produced
// ClaimResponse or diagnostic OperationOutcome.
package task

import (
	"time"

	"github.com/google/uuid"

	"github.com/fhir-iq/fpas/internal/platform/fhir"
)

// Task statuses (FHIR Task status subset used by the pipeline).
const (
	StatusAccepted   = "accepted"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Business-status sub-codes.
const (
	BusinessProcessing = "processing"
	BusinessApproved   = "approved"
	BusinessDenied     = "denied"
	BusinessPended     = "pended"
	BusinessError      = "error"
)

// Task maps to the task table (FHIR Task resource).
type Task struct {
	ID             uuid.UUID `db:"id" json:"id"`
	FHIRID         string    `db:"fhir_id" json:"fhir_id"`
	Status         string    `db:"status" json:"status"`
	BusinessStatus string    `db:"business_status" json:"business_status"`
	Priority       *string   `db:"priority" json:"priority,omitempty"`
	Description    *string   `db:"description" json:"description,omitempty"`
	FocusClaimID   string    `db:"focus_claim_id" json:"focus_claim_id"`
	ForPatientID   string    `db:"for_patient_id" json:"for_patient_id"`
	RequesterID    *string   `db:"requester_id" json:"requester_id,omitempty"`
	OwnerID        *string   `db:"owner_id" json:"owner_id,omitempty"`
	CorrelationID  string    `db:"correlation_id" json:"correlation_id,omitempty"`
	OutputType     *string   `db:"output_type" json:"output_type,omitempty"`
	OutputID       *string   `db:"output_id" json:"output_id,omitempty"`
	Note           *string   `db:"note" json:"note,omitempty"`
	AuthoredOn     time.Time `db:"authored_on" json:"authored_on"`
	LastModified   time.Time `db:"last_modified" json:"last_modified"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether the task has reached a final status.
func (t *Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

func (t *Task) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "Task",
		"id":           t.FHIRID,
		"status":       t.Status,
		"intent":       "order",
		"for":          fhir.Reference{Reference: fhir.FormatReference("Patient", t.ForPatientID)},
		"meta":         fhir.Meta{LastUpdated: t.UpdatedAt},
	}
	if t.BusinessStatus != "" {
		result["businessStatus"] = fhir.CodeableConcept{Text: t.BusinessStatus}
	}
	if t.Priority != nil {
		result["priority"] = *t.Priority
	}
	if t.Description != nil {
		result["description"] = *t.Description
	}
	if t.FocusClaimID != "" {
		result["focus"] = fhir.Reference{Reference: fhir.FormatReference("Claim", t.FocusClaimID)}
	}
	if t.RequesterID != nil {
		result["requester"] = fhir.Reference{Reference: fhir.FormatReference("Practitioner", *t.RequesterID)}
	}
	if t.OwnerID != nil {
		result["owner"] = fhir.Reference{Reference: fhir.FormatReference("Organization", *t.OwnerID)}
	}
	if !t.AuthoredOn.IsZero() {
		result["authoredOn"] = t.AuthoredOn.Format(time.RFC3339)
	}
	if !t.LastModified.IsZero() {
		result["lastModified"] = t.LastModified.Format(time.RFC3339)
	}
	if t.Note != nil {
		result["note"] = []map[string]string{{"text": *t.Note}}
	}
	if t.OutputType != nil && t.OutputID != nil {
		result["output"] = []map[string]interface{}{{
			"type":           fhir.CodeableConcept{Text: *t.OutputType},
			"valueReference": fhir.Reference{Reference: fhir.FormatReference(*t.OutputType, *t.OutputID)},
		}}
	}
	return result
}
