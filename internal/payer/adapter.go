// Package payer defines the uniform adapter contract wrapping decision
// sources, internal or external, plus the registry that selects between
// them with health-checked failover.
package payer

import (
	"context"
	"time"

	"github.com/fhir-iq/fpas/internal/domain/priorauth"
)

// ResponseStatus categorizes a vendor response.
type ResponseStatus string

const (
	StatusFinal       ResponseStatus = "final"
	StatusPreliminary ResponseStatus = "preliminary"
	StatusPending     ResponseStatus = "pending"
	StatusError       ResponseStatus = "error"
)

// HealthState is the coarse vendor health reported by HealthCheck.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthStatus is the result of probing a vendor endpoint.
type HealthStatus struct {
	State     HealthState   `json:"state"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checked_at"`
	Detail    string        `json:"detail,omitempty"`
}

// Available reports whether the vendor should receive traffic. A degraded
// vendor still accepts submissions; only unhealthy is skipped.
func (h HealthStatus) Available() bool {
	return h.State == HealthHealthy || h.State == HealthDegraded
}

// CapabilitySet declares the optional features a vendor supports.
type CapabilitySet struct {
	AsyncDecisions bool `json:"async_decisions"`
	BulkSubmission bool `json:"bulk_submission"`
	StatusInquiry  bool `json:"status_inquiry"`
	DocumentUpload bool `json:"document_upload"`
	Webhooks       bool `json:"webhooks"`
}

// RequestContext identifies the parties behind a submission. It travels
// with every vendor call so remote audit trails line up with ours.
type RequestContext struct {
	SubmitterID   string `json:"submitter_id"`
	ProviderID    string `json:"provider_id"`
	PayerID       string `json:"payer_id"`
	PatientID     string `json:"patient_id"`
	CorrelationID string `json:"correlation_id"`
}

// VendorRequest is the adapter-level submission envelope.
type VendorRequest struct {
	Request  *priorauth.Request        `json:"request"`
	Answers  priorauth.ClinicalAnswers `json:"-"`
	Coverage *priorauth.Coverage       `json:"coverage"`
	Priority priorauth.Priority        `json:"priority"`
	Context  RequestContext            `json:"context"`
}

// VendorResponse is the adapter-level result envelope. Decision is nil
// while Status is pending. Vendor is filled in by the registry with the
// name of the adapter that produced the response.
type VendorResponse struct {
	Vendor          string              `json:"vendor,omitempty"`
	VendorRequestID string              `json:"vendor_request_id"`
	Status          ResponseStatus      `json:"status"`
	Decision        *priorauth.Decision `json:"decision,omitempty"`
	Context         RequestContext      `json:"context"`
	Conditions      []string            `json:"conditions,omitempty"`
	NextSteps       []string            `json:"next_steps,omitempty"`
}

// Adapter is the integration contract every decision source implements,
// whether it wraps the in-process engine or a remote payer system.
type Adapter interface {
	// Name returns the registry key for this adapter.
	Name() string
	// Initialize applies the vendor configuration. It is called once at
	// startup, before the adapter receives any traffic.
	Initialize(cfg VendorConfig) error
	// SubmitRequest sends a prior authorization request for decision.
	SubmitRequest(ctx context.Context, req *VendorRequest) (*VendorResponse, error)
	// QueryStatus looks up an earlier submission by its vendor-assigned id.
	QueryStatus(ctx context.Context, vendorRequestID string) (*VendorResponse, error)
	// CancelRequest asks the vendor to withdraw a submission. The bool
	// reports whether the vendor honored the cancellation.
	CancelRequest(ctx context.Context, vendorRequestID string) (bool, error)
	// HealthCheck probes the vendor. It must be cheap enough to call
	// before every submission.
	HealthCheck(ctx context.Context) HealthStatus
	// Capabilities reports the vendor's declared feature set.
	Capabilities() CapabilitySet
}
