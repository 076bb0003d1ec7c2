package payer

import (
	"context"
	"testing"
	"time"

	"github.com/fhir-iq/fpas/internal/domain/priorauth"
	"github.com/fhir-iq/fpas/internal/platform/fhir"
)

func newLocalTestAdapter(t *testing.T) *LocalAdapter {
	t.Helper()
	engine, err := priorauth.NewEngine(priorauth.DefaultClinicalRules())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return NewLocalAdapter(engine, WithLatency(0, 0))
}

func localVendorRequest(answers map[string]interface{}) *VendorRequest {
	return &VendorRequest{
		Request: &priorauth.Request{
			ID:         "claim-1",
			PatientID:  "patient-1",
			CoverageID: "coverage-1",
			Priority:   priorauth.PriorityRoutine,
			Items: []priorauth.Item{{
				Sequence:  1,
				Code:      "72148",
				Quantity:  1,
				UnitPrice: fhir.Money{Value: 1200, Currency: "USD"},
			}},
		},
		Answers:  priorauth.NewClinicalAnswers(answers),
		Coverage: &priorauth.Coverage{ID: "coverage-1", Status: "active"},
		Priority: priorauth.PriorityRoutine,
		Context:  RequestContext{PatientID: "patient-1", CorrelationID: "corr-1"},
	}
}

func TestLocalAdapter_SubmitApproves(t *testing.T) {
	a := newLocalTestAdapter(t)
	req := localVendorRequest(map[string]interface{}{
		priorauth.AnswerTriedConservativeTherapy: true,
		priorauth.AnswerHasNeurologicDeficit:     true,
	})

	resp, err := a.SubmitRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.Status != StatusFinal {
		t.Errorf("expected final status, got %q", resp.Status)
	}
	if resp.Decision == nil || resp.Decision.Disposition != priorauth.DispositionApproved {
		t.Fatalf("expected approved decision, got %+v", resp.Decision)
	}
	if resp.Decision.AuthorizationID == "" {
		t.Error("expected authorization id on approval")
	}
	if resp.VendorRequestID == "" {
		t.Error("expected a vendor-assigned request id")
	}
}

func TestLocalAdapter_QueryStatusReturnsHistory(t *testing.T) {
	a := newLocalTestAdapter(t)
	req := localVendorRequest(map[string]interface{}{
		priorauth.AnswerTriedConservativeTherapy: false,
	})

	submitted, err := a.SubmitRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	got, err := a.QueryStatus(context.Background(), submitted.VendorRequestID)
	if err != nil {
		t.Fatalf("query status: %v", err)
	}
	if got.Decision.Disposition != priorauth.DispositionDenied {
		t.Errorf("expected denied decision from history, got %q", got.Decision.Disposition)
	}

	if _, err := a.QueryStatus(context.Background(), "local-unknown"); err == nil {
		t.Error("expected error for unknown request id")
	}
}

func TestLocalAdapter_CancelFinalDecision(t *testing.T) {
	a := newLocalTestAdapter(t)
	resp, err := a.SubmitRequest(context.Background(), localVendorRequest(map[string]interface{}{
		priorauth.AnswerTriedConservativeTherapy: true,
		priorauth.AnswerHasNeurologicDeficit:     true,
	}))
	if err != nil {
		t.Fatal(err)
	}

	ok, err := a.CancelRequest(context.Background(), resp.VendorRequestID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ok {
		t.Error("final decision must not be cancellable")
	}
}

func TestLocalAdapter_LatencyRespectsContext(t *testing.T) {
	engine, err := priorauth.NewEngine(priorauth.DefaultClinicalRules())
	if err != nil {
		t.Fatal(err)
	}
	a := NewLocalAdapter(engine, WithLatency(time.Minute, time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := a.SubmitRequest(ctx, localVendorRequest(nil)); err == nil {
		t.Fatal("expected context deadline to interrupt the simulated latency")
	}
}
