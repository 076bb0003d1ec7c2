package payer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhir-iq/fpas/internal/domain/priorauth"
)

// fakeAdapter is a scriptable adapter for registry tests.
type fakeAdapter struct {
	name      string
	health    HealthState
	submitErr error
	calls     int
}

func (f *fakeAdapter) Name() string                  { return f.name }
func (f *fakeAdapter) Initialize(VendorConfig) error { return nil }
func (f *fakeAdapter) Capabilities() CapabilitySet   { return CapabilitySet{} }

func (f *fakeAdapter) HealthCheck(context.Context) HealthStatus {
	return HealthStatus{State: f.health, CheckedAt: time.Now()}
}

func (f *fakeAdapter) SubmitRequest(_ context.Context, req *VendorRequest) (*VendorResponse, error) {
	f.calls++
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &VendorResponse{
		VendorRequestID: f.name + "-1",
		Status:          StatusFinal,
		Decision: &priorauth.Decision{
			Disposition: priorauth.DispositionDenied,
			ReasonCode:  priorauth.ReasonConservativeTherapyRequired,
			DecidedAt:   time.Now(),
		},
		Context: req.Context,
	}, nil
}

func (f *fakeAdapter) QueryStatus(context.Context, string) (*VendorResponse, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeAdapter) CancelRequest(context.Context, string) (bool, error) {
	return false, nil
}

func testRequest() *VendorRequest {
	return &VendorRequest{
		Request:  &priorauth.Request{ID: "claim-1"},
		Priority: priorauth.PriorityRoutine,
		Context:  RequestContext{CorrelationID: "corr-1"},
	}
}

func TestRegistry_FailoverToHealthy(t *testing.T) {
	a := &fakeAdapter{name: "vendor-a", health: HealthUnhealthy}
	b := &fakeAdapter{name: "vendor-b", health: HealthHealthy}
	c := &fakeAdapter{name: "vendor-c", health: HealthHealthy}

	reg := NewRegistry(nil, zerolog.Nop())
	for _, ad := range []Adapter{a, b, c} {
		if err := reg.Register(ad); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := reg.Submit(context.Background(), "vendor-a", []string{"vendor-b", "vendor-c"}, testRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.VendorRequestID != "vendor-b-1" {
		t.Errorf("expected vendor-b to serve the request, got %q", resp.VendorRequestID)
	}
	if a.calls != 0 {
		t.Errorf("unhealthy vendor-a must not be submitted to, got %d calls", a.calls)
	}
	if c.calls != 0 {
		t.Errorf("vendor-c must not be tried after vendor-b succeeded, got %d calls", c.calls)
	}
}

func TestRegistry_ExhaustionAggregatesFailures(t *testing.T) {
	a := &fakeAdapter{name: "vendor-a", health: HealthUnhealthy}
	b := &fakeAdapter{name: "vendor-b", health: HealthHealthy, submitErr: errors.New("connection refused")}

	reg := NewRegistry(nil, zerolog.Nop())
	for _, ad := range []Adapter{a, b} {
		if err := reg.Register(ad); err != nil {
			t.Fatal(err)
		}
	}

	_, err := reg.Submit(context.Background(), "", nil, testRequest())
	if err == nil {
		t.Fatal("expected aggregated failure")
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %T: %v", err, err)
	}
	vendors := exhausted.Vendors()
	if len(vendors) != 2 || vendors[0] != "vendor-a" || vendors[1] != "vendor-b" {
		t.Errorf("expected both vendors named in order, got %v", vendors)
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("expected per-vendor error detail, got %q", err)
	}
}

func TestRegistry_CandidateOrdering(t *testing.T) {
	reg := NewRegistry([]string{"vendor-c", "vendor-a"}, zerolog.Nop())
	for _, name := range []string{"vendor-a", "vendor-b", "vendor-c", "vendor-d"} {
		if err := reg.Register(&fakeAdapter{name: name, health: HealthHealthy}); err != nil {
			t.Fatal(err)
		}
	}

	cands := reg.candidates("vendor-b", []string{"vendor-c", "vendor-b"})
	got := make([]string, len(cands))
	for i, a := range cands {
		got[i] = a.Name()
	}
	want := []string{"vendor-b", "vendor-c", "vendor-a", "vendor-d"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRegistry_UnknownPreferredSkipped(t *testing.T) {
	b := &fakeAdapter{name: "vendor-b", health: HealthHealthy}
	reg := NewRegistry(nil, zerolog.Nop())
	if err := reg.Register(b); err != nil {
		t.Fatal(err)
	}

	resp, err := reg.Submit(context.Background(), "vendor-x", nil, testRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.VendorRequestID != "vendor-b-1" {
		t.Errorf("expected fallthrough to vendor-b, got %q", resp.VendorRequestID)
	}
}

func TestRegistry_DuplicateRegistrationRejected(t *testing.T) {
	reg := NewRegistry(nil, zerolog.Nop())
	if err := reg.Register(&fakeAdapter{name: "vendor-a"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(&fakeAdapter{name: "vendor-a"}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestRegistry_ValidateUnknownDefault(t *testing.T) {
	reg := NewRegistry([]string{"vendor-z"}, zerolog.Nop())
	if err := reg.Register(&fakeAdapter{name: "vendor-a"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Validate(); err == nil {
		t.Fatal("expected unknown default vendor to fail validation")
	}
}
