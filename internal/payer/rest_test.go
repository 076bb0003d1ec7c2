package payer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhir-iq/fpas/internal/domain/priorauth"
)

func newRESTTestAdapter(t *testing.T, endpoint string) *RESTAdapter {
	t.Helper()
	a := NewRESTAdapter("acme", zerolog.Nop())
	err := a.Initialize(VendorConfig{
		Name:           "acme",
		Endpoint:       endpoint,
		Auth:           AuthConfig{Mode: AuthStaticKey, APIKey: "secret"},
		Capabilities:   CapabilitySet{StatusInquiry: true},
		RequestTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return a
}

func TestRESTAdapter_SubmitRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/submissions" || r.Method != http.MethodPost {
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-API-Key"); got != "secret" {
			t.Errorf("expected static key header, got %q", got)
		}
		var req VendorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(VendorResponse{
			VendorRequestID: "acme-42",
			Status:          StatusFinal,
			Decision: &priorauth.Decision{
				Disposition:    priorauth.DispositionPended,
				ReasonCode:     priorauth.ReasonAdditionalDocumentation,
				ReviewRequired: true,
			},
			Context: req.Context,
		})
	}))
	defer srv.Close()

	a := newRESTTestAdapter(t, srv.URL)
	resp, err := a.SubmitRequest(context.Background(), &VendorRequest{
		Request: &priorauth.Request{ID: "claim-1"},
		Context: RequestContext{CorrelationID: "corr-1"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.VendorRequestID != "acme-42" {
		t.Errorf("expected vendor request id acme-42, got %q", resp.VendorRequestID)
	}
	if resp.Decision == nil || resp.Decision.Disposition != priorauth.DispositionPended {
		t.Errorf("unexpected decision: %+v", resp.Decision)
	}
	if resp.Context.CorrelationID != "corr-1" {
		t.Errorf("context must round-trip, got %+v", resp.Context)
	}
}

func TestRESTAdapter_TimeoutIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	a := NewRESTAdapter("slow", zerolog.Nop())
	if err := a.Initialize(VendorConfig{
		Name:           "slow",
		Endpoint:       srv.URL,
		Auth:           AuthConfig{Mode: AuthNone},
		RequestTimeout: 20 * time.Millisecond,
	}); err != nil {
		t.Fatal(err)
	}

	_, err := a.SubmitRequest(context.Background(), &VendorRequest{})
	if err == nil {
		t.Fatal("expected timeout")
	}
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %T: %v", err, err)
	}
	if timeout.Vendor != "slow" {
		t.Errorf("expected vendor name in timeout error, got %q", timeout.Vendor)
	}
}

func TestRESTAdapter_HealthCheck(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	a := newRESTTestAdapter(t, srv.URL)
	if got := a.HealthCheck(context.Background()); got.State != HealthHealthy {
		t.Errorf("expected healthy, got %+v", got)
	}

	healthy = false
	if got := a.HealthCheck(context.Background()); got.State != HealthUnhealthy {
		t.Errorf("expected unhealthy on 503, got %+v", got)
	}
}

func TestRESTAdapter_QueryStatusRequiresCapability(t *testing.T) {
	a := NewRESTAdapter("nocap", zerolog.Nop())
	if err := a.Initialize(VendorConfig{
		Name:     "nocap",
		Endpoint: "https://pa.example",
		Auth:     AuthConfig{Mode: AuthNone},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.QueryStatus(context.Background(), "x-1"); err == nil {
		t.Fatal("expected capability error")
	}
}
