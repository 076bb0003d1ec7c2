package payer

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fhir-iq/fpas/internal/domain/priorauth"
)

// LocalAdapterName is the registry key of the built-in decision source.
const LocalAdapterName = "local"

// LocalAdapter is the reference adapter: it answers submissions with the
// in-process clinical engine instead of a remote vendor. It simulates
// bounded random latency so timeout and failover paths behave the same
// against it as against a real integration.
type LocalAdapter struct {
	engine *priorauth.Engine

	minLatency time.Duration
	maxLatency time.Duration

	mu      sync.Mutex
	history map[string]*VendorResponse
}

// LocalOption configures a LocalAdapter.
type LocalOption func(*LocalAdapter)

// WithLatency overrides the simulated latency bounds. Equal zero bounds
// disable the delay, which tests rely on.
func WithLatency(min, max time.Duration) LocalOption {
	return func(a *LocalAdapter) {
		a.minLatency = min
		a.maxLatency = max
	}
}

// NewLocalAdapter wraps the clinical engine as a vendor adapter.
func NewLocalAdapter(engine *priorauth.Engine, opts ...LocalOption) *LocalAdapter {
	a := &LocalAdapter{
		engine:     engine,
		minLatency: 500 * time.Millisecond,
		maxLatency: 2 * time.Second,
		history:    make(map[string]*VendorResponse),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *LocalAdapter) Name() string { return LocalAdapterName }

func (a *LocalAdapter) Initialize(VendorConfig) error { return nil }

func (a *LocalAdapter) Capabilities() CapabilitySet {
	return CapabilitySet{StatusInquiry: true}
}

func (a *LocalAdapter) HealthCheck(context.Context) HealthStatus {
	return HealthStatus{State: HealthHealthy, CheckedAt: time.Now()}
}

// SubmitRequest decides the request locally. The response is always
// final; the engine never leaves a request pending.
func (a *LocalAdapter) SubmitRequest(ctx context.Context, req *VendorRequest) (*VendorResponse, error) {
	if err := a.sleep(ctx); err != nil {
		return nil, err
	}

	decision, _, err := a.engine.Decide(req.Request, req.Answers, req.Coverage)
	if err != nil {
		return nil, err
	}

	resp := &VendorResponse{
		VendorRequestID: "local-" + uuid.NewString(),
		Status:          StatusFinal,
		Decision:        &decision,
		Context:         req.Context,
	}
	if decision.Disposition == priorauth.DispositionPended {
		resp.NextSteps = []string{"submit the requested documentation and resubmit"}
	}

	a.mu.Lock()
	a.history[resp.VendorRequestID] = resp
	a.mu.Unlock()
	return resp, nil
}

func (a *LocalAdapter) QueryStatus(_ context.Context, vendorRequestID string) (*VendorResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	resp, ok := a.history[vendorRequestID]
	if !ok {
		return nil, fmt.Errorf("no submission with id %q", vendorRequestID)
	}
	return resp, nil
}

// CancelRequest is best-effort: local decisions are final the moment they
// are produced, so cancellation only succeeds for unknown work in flight,
// which here is never.
func (a *LocalAdapter) CancelRequest(_ context.Context, vendorRequestID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	resp, ok := a.history[vendorRequestID]
	if !ok {
		return false, fmt.Errorf("no submission with id %q", vendorRequestID)
	}
	return resp.Status == StatusPending, nil
}

func (a *LocalAdapter) sleep(ctx context.Context) error {
	if a.maxLatency <= 0 {
		return nil
	}
	delay := a.minLatency
	if span := a.maxLatency - a.minLatency; span > 0 {
		delay += time.Duration(rand.Int63n(int64(span)))
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
