package payer

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// VendorAttempt records one failed try during registry failover.
type VendorAttempt struct {
	Vendor string
	Err    error
}

// ExhaustedError aggregates the failures of every attempted vendor. It is
// returned when no candidate produced a response.
type ExhaustedError struct {
	Attempts []VendorAttempt
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return "no vendor adapters available"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Vendor, a.Err))
	}
	return fmt.Sprintf("all %d vendor(s) failed: %s", len(e.Attempts), strings.Join(parts, "; "))
}

// Vendors lists every vendor attempted, in order.
func (e *ExhaustedError) Vendors() []string {
	names := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		names = append(names, a.Vendor)
	}
	return names
}

// Registry maintains the name→adapter map and routes submissions with
// health-checked failover. Registration happens at startup; the serving
// maps are read-only afterwards, so no lock is needed.
type Registry struct {
	adapters map[string]Adapter
	order    []string
	defaults []string
	logger   zerolog.Logger
}

// NewRegistry builds an empty registry. The defaults list is the
// configured fallback order consulted after caller preferences.
func NewRegistry(defaults []string, logger zerolog.Logger) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		defaults: defaults,
		logger:   logger.With().Str("component", "payer-registry").Logger(),
	}
}

// Register adds an adapter under its own name. Duplicate registration is
// a configuration error.
func (r *Registry) Register(a Adapter) error {
	name := a.Name()
	if name == "" {
		return fmt.Errorf("adapter has empty name")
	}
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter %q already registered", name)
	}
	r.adapters[name] = a
	r.order = append(r.order, name)
	return nil
}

// Validate checks that every configured default names a registered
// adapter, so an unknown vendor fails at startup rather than at runtime.
func (r *Registry) Validate() error {
	for _, name := range r.defaults {
		if _, ok := r.adapters[name]; !ok {
			return fmt.Errorf("default vendor %q is not registered", name)
		}
	}
	return nil
}

// Get returns a registered adapter by name.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Names lists registered adapters in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// candidates builds the per-request try order: explicit preferred vendor,
// then caller fallbacks, then configured defaults, then any remaining
// registered adapters; duplicates removed preserving first occurrence.
// Unknown names in preferred/fallbacks are skipped — they were either
// rejected at startup or belong to another deployment's config.
func (r *Registry) candidates(preferred string, fallbacks []string) []Adapter {
	seen := make(map[string]bool, len(r.adapters))
	var out []Adapter
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		if a, ok := r.adapters[name]; ok {
			seen[name] = true
			out = append(out, a)
		}
	}
	add(preferred)
	for _, name := range fallbacks {
		add(name)
	}
	for _, name := range r.defaults {
		add(name)
	}
	for _, name := range r.order {
		add(name)
	}
	return out
}

// QueryStatus looks up an earlier submission on the named vendor.
func (r *Registry) QueryStatus(ctx context.Context, vendor, vendorRequestID string) (*VendorResponse, error) {
	a, ok := r.adapters[vendor]
	if !ok {
		return nil, fmt.Errorf("vendor %q is not registered", vendor)
	}
	return a.QueryStatus(ctx, vendorRequestID)
}

// Cancel asks the named vendor to withdraw a submission.
func (r *Registry) Cancel(ctx context.Context, vendor, vendorRequestID string) (bool, error) {
	a, ok := r.adapters[vendor]
	if !ok {
		return false, fmt.Errorf("vendor %q is not registered", vendor)
	}
	return a.CancelRequest(ctx, vendorRequestID)
}

// Submit routes a request through the candidate adapters in order. Each
// candidate is health-checked first; unhealthy vendors are skipped, and
// submission errors move on to the next candidate. The first success
// returns immediately. When every candidate fails, the aggregated
// ExhaustedError names them all.
func (r *Registry) Submit(ctx context.Context, preferred string, fallbacks []string, req *VendorRequest) (*VendorResponse, error) {
	cands := r.candidates(preferred, fallbacks)
	attempts := make([]VendorAttempt, 0, len(cands))

	for _, a := range cands {
		health := a.HealthCheck(ctx)
		if !health.Available() {
			r.logger.Warn().
				Str("vendor", a.Name()).
				Str("state", string(health.State)).
				Str("detail", health.Detail).
				Msg("skipping unhealthy vendor")
			attempts = append(attempts, VendorAttempt{
				Vendor: a.Name(),
				Err:    fmt.Errorf("unhealthy: %s", health.Detail),
			})
			continue
		}

		resp, err := a.SubmitRequest(ctx, req)
		if err != nil {
			r.logger.Warn().
				Err(err).
				Str("vendor", a.Name()).
				Str("correlation_id", req.Context.CorrelationID).
				Msg("vendor submission failed, trying next candidate")
			attempts = append(attempts, VendorAttempt{Vendor: a.Name(), Err: err})
			continue
		}

		resp.Vendor = a.Name()
		r.logger.Info().
			Str("vendor", a.Name()).
			Str("vendor_request_id", resp.VendorRequestID).
			Str("status", string(resp.Status)).
			Str("correlation_id", req.Context.CorrelationID).
			Msg("vendor accepted submission")
		return resp, nil
	}

	return nil, &ExhaustedError{Attempts: attempts}
}
