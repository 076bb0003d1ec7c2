package payer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TimeoutError marks a vendor call that exceeded its configured timeout.
// The registry treats it like any other adapter failure and moves on to
// the next candidate.
type TimeoutError struct {
	Vendor string
	Err    error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("vendor %s: request timed out: %v", e.Vendor, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// RESTAdapter speaks JSON over HTTP to an external payer system that
// implements the submission contract directly.
type RESTAdapter struct {
	name   string
	cfg    VendorConfig
	client *http.Client
	auth   tokenSource
	logger zerolog.Logger
}

// NewRESTAdapter builds an uninitialized adapter; Initialize must be
// called with the vendor config before use.
func NewRESTAdapter(name string, logger zerolog.Logger) *RESTAdapter {
	return &RESTAdapter{
		name:   name,
		logger: logger.With().Str("vendor", name).Logger(),
	}
}

func (a *RESTAdapter) Name() string { return a.name }

func (a *RESTAdapter) Initialize(cfg VendorConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.client = &http.Client{
		Timeout: cfg.RequestTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		},
	}
	auth, err := newTokenSource(cfg, a.client)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.auth = auth
	return nil
}

func (a *RESTAdapter) Capabilities() CapabilitySet { return a.cfg.Capabilities }

func (a *RESTAdapter) SubmitRequest(ctx context.Context, req *VendorRequest) (*VendorResponse, error) {
	var resp VendorResponse
	if err := a.do(ctx, http.MethodPost, a.url("/submissions"), req, &resp); err != nil {
		return nil, err
	}
	if resp.VendorRequestID == "" {
		return nil, fmt.Errorf("vendor %s: response missing request id", a.name)
	}
	return &resp, nil
}

func (a *RESTAdapter) QueryStatus(ctx context.Context, vendorRequestID string) (*VendorResponse, error) {
	if !a.cfg.Capabilities.StatusInquiry {
		return nil, fmt.Errorf("vendor %s does not support status inquiry", a.name)
	}
	path := a.cfg.StatusPath
	if path == "" {
		path = "/submissions"
	}
	var resp VendorResponse
	if err := a.do(ctx, http.MethodGet, a.url(path+"/"+vendorRequestID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (a *RESTAdapter) CancelRequest(ctx context.Context, vendorRequestID string) (bool, error) {
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := a.do(ctx, http.MethodDelete, a.url("/submissions/"+vendorRequestID), nil, &resp); err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}

// HealthCheck probes the vendor's health endpoint. Slow answers are
// reported as degraded; errors and 5xx as unhealthy.
func (a *RESTAdapter) HealthCheck(ctx context.Context) HealthStatus {
	started := time.Now()
	status := HealthStatus{CheckedAt: started}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url("/health"), nil)
	if err != nil {
		status.State = HealthUnhealthy
		status.Detail = err.Error()
		return status
	}
	if err := a.auth.apply(ctx, httpReq); err != nil {
		status.State = HealthUnhealthy
		status.Detail = err.Error()
		return status
	}
	resp, err := a.client.Do(httpReq)
	status.Latency = time.Since(started)
	if err != nil {
		status.State = HealthUnhealthy
		status.Detail = err.Error()
		return status
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 500:
		status.State = HealthUnhealthy
		status.Detail = fmt.Sprintf("health endpoint returned %d", resp.StatusCode)
	case status.Latency > a.cfg.RequestTimeout/2:
		status.State = HealthDegraded
		status.Detail = "slow health response"
	default:
		status.State = HealthHealthy
	}
	return status
}

func (a *RESTAdapter) url(path string) string {
	return strings.TrimRight(a.cfg.Endpoint, "/") + path
}

func (a *RESTAdapter) do(ctx context.Context, method, url string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("vendor %s: encode request: %w", a.name, err)
		}
		body = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("vendor %s: %w", a.name, err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if err := a.auth.apply(ctx, httpReq); err != nil {
		return fmt.Errorf("vendor %s: %w", a.name, err)
	}

	started := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &TimeoutError{Vendor: a.name, Err: err}
		}
		return fmt.Errorf("vendor %s: %w", a.name, err)
	}
	defer resp.Body.Close()

	a.logger.Debug().
		Str("method", method).
		Str("url", url).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(started)).
		Msg("vendor call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("vendor %s: endpoint returned %d: %s", a.name, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("vendor %s: decode response: %w", a.name, err)
	}
	return nil
}
