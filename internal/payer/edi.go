package payer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhir-iq/fpas/internal/domain/priorauth"
)

// EDIAdapter bridges to legacy payer gateways that only accept X12 278
// health care services review transactions. It transcodes the submission
// into a 278 request, posts it to the gateway, and maps the HCR action
// code of the 278 response back onto a Decision. The adapter is optional:
// it is only registered when a vendor config selects it, and nothing in
// the core pipeline depends on its presence.
type EDIAdapter struct {
	name   string
	cfg    VendorConfig
	client *http.Client
	auth   tokenSource
	logger zerolog.Logger
	clock  func() time.Time
}

// X12 278 HCR action codes.
const (
	hcrCertified    = "A1"
	hcrNotCertified = "A3"
	hcrPended       = "A4"
)

func NewEDIAdapter(name string, logger zerolog.Logger) *EDIAdapter {
	return &EDIAdapter{
		name:   name,
		logger: logger.With().Str("vendor", name).Logger(),
		clock:  time.Now,
	}
}

func (a *EDIAdapter) Name() string { return a.name }

func (a *EDIAdapter) Initialize(cfg VendorConfig) error {
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

// Legacy gateways accept one transaction at a time and cannot report
// status or withdraw a submission.
func (a *EDIAdapter) Capabilities() CapabilitySet { return CapabilitySet{} }

func (a *EDIAdapter) SubmitRequest(ctx context.Context, req *VendorRequest) (*VendorResponse, error) {
	payload := a.encode278(req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader([]byte(payload)))
	if err != nil {
		return nil, fmt.Errorf("vendor %s: %w", a.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/edi-x12")
	if err := a.auth.apply(ctx, httpReq); err != nil {
		return nil, fmt.Errorf("vendor %s: %w", a.name, err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, &TimeoutError{Vendor: a.name, Err: err}
		}
		return nil, fmt.Errorf("vendor %s: %w", a.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("vendor %s: gateway returned %d", a.name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("vendor %s: read 278 response: %w", a.name, err)
	}
	return a.decode278(string(body), req.Context)
}

func (a *EDIAdapter) QueryStatus(context.Context, string) (*VendorResponse, error) {
	return nil, fmt.Errorf("vendor %s does not support status inquiry", a.name)
}

func (a *EDIAdapter) CancelRequest(context.Context, string) (bool, error) {
	return false, fmt.Errorf("vendor %s does not support cancellation", a.name)
}

func (a *EDIAdapter) HealthCheck(ctx context.Context) HealthStatus {
	started := a.clock()
	status := HealthStatus{CheckedAt: started}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodHead, a.cfg.Endpoint, nil)
	if err != nil {
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
	resp.Body.Close()
	// Legacy gateways often answer HEAD with 405; only 5xx means down.
	if resp.StatusCode >= 500 {
		status.State = HealthUnhealthy
		status.Detail = fmt.Sprintf("gateway returned %d", resp.StatusCode)
		return status
	}
	status.State = HealthHealthy
	return status
}

// encode278 renders the submission as a minimal 278 request: one BHT with
// our correlation id, one UM per certification, one HI per diagnosis and
// one SV per requested service line.
func (a *EDIAdapter) encode278(req *VendorRequest) string {
	now := a.clock().UTC()
	var b strings.Builder
	seg := func(elems ...string) {
		b.WriteString(strings.Join(elems, "*"))
		b.WriteString("~")
	}

	seg("ST", "278", "0001", "005010X217")
	seg("BHT", "0007", "13", req.Context.CorrelationID, now.Format("20060102"), now.Format("1504"))
	seg("HL", "1", "", "20", "1")
	seg("NM1", "X3", "2", req.Context.PayerID)
	seg("HL", "2", "1", "21", "1")
	seg("NM1", "1P", "2", req.Context.ProviderID)
	seg("HL", "3", "2", "22", "1")
	seg("NM1", "IL", "1", req.Context.PatientID)
	seg("UM", "HS", "I", umPriority(req.Priority))
	for _, code := range req.Request.DiagnosisCodes {
		seg("HI", "ABK:"+code)
	}
	for _, item := range req.Request.Items {
		seg("SV2", item.Code, "", fmt.Sprintf("%.2f", item.Net().Value), "UN", fmt.Sprintf("%d", item.Quantity))
	}
	seg("SE", "0", "0001")
	return b.String()
}

// decode278 maps the 278 response back onto the adapter contract. The
// HCR segment carries the action code and, when certified, the
// certification number that becomes the authorization id.
func (a *EDIAdapter) decode278(payload string, rctx RequestContext) (*VendorResponse, error) {
	var (
		action  string
		certnum string
		reason  string
		traceID string
		validTo *time.Time
	)
	for _, raw := range strings.Split(payload, "~") {
		elems := strings.Split(strings.TrimSpace(raw), "*")
		switch elems[0] {
		case "BHT":
			if len(elems) > 3 {
				traceID = elems[3]
			}
		case "HCR":
			if len(elems) > 1 {
				action = elems[1]
			}
			if len(elems) > 2 {
				certnum = elems[2]
			}
			if len(elems) > 3 {
				reason = elems[3]
			}
		case "DTP":
			if len(elems) > 3 && elems[1] == "036" {
				if t, err := time.Parse("20060102", elems[3]); err == nil {
					validTo = &t
				}
			}
		}
	}
	if action == "" {
		return nil, fmt.Errorf("vendor %s: 278 response has no HCR segment", a.name)
	}
	if traceID == "" {
		traceID = fmt.Sprintf("%s-%d", a.name, a.clock().UnixNano())
	}

	now := a.clock().UTC()
	decision := &priorauth.Decision{DecidedAt: now}
	switch action {
	case hcrCertified:
		if certnum == "" {
			return nil, fmt.Errorf("vendor %s: certified 278 response without certification number", a.name)
		}
		decision.Disposition = priorauth.DispositionApproved
		decision.AuthorizationID = certnum
		decision.ValidFrom = &now
		if validTo == nil {
			to := now.AddDate(0, 0, 90)
			validTo = &to
		}
		decision.ValidTo = validTo
	case hcrNotCertified:
		decision.Disposition = priorauth.DispositionDenied
		decision.ReasonCode = reason
		if decision.ReasonCode == "" {
			decision.ReasonCode = "not-certified"
		}
	case hcrPended:
		decision.Disposition = priorauth.DispositionPended
		decision.ReviewRequired = true
		decision.ReasonCode = priorauth.ReasonAdditionalDocumentation
	default:
		return nil, fmt.Errorf("vendor %s: unrecognized HCR action code %q", a.name, action)
	}

	return &VendorResponse{
		VendorRequestID: traceID,
		Status:          StatusFinal,
		Decision:        decision,
		Context:         rctx,
	}, nil
}

func umPriority(p priorauth.Priority) string {
	switch p {
	case priorauth.PriorityStat, priorauth.PriorityUrgent:
		return "U"
	default:
		return "E"
	}
}
