// Package fhirclient is a thin REST client for the clinical resource store.
// The pipeline treats the store as a key-addressed document service: create,
// read, update, and type-scoped search. A 404 is surfaced as ErrNotFound so
// callers can distinguish "missing resource" from transport failures.
package fhirclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned by Read when the store answers 404.
var ErrNotFound = errors.New("resource not found")

// RemoteError carries a non-2xx store response.
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("resource store returned %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	base   string
	hc     *http.Client
	token  string
	logger zerolog.Logger
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = d }
}

func WithBearerToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		hc:     &http.Client{Timeout: 30 * time.Second},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create stores a new resource of the given type and returns the stored form.
func (c *Client) Create(ctx context.Context, resourceType string, body map[string]interface{}) (map[string]interface{}, error) {
	return c.do(ctx, http.MethodPost, c.base+"/"+resourceType, body)
}

// Read fetches a resource by type and id. Returns ErrNotFound on 404.
func (c *Client) Read(ctx context.Context, resourceType, id string) (map[string]interface{}, error) {
	return c.do(ctx, http.MethodGet, c.base+"/"+resourceType+"/"+id, nil)
}

// Update replaces a stored resource. The body must carry resourceType and id.
func (c *Client) Update(ctx context.Context, resource map[string]interface{}) (map[string]interface{}, error) {
	resourceType, _ := resource["resourceType"].(string)
	id, _ := resource["id"].(string)
	if resourceType == "" || id == "" {
		return nil, fmt.Errorf("update requires resourceType and id")
	}
	return c.do(ctx, http.MethodPut, c.base+"/"+resourceType+"/"+id, resource)
}

// Search runs a type-scoped search and returns the result Bundle.
func (c *Client) Search(ctx context.Context, resourceType string, params map[string]string) (map[string]interface{}, error) {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	u := c.base + "/" + resourceType
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return c.do(ctx, http.MethodGet, u, nil)
}

func (c *Client) do(ctx context.Context, method, u string, body map[string]interface{}) (map[string]interface{}, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/fhir+json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("url", u).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("resource store call")

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s %s: %w", method, u, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &RemoteError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	return decoded, nil
}

// BundleEntries extracts the entry resources from a search result Bundle.
func BundleEntries(bundle map[string]interface{}) []map[string]interface{} {
	entries, ok := bundle["entry"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		entry, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		if res, ok := entry["resource"].(map[string]interface{}); ok {
			out = append(out, res)
		}
	}
	return out
}
