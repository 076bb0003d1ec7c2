package payer

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// A tokenSource decorates outbound vendor requests with credentials.
type tokenSource interface {
	apply(ctx context.Context, req *http.Request) error
}

// newTokenSource builds the source for the config's auth mode. Validate
// must have run first, so missing material is a programming error here.
func newTokenSource(cfg VendorConfig, client *http.Client) (tokenSource, error) {
	switch cfg.Auth.Mode {
	case AuthNone:
		return noneAuth{}, nil
	case AuthStaticKey:
		header := cfg.Auth.KeyHeader
		if header == "" {
			header = "X-API-Key"
		}
		return staticKeyAuth{header: header, key: cfg.Auth.APIKey}, nil
	case AuthBasic:
		return basicAuth{username: cfg.Auth.Username, password: cfg.Auth.Password}, nil
	case AuthTokenExchange:
		key, err := parsePrivateKey(cfg.Auth.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("vendor %s: %w", cfg.Name, err)
		}
		return &assertionAuth{
			tokenURL: cfg.Auth.TokenURL,
			clientID: cfg.Auth.ClientID,
			scope:    cfg.Auth.Scope,
			key:      key,
			client:   client,
			now:      time.Now,
		}, nil
	default:
		return nil, fmt.Errorf("vendor %s: unsupported auth mode %q", cfg.Name, cfg.Auth.Mode)
	}
}

type noneAuth struct{}

func (noneAuth) apply(context.Context, *http.Request) error { return nil }

type staticKeyAuth struct {
	header string
	key    string
}

func (s staticKeyAuth) apply(_ context.Context, req *http.Request) error {
	req.Header.Set(s.header, s.key)
	return nil
}

type basicAuth struct {
	username string
	password string
}

func (b basicAuth) apply(_ context.Context, req *http.Request) error {
	req.SetBasicAuth(b.username, b.password)
	return nil
}

// assertionAuth implements the SMART backend-services style exchange: a
// signed JWT client assertion is traded for a short-lived bearer token,
// which is cached until shortly before expiry.
type assertionAuth struct {
	tokenURL string
	clientID string
	scope    string
	key      interface{}
	client   *http.Client
	now      func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func (a *assertionAuth) apply(ctx context.Context, req *http.Request) error {
	token, err := a.bearer(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (a *assertionAuth) bearer(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" && a.now().Add(30*time.Second).Before(a.expires) {
		return a.token, nil
	}

	assertion, err := a.signAssertion()
	if err != nil {
		return "", err
	}
	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_assertion_type": {"urn:ietf:params:oauth:client-assertion-type:jwt-bearer"},
		"client_assertion":      {assertion},
	}
	if a.scope != "" {
		form.Set("scope", a.scope)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token exchange: endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("token exchange: decode response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("token exchange: empty access token")
	}
	ttl := time.Duration(body.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	a.token = body.AccessToken
	a.expires = a.now().Add(ttl)
	return a.token, nil
}

func (a *assertionAuth) signAssertion() (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.clientID,
		Subject:   a.clientID,
		Audience:  jwt.ClaimStrings{a.tokenURL},
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS384, claims)
	signed, err := token.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}
	return signed, nil
}

func parsePrivateKey(pemData string) (interface{}, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("private key: no PEM block found")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("private key: not PKCS#8 or PKCS#1: %w", err)
	}
	return key, nil
}
