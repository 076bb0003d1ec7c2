package payer

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// AuthMode selects how the adapter authenticates to the vendor.
type AuthMode string

const (
	AuthNone          AuthMode = "none"
	AuthStaticKey     AuthMode = "static-key"
	AuthBasic         AuthMode = "basic"
	AuthTokenExchange AuthMode = "token-exchange"
)

// AuthConfig carries the credential material for one auth mode. Only the
// fields for the selected mode are consulted.
type AuthConfig struct {
	Mode AuthMode `json:"mode" mapstructure:"mode"`

	// Static key.
	APIKey    string `json:"api_key,omitempty" mapstructure:"api_key"`
	KeyHeader string `json:"key_header,omitempty" mapstructure:"key_header"`

	// Basic.
	Username string `json:"username,omitempty" mapstructure:"username"`
	Password string `json:"password,omitempty" mapstructure:"password"`

	// Token exchange (JWT client assertion).
	TokenURL      string `json:"token_url,omitempty" mapstructure:"token_url"`
	ClientID      string `json:"client_id,omitempty" mapstructure:"client_id"`
	PrivateKeyPEM string `json:"private_key_pem,omitempty" mapstructure:"private_key_pem"`
	Scope         string `json:"scope,omitempty" mapstructure:"scope"`
}

// Protocol values select which adapter implementation serves a vendor.
const (
	ProtocolREST = "rest"
	ProtocolX12  = "x12-278"
)

// VendorConfig is the per-vendor configuration schema. Endpoint and auth
// are always mandatory; the remaining fields are capability-dependent.
type VendorConfig struct {
	Name         string        `json:"name" mapstructure:"name"`
	Protocol     string        `json:"protocol,omitempty" mapstructure:"protocol"`
	Endpoint     string        `json:"endpoint" mapstructure:"endpoint"`
	Auth         AuthConfig    `json:"auth" mapstructure:"auth"`
	Capabilities CapabilitySet `json:"capabilities" mapstructure:"capabilities"`

	// WebhookURL is where the vendor delivers callbacks. Required when the
	// webhooks capability is declared.
	WebhookURL string `json:"webhook_url,omitempty" mapstructure:"webhook_url"`
	// StatusPath is the status-inquiry endpoint path. Required when the
	// status-inquiry capability is declared on a REST vendor.
	StatusPath string `json:"status_path,omitempty" mapstructure:"status_path"`

	MaxConcurrent  int           `json:"max_concurrent" mapstructure:"max_concurrent"`
	ConnectTimeout time.Duration `json:"connect_timeout" mapstructure:"connect_timeout"`
	RequestTimeout time.Duration `json:"request_timeout" mapstructure:"request_timeout"`
	MaxRetries     int           `json:"max_retries" mapstructure:"max_retries"`
	RetryBackoff   time.Duration `json:"retry_backoff" mapstructure:"retry_backoff"`
}

const (
	defaultConnectTimeout = 5 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

// Validate checks the schema's mandatory fields and applies defaults for
// the optional ones.
func (c *VendorConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("vendor config: name is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("vendor %s: endpoint is required", c.Name)
	}
	switch c.Protocol {
	case "":
		c.Protocol = ProtocolREST
	case ProtocolREST, ProtocolX12:
	default:
		return fmt.Errorf("vendor %s: unknown protocol %q", c.Name, c.Protocol)
	}
	switch c.Auth.Mode {
	case AuthNone:
	case AuthStaticKey:
		if c.Auth.APIKey == "" {
			return fmt.Errorf("vendor %s: static-key auth requires api_key", c.Name)
		}
	case AuthBasic:
		if c.Auth.Username == "" || c.Auth.Password == "" {
			return fmt.Errorf("vendor %s: basic auth requires username and password", c.Name)
		}
	case AuthTokenExchange:
		if c.Auth.TokenURL == "" || c.Auth.ClientID == "" || c.Auth.PrivateKeyPEM == "" {
			return fmt.Errorf("vendor %s: token-exchange auth requires token_url, client_id and private_key_pem", c.Name)
		}
	case "":
		return fmt.Errorf("vendor %s: auth mode is required", c.Name)
	default:
		return fmt.Errorf("vendor %s: unknown auth mode %q", c.Name, c.Auth.Mode)
	}
	if c.Capabilities.Webhooks && c.WebhookURL == "" {
		return fmt.Errorf("vendor %s: webhooks capability requires webhook_url", c.Name)
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("vendor %s: max_concurrent must not be negative", c.Name)
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	return nil
}

// LoadVendorFile reads per-vendor configuration from a JSON or YAML file.
// Each entry is validated before it is returned; a file that names the
// same vendor twice is rejected so registry setup fails loudly at startup.
func LoadVendorFile(path string) ([]VendorConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read vendor config %s: %w", path, err)
	}

	var file struct {
		Vendors []VendorConfig `mapstructure:"vendors"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("parse vendor config %s: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Vendors))
	for i := range file.Vendors {
		if err := file.Vendors[i].Validate(); err != nil {
			return nil, err
		}
		if seen[file.Vendors[i].Name] {
			return nil, fmt.Errorf("vendor %s: configured more than once", file.Vendors[i].Name)
		}
		seen[file.Vendors[i].Name] = true
	}
	return file.Vendors, nil
}
