// Package config loads runtime configuration from the environment (with
// an optional .env file for development). Every queue, worker and vendor
// knob lives here; nothing is hard-coded at call sites.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// Resource store (external FHIR collaborator).
	FHIRBaseURL string `mapstructure:"FHIR_BASE_URL"`
	FHIRToken   string `mapstructure:"FHIR_TOKEN"`

	// Queue and worker knobs.
	WorkerConcurrency  int `mapstructure:"WORKER_CONCURRENCY"`
	JobMaxAttempts     int `mapstructure:"JOB_MAX_ATTEMPTS"`
	JobBackoffBaseMS   int `mapstructure:"JOB_BACKOFF_BASE_MS"`
	JobPollIntervalMS  int `mapstructure:"JOB_POLL_INTERVAL_MS"`
	JobLeaseSeconds    int `mapstructure:"JOB_LEASE_SECONDS"`
	JobStallIntervalMS int `mapstructure:"JOB_STALL_INTERVAL_MS"`
	JobMaxStalls       int `mapstructure:"JOB_MAX_STALLS"`
	RetentionSucceeded int `mapstructure:"JOB_RETENTION_SUCCEEDED"`
	RetentionFailed    int `mapstructure:"JOB_RETENTION_FAILED"`

	// Vendor routing.
	VendorConfigFile string   `mapstructure:"VENDOR_CONFIG_FILE"`
	DefaultVendors   []string `mapstructure:"DEFAULT_VENDORS"`

	// Simulated latency bounds of the built-in local adapter.
	LocalVendorMinLatencyMS int `mapstructure:"LOCAL_VENDOR_MIN_LATENCY_MS"`
	LocalVendorMaxLatencyMS int `mapstructure:"LOCAL_VENDOR_MAX_LATENCY_MS"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"FHIR_BASE_URL", "FHIR_TOKEN",
	"WORKER_CONCURRENCY", "JOB_MAX_ATTEMPTS", "JOB_BACKOFF_BASE_MS",
	"JOB_POLL_INTERVAL_MS", "JOB_LEASE_SECONDS", "JOB_STALL_INTERVAL_MS",
	"JOB_MAX_STALLS", "JOB_RETENTION_SUCCEEDED", "JOB_RETENTION_FAILED",
	"VENDOR_CONFIG_FILE", "DEFAULT_VENDORS",
	"LOCAL_VENDOR_MIN_LATENCY_MS", "LOCAL_VENDOR_MAX_LATENCY_MS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("WORKER_CONCURRENCY", 5)
	v.SetDefault("JOB_MAX_ATTEMPTS", 3)
	v.SetDefault("JOB_BACKOFF_BASE_MS", 2000)
	v.SetDefault("JOB_POLL_INTERVAL_MS", 500)
	v.SetDefault("JOB_LEASE_SECONDS", 30)
	v.SetDefault("JOB_STALL_INTERVAL_MS", 15000)
	v.SetDefault("JOB_MAX_STALLS", 2)
	v.SetDefault("JOB_RETENTION_SUCCEEDED", 100)
	v.SetDefault("JOB_RETENTION_FAILED", 500)
	v.SetDefault("DEFAULT_VENDORS", "local")
	v.SetDefault("LOCAL_VENDOR_MIN_LATENCY_MS", 500)
	v.SetDefault("LOCAL_VENDOR_MAX_LATENCY_MS", 2000)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DefaultVendors == nil {
		if vendors := v.GetString("DEFAULT_VENDORS"); vendors != "" {
			cfg.DefaultVendors = strings.Split(vendors, ",")
		}
	}
	for i, name := range cfg.DefaultVendors {
		cfg.DefaultVendors[i] = strings.TrimSpace(name)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is safe to run with.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.FHIRBaseURL == "" {
		return fmt.Errorf("FHIR_BASE_URL is required")
	}
	if c.JobMaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1, got %d", c.JobMaxAttempts)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.WorkerConcurrency)
	}
	if c.LocalVendorMaxLatencyMS < c.LocalVendorMinLatencyMS {
		return fmt.Errorf("LOCAL_VENDOR_MAX_LATENCY_MS must not be below LOCAL_VENDOR_MIN_LATENCY_MS")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func (c *Config) JobBackoffBase() time.Duration {
	return time.Duration(c.JobBackoffBaseMS) * time.Millisecond
}

func (c *Config) JobPollInterval() time.Duration {
	return time.Duration(c.JobPollIntervalMS) * time.Millisecond
}

func (c *Config) JobLease() time.Duration {
	return time.Duration(c.JobLeaseSeconds) * time.Second
}

func (c *Config) JobStallInterval() time.Duration {
	return time.Duration(c.JobStallIntervalMS) * time.Millisecond
}

func (c *Config) LocalVendorLatency() (min, max time.Duration) {
	return time.Duration(c.LocalVendorMinLatencyMS) * time.Millisecond,
		time.Duration(c.LocalVendorMaxLatencyMS) * time.Millisecond
}
