package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fhir-iq/fpas/internal/config"
	"github.com/fhir-iq/fpas/internal/domain/priorauth"
)

func testEngine(t *testing.T) *priorauth.Engine {
	t.Helper()
	engine, err := priorauth.NewEngine(nil)
	if err != nil {
		t.Fatalf("compile clinical rules: %v", err)
	}
	return engine
}

func writeVendorFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vendors.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write vendor file: %v", err)
	}
	return path
}

func TestBuildRegistry_LocalOnly(t *testing.T) {
	cfg := &config.Config{DefaultVendors: []string{"local"}}

	registry, err := buildRegistry(cfg, testEngine(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("buildRegistry: %v", err)
	}

	names := registry.Names()
	if len(names) != 1 || names[0] != "local" {
		t.Fatalf("expected [local], got %v", names)
	}
}

func TestBuildRegistry_VendorFile(t *testing.T) {
	path := writeVendorFile(t, `{
		"vendors": [
			{
				"name": "acme-pa",
				"endpoint": "https://pa.acme.example",
				"auth": {"mode": "static-key", "api_key": "k1"}
			},
			{
				"name": "legacy-278",
				"protocol": "x12-278",
				"endpoint": "https://edi.example/278",
				"auth": {"mode": "none"}
			}
		]
	}`)

	cfg := &config.Config{
		DefaultVendors:   []string{"acme-pa", "local"},
		VendorConfigFile: path,
	}

	registry, err := buildRegistry(cfg, testEngine(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("buildRegistry: %v", err)
	}

	for _, name := range []string{"local", "acme-pa", "legacy-278"} {
		if _, ok := registry.Get(name); !ok {
			t.Errorf("expected vendor %s to be registered", name)
		}
	}
}

func TestBuildRegistry_UnknownDefaultVendor(t *testing.T) {
	cfg := &config.Config{DefaultVendors: []string{"nonexistent"}}

	if _, err := buildRegistry(cfg, testEngine(t), zerolog.Nop()); err == nil {
		t.Fatal("expected error for unknown default vendor")
	}
}

func TestBuildRegistry_InvalidVendorFile(t *testing.T) {
	path := writeVendorFile(t, `{
		"vendors": [
			{"name": "broken", "auth": {"mode": "none"}}
		]
	}`)

	cfg := &config.Config{
		DefaultVendors:   []string{"local"},
		VendorConfigFile: path,
	}

	if _, err := buildRegistry(cfg, testEngine(t), zerolog.Nop()); err == nil {
		t.Fatal("expected error for vendor with no endpoint")
	}
}
