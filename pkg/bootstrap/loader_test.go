package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/morezero/module-comms/pkg/discovery"
	"github.com/morezero/module-comms/pkg/modules"
)

const sampleManifest = `{
  "name": "shop",
  "version": "1.2.0",
  "modules": [
    {"id": "catalog", "name": "Catalog", "version": "2.1.0", "securityLevel": "basic",
     "capabilities": [
       {"id": "catalog.search", "name": "Search", "type": "api_endpoint", "version": "2.1.0", "tags": ["search"], "available": true},
       {"id": "catalog.broken", "name": "Broken", "type": "api_endpoint", "version": "not-a-version"}
     ]},
    {"id": "ledger", "securityLevel": "authorized", "requiredPermissions": ["ledger:write"]},
    {"id": "legacy", "status": "disabled"}
  ]
}`

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("bootstrap:loader_test - write: %v", err)
	}
	return p
}

func TestLoadManifest_ExplicitPath(t *testing.T) {
	m, err := LoadManifest(writeManifest(t, sampleManifest))
	if err != nil {
		t.Fatalf("bootstrap:loader_test - load: %v", err)
	}
	if m.Name != "shop" || len(m.Modules) != 3 || m.CapabilityCount() != 2 {
		t.Fatalf("bootstrap:loader_test - unexpected manifest %+v", m)
	}
	ledger, ok := m.Module("ledger")
	if !ok {
		t.Fatal("bootstrap:loader_test - ledger missing")
	}
	if ledger.SecurityLevel != modules.SecurityAuthorized || ledger.RequiredPermissions[0] != "ledger:write" {
		t.Errorf("bootstrap:loader_test - ledger = %+v", ledger)
	}
}

func TestLoadManifest_EnvAndFallback(t *testing.T) {
	t.Setenv(ManifestEnv, writeManifest(t, sampleManifest))
	m, err := LoadManifest("", filepath.Join(t.TempDir(), "missing.json"))
	if err != nil || m.Name != "shop" {
		t.Fatalf("bootstrap:loader_test - env manifest: %+v, %v", m, err)
	}

	t.Setenv(ManifestEnv, "")
	t.Chdir(t.TempDir())
	m, err = LoadManifest()
	if err != nil {
		t.Fatalf("bootstrap:loader_test - empty fallback: %v", err)
	}
	if len(m.Modules) != 0 {
		t.Errorf("bootstrap:loader_test - expected empty manifest, got %d modules", len(m.Modules))
	}
}

func TestParseManifest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"modules": [`},
		{"missing id", `{"modules": [{"name": "x"}]}`},
		{"duplicate id", `{"modules": [{"id": "a"}, {"id": "a"}]}`},
		{"bad security level", `{"modules": [{"id": "a", "securityLevel": "paranoid"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseManifest([]byte(tt.body)); err == nil {
				t.Error("bootstrap:loader_test - expected error")
			}
		})
	}

	if _, err := LoadManifest(writeManifest(t, `{"modules": [{"id": ""}]}`)); err == nil {
		t.Error("bootstrap:loader_test - expected invalid file to fail the load")
	}
}

func TestMergeManifests(t *testing.T) {
	base := &Manifest{Name: "base", Version: "1.0.0", Modules: []ManifestModule{{ID: "a"}, {ID: "b", Name: "old"}}}
	override := &Manifest{Version: "1.1.0", Modules: []ManifestModule{{ID: "b", Name: "new"}, {ID: "c"}}}

	merged := MergeManifests(base, override)
	if merged.Version != "1.1.0" || merged.Name != "base" || len(merged.Modules) != 3 {
		t.Fatalf("bootstrap:loader_test - merged = %+v", merged)
	}
	if b, _ := merged.Module("b"); b.Name != "new" {
		t.Errorf("bootstrap:loader_test - override not applied: %+v", b)
	}
	if b, _ := base.Module("b"); b.Name != "old" {
		t.Error("bootstrap:loader_test - base was mutated")
	}
}

func TestApply(t *testing.T) {
	m, err := ParseManifest([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("bootstrap:loader_test - parse: %v", err)
	}
	reg, _ := modules.NewStaticRegistry()
	disc := discovery.NewService(discovery.NewServiceParams{Modules: reg})

	res, err := Apply(context.Background(), m, reg, disc)
	if err != nil {
		t.Fatalf("bootstrap:loader_test - apply: %v", err)
	}
	if res.Modules != 3 || res.Capabilities != 1 || res.Skipped != 1 {
		t.Errorf("bootstrap:loader_test - result = %+v", res)
	}

	catalog, ok := reg.Get("catalog")
	if !ok || !catalog.Active() || catalog.SecurityLevel != modules.SecurityBasic {
		t.Errorf("bootstrap:loader_test - catalog = %+v", catalog)
	}
	if legacy, _ := reg.Get("legacy"); legacy.Active() {
		t.Error("bootstrap:loader_test - disabled module reported active")
	}

	matches, err := disc.DiscoverModules(context.Background(), discovery.Query{Tags: []string{"search"}})
	if err != nil || len(matches) != 1 || matches[0].ModuleID != "catalog" {
		t.Errorf("bootstrap:loader_test - discovery = %+v, %v", matches, err)
	}
}
