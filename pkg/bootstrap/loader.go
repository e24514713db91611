package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/morezero/module-comms/pkg/discovery"
	"github.com/morezero/module-comms/pkg/modules"
)

const logPrefix = "bootstrap:loader"

// ManifestEnv names the environment variable read when no explicit path loads.
const ManifestEnv = "MANIFEST_FILE"

// LoadManifest loads the first readable manifest. Paths passed in are tried
// before MANIFEST_FILE, then config/manifest.json and manifest.json. An empty
// manifest is returned when none exists; a file that exists but does not
// parse is an error.
func LoadManifest(paths ...string) (*Manifest, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv(ManifestEnv); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/manifest.json", "manifest.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				slog.Warn(fmt.Sprintf("%s - Failed to read manifest %s: %v", logPrefix, p, err))
			}
			continue
		}
		m, err := ParseManifest(data)
		if err != nil {
			return nil, fmt.Errorf("%s - manifest %s: %w", logPrefix, p, err)
		}
		slog.Info(fmt.Sprintf("%s - Loaded manifest %s from %s (%d modules, %d capabilities)",
			logPrefix, m.Name, p, len(m.Modules), m.CapabilityCount()))
		return m, nil
	}

	slog.Info(fmt.Sprintf("%s - No manifest found, starting with an empty module registry", logPrefix))
	return &Manifest{Name: "empty"}, nil
}

// ParseManifest decodes and validates a manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%s - failed to parse manifest: %w", logPrefix, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate rejects manifests with missing or duplicate module ids.
func (m *Manifest) Validate() error {
	seen := make(map[string]bool, len(m.Modules))
	for i, mod := range m.Modules {
		if mod.ID == "" {
			return fmt.Errorf("%s - module %d has no id", logPrefix, i)
		}
		if seen[mod.ID] {
			return fmt.Errorf("%s - duplicate module id %q", logPrefix, mod.ID)
		}
		seen[mod.ID] = true
	}
	return nil
}

// MergeManifests returns base with override's modules replacing or adding to
// base's by id.
func MergeManifests(base, override *Manifest) *Manifest {
	merged := *base
	merged.Modules = append([]ManifestModule(nil), base.Modules...)
	index := make(map[string]int, len(merged.Modules))
	for i, mod := range merged.Modules {
		index[mod.ID] = i
	}
	for _, mod := range override.Modules {
		if i, ok := index[mod.ID]; ok {
			merged.Modules[i] = mod
			continue
		}
		index[mod.ID] = len(merged.Modules)
		merged.Modules = append(merged.Modules, mod)
	}
	if override.Version != "" {
		merged.Version = override.Version
	}
	return &merged
}

// ApplyResult summarises what Apply seeded.
type ApplyResult struct {
	Modules      int `json:"modules"`
	Capabilities int `json:"capabilities"`
	Skipped      int `json:"skipped"`
}

// Apply registers every module in reg and advertises the capabilities of
// active modules through disc. Capabilities that fail validation are logged
// and skipped.
func Apply(ctx context.Context, m *Manifest, reg *modules.StaticRegistry, disc *discovery.Service) (ApplyResult, error) {
	var res ApplyResult
	for _, mod := range m.Modules {
		if err := reg.Register(mod.Info()); err != nil {
			return res, fmt.Errorf("%s - register %s: %w", logPrefix, mod.ID, err)
		}
		res.Modules++
		if disc == nil {
			continue
		}
		for _, c := range mod.Capabilities {
			if _, err := disc.Advertise(ctx, mod.ID, c); err != nil {
				slog.Warn(fmt.Sprintf("%s - Skipping capability %s of %s: %v", logPrefix, c.ID, mod.ID, err))
				res.Skipped++
				continue
			}
			res.Capabilities++
		}
	}
	slog.Info(fmt.Sprintf("%s - Seeded %d modules and %d capabilities (%d skipped)",
		logPrefix, res.Modules, res.Capabilities, res.Skipped))
	return res, nil
}
