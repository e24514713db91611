// Package bootstrap loads the module manifest that seeds the module registry
// and the capability catalog at startup.
package bootstrap

import (
	"github.com/morezero/module-comms/pkg/discovery"
	"github.com/morezero/module-comms/pkg/modules"
)

// ManifestModule is one module entry in the manifest.
type ManifestModule struct {
	ID                  string                 `json:"id"`
	Name                string                 `json:"name,omitempty"`
	Version             string                 `json:"version,omitempty"`
	Status              modules.Status         `json:"status,omitempty"`
	SecurityLevel       modules.SecurityLevel  `json:"securityLevel"`
	RequiredPermissions []string               `json:"requiredPermissions,omitempty"`
	Capabilities        []discovery.Capability `json:"capabilities,omitempty"`
}

// Info converts the entry to its registry form.
func (m ManifestModule) Info() modules.Info {
	return modules.Info{
		ID:                  m.ID,
		Name:                m.Name,
		Version:             m.Version,
		Status:              m.Status,
		SecurityLevel:       m.SecurityLevel,
		RequiredPermissions: m.RequiredPermissions,
	}
}

// Manifest is the root of a manifest file.
type Manifest struct {
	Name        string           `json:"name"`
	Version     string           `json:"version"`
	Description string           `json:"description,omitempty"`
	Modules     []ManifestModule `json:"modules"`
}

// Module returns the entry with the given id.
func (m *Manifest) Module(id string) (ManifestModule, bool) {
	for _, mod := range m.Modules {
		if mod.ID == id {
			return mod, true
		}
	}
	return ManifestModule{}, false
}

// CapabilityCount returns the number of capabilities across all modules.
func (m *Manifest) CapabilityCount() int {
	n := 0
	for _, mod := range m.Modules {
		n += len(mod.Capabilities)
	}
	return n
}
