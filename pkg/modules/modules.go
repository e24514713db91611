// Package modules describes the feature modules that communicate through the
// substrate and the registry the façade consults for their status and
// security requirements.
package modules

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/morezero/module-comms/pkg/commserr"
)

// Status is a module's lifecycle state. Only Active modules may communicate.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusDisabled Status = "disabled"
)

// SecurityLevel is the protection a module demands from its callers.
type SecurityLevel int

const (
	SecurityNone SecurityLevel = iota
	SecurityBasic
	SecurityAuthenticated
	SecurityAuthorized
	SecurityEncrypted
)

var securityNames = []string{"none", "basic", "authenticated", "authorized", "encrypted"}

func (l SecurityLevel) String() string {
	if l < SecurityNone || l > SecurityEncrypted {
		return fmt.Sprintf("SecurityLevel(%d)", int(l))
	}
	return securityNames[l]
}

// RequiresCaller reports whether the level needs a resolved caller context.
func (l SecurityLevel) RequiresCaller() bool { return l >= SecurityAuthenticated }

// RequiresPermission reports whether the level needs an overlapping permission.
func (l SecurityLevel) RequiresPermission() bool { return l >= SecurityAuthorized }

// ParseSecurityLevel parses a level name. Empty means none.
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return SecurityNone, nil
	}
	for i, name := range securityNames {
		if name == s {
			return SecurityLevel(i), nil
		}
	}
	return SecurityNone, commserr.InvalidArgument("unknown security level %q", s)
}

// MarshalText encodes the level by name.
func (l SecurityLevel) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// UnmarshalText decodes a level name.
func (l *SecurityLevel) UnmarshalText(b []byte) error {
	v, err := ParseSecurityLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Info describes one module.
type Info struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name,omitempty"`
	Version             string        `json:"version,omitempty"`
	Status              Status        `json:"status"`
	SecurityLevel       SecurityLevel `json:"securityLevel"`
	RequiredPermissions []string      `json:"requiredPermissions,omitempty"`
}

// Active reports whether the module may take part in communication.
func (i Info) Active() bool { return i.Status == StatusActive }

// Registry is the module lookup the façade and discovery depend on.
type Registry interface {
	Get(moduleID string) (Info, bool)
	List() []Info
}

// StaticRegistry is an in-memory Registry populated at startup.
type StaticRegistry struct {
	mu      sync.RWMutex
	modules map[string]Info
}

// NewStaticRegistry creates a registry holding infos.
func NewStaticRegistry(infos ...Info) (*StaticRegistry, error) {
	r := &StaticRegistry{modules: make(map[string]Info)}
	for _, info := range infos {
		if err := r.Register(info); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces a module. A missing status defaults to active.
func (r *StaticRegistry) Register(info Info) error {
	if info.ID == "" {
		return commserr.InvalidArgument("module id is required")
	}
	if info.Status == "" {
		info.Status = StatusActive
	}
	info.RequiredPermissions = append([]string(nil), info.RequiredPermissions...)
	r.mu.Lock()
	r.modules[info.ID] = info
	r.mu.Unlock()
	return nil
}

// SetStatus changes a module's status.
func (r *StaticRegistry) SetStatus(moduleID string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.modules[moduleID]
	if !ok {
		return commserr.NotFound("module %q is not registered", moduleID)
	}
	info.Status = status
	r.modules[moduleID] = info
	return nil
}

// Remove deletes a module. It reports whether it existed.
func (r *StaticRegistry) Remove(moduleID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.modules[moduleID]
	delete(r.modules, moduleID)
	return ok
}

// Get returns a module by id.
func (r *StaticRegistry) Get(moduleID string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.modules[moduleID]
	return info, ok
}

// List returns all modules sorted by id.
func (r *StaticRegistry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.modules))
	for _, info := range r.modules {
		out = append(out, info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RequireActive returns a configuration error unless moduleID is registered and active.
func RequireActive(r Registry, moduleID string) (Info, error) {
	info, ok := r.Get(moduleID)
	if !ok {
		return Info{}, commserr.Configuration("module %q is not registered", moduleID)
	}
	if !info.Active() {
		return info, commserr.Configuration("module %q is %s", moduleID, info.Status)
	}
	return info, nil
}
