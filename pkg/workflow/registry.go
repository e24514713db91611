package workflow

import (
	"sort"
	"sync"

	"github.com/morezero/module-comms/pkg/commserr"
)

// Registry maps handler names to step functions. Definitions are resolved
// against it once, when they are registered with the engine.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]StepFunc
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]StepFunc)}
}

// Register adds a handler. Names are unique.
func (r *Registry) Register(name string, fn StepFunc) error {
	if name == "" || fn == nil {
		return commserr.InvalidArgument("handler name and function are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return commserr.Configuration("workflow handler %q already registered", name)
	}
	r.handlers[name] = fn
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(name string, fn StepFunc) *Registry {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the handler for name.
func (r *Registry) Lookup(name string) (StepFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

// Names lists registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
