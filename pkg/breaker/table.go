package breaker

import (
	"sort"
	"sync"
	"time"
)

// Table lazily creates one breaker per destination.
type Table struct {
	cfg Config
	now func() time.Time

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewTable creates an empty breaker table sharing cfg.
func NewTable(cfg Config) *Table {
	return &Table{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for destination, creating it closed on first use.
func (t *Table) Get(destination string) *Breaker {
	t.mu.RLock()
	b, ok := t.breakers[destination]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok = t.breakers[destination]; ok {
		return b
	}
	b = New(destination, t.cfg)
	b.now = t.now
	t.breakers[destination] = b
	return b
}

// Reset forgets the breaker for destination.
func (t *Table) Reset(destination string) {
	t.mu.Lock()
	delete(t.breakers, destination)
	t.mu.Unlock()
}

// Snapshots returns every breaker's state sorted by destination.
func (t *Table) Snapshots() []Snapshot {
	t.mu.RLock()
	list := make([]*Breaker, 0, len(t.breakers))
	for _, b := range t.breakers {
		list = append(list, b)
	}
	t.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}
