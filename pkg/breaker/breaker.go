// Package breaker implements per-destination circuit breakers.
package breaker

import (
	"sync"
	"time"

	"github.com/morezero/module-comms/pkg/commserr"
)

// State of a circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// DefaultConfig returns the default breaker thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	return c
}

// Snapshot is a point-in-time copy of a breaker.
type Snapshot struct {
	Destination         string     `json:"destination"`
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	OpenedAt            *time.Time `json:"openedAt,omitempty"`
	FailureThreshold    int        `json:"failureThreshold"`
	ResetTimeout        string     `json:"resetTimeout"`
}

// Breaker tracks consecutive failures for one destination.
//
// Closed admits everything. Open rejects until ResetTimeout has passed, then
// admits exactly one probe (HalfOpen). The probe's outcome closes or re-opens
// the circuit; a probe that ends without an outcome must call Release.
type Breaker struct {
	destination string
	cfg         Config
	now         func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// New creates a closed breaker.
func New(destination string, cfg Config) *Breaker {
	return &Breaker{
		destination: destination,
		cfg:         cfg.withDefaults(),
		now:         time.Now,
		state:       StateClosed,
	}
}

// Allow admits a call or returns a CIRCUIT_OPEN error.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return b.openErr()
		}
		b.state = StateHalfOpen
		b.probeInFlight = true
		return nil
	case StateHalfOpen:
		if b.probeInFlight {
			return b.openErr()
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

func (b *Breaker) openErr() error {
	return commserr.Newf(commserr.CodeCircuitOpen, "circuit open for %s", b.destination).
		WithDetails(map[string]interface{}{
			"destination":         b.destination,
			"consecutiveFailures": b.failures,
		})
}

// RecordSuccess closes the circuit and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probeInFlight = false
}

// RecordFailure counts a failure; reaching the threshold or failing a probe opens the circuit.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.probeInFlight = false
}

// Release frees a half-open probe slot without recording an outcome.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}
}

// State returns the current state without advancing Open to HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot copies the breaker's state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Destination:         b.destination,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		FailureThreshold:    b.cfg.FailureThreshold,
		ResetTimeout:        b.cfg.ResetTimeout.String(),
	}
	if b.state != StateClosed {
		at := b.openedAt
		s.OpenedAt = &at
	}
	return s
}
