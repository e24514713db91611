// Package msgstore tracks in-flight deliveries and holds dead letters.
package msgstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/morezero/module-comms/pkg/commserr"
	"github.com/morezero/module-comms/pkg/message"
)

const logPrefix = "msgstore:store"

// DeadLetter is a delivery that exhausted its retry budget or could not be attempted.
type DeadLetter struct {
	Key         string           `json:"key"`
	Message     *message.Message `json:"message"`
	Destination string           `json:"destination"`
	Attempts    int              `json:"attempts"`
	Code        string           `json:"code"`
	Reason      string           `json:"reason"`
	FailedAt    time.Time        `json:"failedAt"`
}

// Backend persists dead letters beyond the in-memory window.
type Backend interface {
	SaveDeadLetter(ctx context.Context, dl DeadLetter) error
	DeleteDeadLetter(ctx context.Context, key string) error
	GetDeadLetter(ctx context.Context, key string) (*DeadLetter, error)
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}

// Config holds store limits.
type Config struct {
	DeadLetterCapacity int
}

// DefaultConfig returns the default store limits.
func DefaultConfig() Config {
	return Config{DeadLetterCapacity: 10000}
}

type entry struct {
	msg   *message.Message
	state message.State
}

// Store is safe for concurrent use.
type Store struct {
	cfg     Config
	backend Backend

	mu       sync.Mutex
	inflight map[string]*entry
	dead     map[string]DeadLetter
	order    []string
	total    int64
	evicted  int64
}

// NewStoreParams holds parameters for NewStore.
type NewStoreParams struct {
	Config  Config
	Backend Backend // optional
}

// NewStore creates a store. A nil Backend keeps dead letters in memory only.
func NewStore(params NewStoreParams) *Store {
	cfg := params.Config
	if cfg.DeadLetterCapacity <= 0 {
		cfg.DeadLetterCapacity = DefaultConfig().DeadLetterCapacity
	}
	return &Store{
		cfg:      cfg,
		backend:  params.Backend,
		inflight: make(map[string]*entry),
		dead:     make(map[string]DeadLetter),
	}
}

// Track registers a delivery under key with status pending.
func (s *Store) Track(key string, msg *message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[key] = &entry{
		msg:   msg,
		state: message.State{MessageID: msg.ID, Status: message.StatusPending, UpdatedAt: time.Now().UTC()},
	}
}

// State returns the processing state for key.
func (s *Store) State(key string) (message.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.inflight[key]
	if !ok {
		return message.State{}, false
	}
	return e.state, true
}

// SetStatus updates the status of a tracked delivery. Terminal states are never overwritten.
func (s *Store) SetStatus(key string, status message.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.inflight[key]
	if !ok || e.state.Status.Terminal() {
		return false
	}
	e.state.Status = status
	e.state.UpdatedAt = time.Now().UTC()
	return true
}

// RecordFailure increments the retry count and stores the error text. It returns the new count.
func (s *Store) RecordFailure(key string, err error) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.inflight[key]
	if !ok {
		return 0
	}
	e.state.RetryCount++
	e.state.Status = message.StatusRetrying
	if err != nil {
		e.state.LastError = err.Error()
	}
	e.state.UpdatedAt = time.Now().UTC()
	return e.state.RetryCount
}

// MarkExpired flags a delivery as expired so workers skip it. It reports whether the flag was set.
func (s *Store) MarkExpired(key string) bool {
	return s.SetStatus(key, message.StatusExpired)
}

// Complete removes a delivery from in-flight tracking.
func (s *Store) Complete(key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

// InFlight returns the number of tracked deliveries.
func (s *Store) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// DeadLetterParams holds parameters for DeadLetter.
type DeadLetterParams struct {
	Key         string
	Message     *message.Message
	Destination string
	Cause       error
}

// DeadLetter moves a delivery into the dead-letter store. It returns false if
// key was already dead-lettered, so each delivery is recorded exactly once.
func (s *Store) DeadLetter(ctx context.Context, params DeadLetterParams) bool {
	s.mu.Lock()
	if _, exists := s.dead[params.Key]; exists {
		s.mu.Unlock()
		return false
	}
	attempts := 0
	if e, ok := s.inflight[params.Key]; ok {
		if e.state.Status == message.StatusDeadLettered {
			s.mu.Unlock()
			return false
		}
		attempts = e.state.RetryCount + 1
		delete(s.inflight, params.Key)
	}

	dl := DeadLetter{
		Key:         params.Key,
		Message:     params.Message,
		Destination: params.Destination,
		Attempts:    attempts,
		Code:        commserr.CodeOf(params.Cause),
		FailedAt:    time.Now().UTC(),
	}
	if params.Cause != nil {
		dl.Reason = params.Cause.Error()
	}
	s.dead[dl.Key] = dl
	s.order = append(s.order, dl.Key)
	s.total++
	evicted := s.evictLocked()
	s.mu.Unlock()

	if s.backend == nil {
		for _, key := range evicted {
			slog.Warn(fmt.Sprintf("%s - dropped dead letter %s from memory: capacity %d reached and no durable backend", logPrefix, key, s.cfg.DeadLetterCapacity))
		}
	}

	slog.Warn(fmt.Sprintf("%s - dead-lettered %s for %s after %d attempt(s): %s", logPrefix, dl.Key, dl.Destination, dl.Attempts, dl.Reason))

	if s.backend != nil {
		if err := s.backend.SaveDeadLetter(ctx, dl); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to persist dead letter %s: %v", logPrefix, dl.Key, err))
		}
	}
	return true
}

// evictLocked trims the in-memory window and returns the evicted keys.
func (s *Store) evictLocked() []string {
	var evicted []string
	for len(s.order) > s.cfg.DeadLetterCapacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.dead, oldest)
		evicted = append(evicted, oldest)
	}
	s.evicted += int64(len(evicted))
	return evicted
}

// Get returns a dead letter, consulting the backend when it has left memory.
func (s *Store) Get(ctx context.Context, key string) (*DeadLetter, error) {
	s.mu.Lock()
	dl, ok := s.dead[key]
	s.mu.Unlock()
	if ok {
		return &dl, nil
	}
	if s.backend != nil {
		found, err := s.backend.GetDeadLetter(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("%s - get dead letter: %w", logPrefix, err)
		}
		if found != nil {
			return found, nil
		}
	}
	return nil, commserr.NotFound("dead letter %s not found", key)
}

// List returns the newest dead letters first, up to limit (0 = all in memory).
func (s *Store) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	s.mu.Lock()
	out := make([]DeadLetter, 0, len(s.dead))
	for _, dl := range s.dead {
		out = append(out, dl)
	}
	s.mu.Unlock()

	if s.backend != nil && limit > len(out) {
		stored, err := s.backend.ListDeadLetters(ctx, limit)
		if err != nil {
			return nil, fmt.Errorf("%s - list dead letters: %w", logPrefix, err)
		}
		seen := make(map[string]bool, len(out))
		for _, dl := range out {
			seen[dl.Key] = true
		}
		for _, dl := range stored {
			if !seen[dl.Key] {
				out = append(out, dl)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].FailedAt.After(out[j].FailedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Remove takes a dead letter out of the store, e.g. for a manual redrive.
func (s *Store) Remove(ctx context.Context, key string) (*DeadLetter, error) {
	dl, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	delete(s.dead, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if s.backend != nil {
		if err := s.backend.DeleteDeadLetter(ctx, key); err != nil {
			return nil, fmt.Errorf("%s - delete dead letter: %w", logPrefix, err)
		}
	}
	return dl, nil
}

// Stats summarises the store.
type Stats struct {
	InFlight           int   `json:"inFlight"`
	DeadLetters        int   `json:"deadLetters"`
	DeadLettersTotal   int64 `json:"deadLettersTotal"`
	DeadLetterCapacity int   `json:"deadLetterCapacity"`
	// DeadLettersEvicted counts dead letters pushed out of the in-memory
	// window. Without a backend they are gone.
	DeadLettersEvicted int64 `json:"deadLettersEvicted"`
}

// Stats returns current counts.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		InFlight:           len(s.inflight),
		DeadLetters:        len(s.dead),
		DeadLettersTotal:   s.total,
		DeadLetterCapacity: s.cfg.DeadLetterCapacity,
		DeadLettersEvicted: s.evicted,
	}
}
