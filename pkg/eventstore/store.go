package eventstore

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/module-comms/pkg/commserr"
)

const logPrefix = "eventstore:store"

// Config holds event store limits.
type Config struct {
	// Capacity is the maximum number of events kept in memory.
	Capacity int
	// StreamPageSize is the batch size used by Stream.
	StreamPageSize int
}

// DefaultConfig returns the default event store limits.
func DefaultConfig() Config {
	return Config{
		Capacity:       100000,
		StreamPageSize: 100,
	}
}

// Store keeps the newest Capacity events in memory with aggregate and tag
// indices. Evicted events are still served from the backend when one is set.
type Store struct {
	cfg     Config
	backend Backend

	mu         sync.RWMutex
	events     []*DomainEvent
	byID       map[string]*DomainEvent
	byAgg      map[string][]*DomainEvent
	byTag      map[string][]*DomainEvent
	versions   map[string]int64
	evictedAgg map[string]int64
	evicted    int64
	snapshots  map[string]Snapshot
	seq        int64
}

// NewStoreParams holds parameters for NewStore.
type NewStoreParams struct {
	Config  Config
	Backend Backend // optional
}

// NewStore creates an empty event store.
func NewStore(params NewStoreParams) *Store {
	cfg := params.Config
	d := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = d.Capacity
	}
	if cfg.StreamPageSize <= 0 {
		cfg.StreamPageSize = d.StreamPageSize
	}
	return &Store{
		cfg:        cfg,
		backend:    params.Backend,
		byID:       make(map[string]*DomainEvent),
		byAgg:      make(map[string][]*DomainEvent),
		byTag:      make(map[string][]*DomainEvent),
		versions:   make(map[string]int64),
		evictedAgg: make(map[string]int64),
		snapshots:  make(map[string]Snapshot),
	}
}

// Append stores ev and returns it with id, version, sequence and timestamp filled in.
//
// For aggregate events a zero Version means "next"; any other value must equal
// the aggregate's current version plus one or VERSION_CONFLICT is returned.
// The backend write happens before the event becomes visible in memory.
func (s *Store) Append(ctx context.Context, ev DomainEvent) (DomainEvent, error) {
	if ev.Name == "" {
		return DomainEvent{}, commserr.InvalidArgument("event name is required")
	}
	if ev.Metadata.Type == "" {
		ev.Metadata.Type = TypeDomain
	}
	if !ev.Metadata.Type.Valid() {
		return DomainEvent{}, commserr.InvalidArgument("unknown event type %q", ev.Metadata.Type)
	}
	if ev.Metadata.EventID == "" {
		ev.Metadata.EventID = uuid.NewString()
	}
	if ev.Metadata.Timestamp.IsZero() {
		ev.Metadata.Timestamp = time.Now().UTC()
	}
	ev.Payload = clonePayload(ev.Payload)
	ev.Metadata.Tags = append([]string(nil), ev.Metadata.Tags...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byID[ev.Metadata.EventID]; dup {
		return DomainEvent{}, commserr.Newf(commserr.CodeVersionConflict, "event %s already stored", ev.Metadata.EventID)
	}

	if agg := ev.Metadata.AggregateID; agg != "" {
		last, err := s.currentVersionLocked(ctx, agg)
		if err != nil {
			return DomainEvent{}, err
		}
		switch {
		case ev.Metadata.Version == 0:
			ev.Metadata.Version = last + 1
		case ev.Metadata.Version != last+1:
			return DomainEvent{}, commserr.Newf(commserr.CodeVersionConflict,
				"aggregate %s is at version %d, cannot append version %d", agg, last, ev.Metadata.Version).
				WithDetails(map[string]interface{}{"aggregateId": agg, "current": last, "attempted": ev.Metadata.Version})
		}
	} else {
		ev.Metadata.Version = 0
	}
	ev.Metadata.Sequence = s.seq + 1

	if s.backend != nil {
		if err := s.backend.AppendEvent(ctx, ev); err != nil {
			return DomainEvent{}, commserr.Wrap(commserr.CodeInternal, err, fmt.Sprintf("persist event %s", ev.Metadata.EventID))
		}
	}

	s.seq++
	stored := ev
	s.events = append(s.events, &stored)
	s.byID[stored.Metadata.EventID] = &stored
	if agg := stored.Metadata.AggregateID; agg != "" {
		s.byAgg[agg] = append(s.byAgg[agg], &stored)
		s.versions[agg] = stored.Metadata.Version
	}
	for _, tag := range stored.Metadata.Tags {
		s.byTag[tag] = append(s.byTag[tag], &stored)
	}
	s.evictLocked()

	return stored, nil
}

func (s *Store) currentVersionLocked(ctx context.Context, aggregateID string) (int64, error) {
	if v, ok := s.versions[aggregateID]; ok {
		return v, nil
	}
	if s.backend == nil {
		return 0, nil
	}
	v, err := s.backend.LatestVersion(ctx, aggregateID)
	if err != nil {
		return 0, commserr.Wrap(commserr.CodeInternal, err, fmt.Sprintf("load version for %s", aggregateID))
	}
	s.versions[aggregateID] = v
	if v > 0 {
		// Everything up to v lives only in the backend.
		s.evictedAgg[aggregateID] = v
	}
	return v, nil
}

func (s *Store) evictLocked() {
	for len(s.events) > s.cfg.Capacity {
		oldest := s.events[0]
		s.events[0] = nil
		s.events = s.events[1:]
		delete(s.byID, oldest.Metadata.EventID)

		if agg := oldest.Metadata.AggregateID; agg != "" {
			list := s.byAgg[agg]
			if len(list) > 0 && list[0] == oldest {
				list = list[1:]
			}
			if len(list) == 0 {
				delete(s.byAgg, agg)
			} else {
				s.byAgg[agg] = list
			}
			s.evictedAgg[agg] = oldest.Metadata.Version
		}
		for _, tag := range oldest.Metadata.Tags {
			list := s.byTag[tag]
			if len(list) > 0 && list[0] == oldest {
				list = list[1:]
			}
			if len(list) == 0 {
				delete(s.byTag, tag)
			} else {
				s.byTag[tag] = list
			}
		}
		s.evicted++
	}
}

// GetEvents returns matching events in append order (version order within an aggregate).
func (s *Store) GetEvents(ctx context.Context, f Filter) ([]DomainEvent, error) {
	s.mu.RLock()
	var (
		source     []*DomainEvent
		useBackend bool
	)
	switch {
	case f.AggregateID != "":
		source = s.byAgg[f.AggregateID]
		if s.backend != nil {
			// Unknown aggregates may predate this process.
			_, known := s.versions[f.AggregateID]
			evictedUpTo := s.evictedAgg[f.AggregateID]
			useBackend = !known || (evictedUpTo > 0 && f.FromVersion <= evictedUpTo)
		}
	case f.Tag != "":
		source = s.byTag[f.Tag]
		useBackend = s.backend != nil && s.evicted > 0
	default:
		source = s.events
		useBackend = s.backend != nil && s.evicted > 0
	}
	out := make([]DomainEvent, 0, min(len(source), limitOr(f.Limit, len(source))))
	if !useBackend {
		for _, ev := range source {
			if !f.Matches(*ev) {
				continue
			}
			out = append(out, *ev)
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
	}
	s.mu.RUnlock()

	if !useBackend {
		return out, nil
	}

	var (
		stored []DomainEvent
		err    error
	)
	if f.AggregateID != "" && f.Name == "" && f.Type == "" && f.Tag == "" {
		stored, err = s.backend.LoadEvents(ctx, f.AggregateID, f.FromVersion, f.ToVersion, f.Limit)
	} else {
		stored, err = s.backend.QueryEvents(ctx, f)
	}
	if err != nil {
		return nil, fmt.Errorf("%s - backend query: %w", logPrefix, err)
	}
	slog.Debug(fmt.Sprintf("%s - served %d event(s) from backend (aggregate=%q)", logPrefix, len(stored), f.AggregateID))
	return stored, nil
}

func limitOr(limit, fallback int) int {
	if limit > 0 {
		return limit
	}
	return fallback
}

// Stream lazily yields an aggregate's events from fromVersion onward, paging
// through the store. Iteration can be stopped and restarted at any version.
func (s *Store) Stream(ctx context.Context, aggregateID string, fromVersion int64) iter.Seq2[DomainEvent, error] {
	return func(yield func(DomainEvent, error) bool) {
		next := fromVersion
		if next < 1 {
			next = 1
		}
		for {
			if err := ctx.Err(); err != nil {
				yield(DomainEvent{}, err)
				return
			}
			page, err := s.GetEvents(ctx, Filter{AggregateID: aggregateID, FromVersion: next, Limit: s.cfg.StreamPageSize})
			if err != nil {
				yield(DomainEvent{}, err)
				return
			}
			if len(page) == 0 {
				return
			}
			for _, ev := range page {
				if !yield(ev, nil) {
					return
				}
				next = ev.Metadata.Version + 1
			}
			if len(page) < s.cfg.StreamPageSize {
				return
			}
		}
	}
}

// ReplayHandler receives replayed events.
type ReplayHandler func(ctx context.Context, ev DomainEvent) error

// Replay reads an aggregate's events in [fromVersion, toVersion] (toVersion 0 = latest)
// and passes each to handler when one is given. It never writes to the store.
func (s *Store) Replay(ctx context.Context, aggregateID string, fromVersion, toVersion int64, handler ReplayHandler) ([]DomainEvent, error) {
	var out []DomainEvent
	for ev, err := range s.Stream(ctx, aggregateID, fromVersion) {
		if err != nil {
			return out, err
		}
		if toVersion > 0 && ev.Metadata.Version > toVersion {
			break
		}
		if handler != nil {
			if err := handler(ctx, ev); err != nil {
				return out, commserr.Wrap(commserr.CodeHandlerFailure, err,
					fmt.Sprintf("replay of %s stopped at version %d", aggregateID, ev.Metadata.Version))
			}
		}
		out = append(out, ev)
	}
	return out, nil
}

// Get returns a single event by id from memory.
func (s *Store) Get(eventID string) (DomainEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.byID[eventID]
	if !ok {
		return DomainEvent{}, false
	}
	return *ev, true
}

// GetAggregateVersion returns the last appended version of an aggregate (0 if none).
func (s *Store) GetAggregateVersion(ctx context.Context, aggregateID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentVersionLocked(ctx, aggregateID)
}

// CreateSnapshot records data as the aggregate's state at its current version.
func (s *Store) CreateSnapshot(ctx context.Context, aggregateID string, data map[string]interface{}) (Snapshot, error) {
	if aggregateID == "" {
		return Snapshot{}, commserr.InvalidArgument("aggregate id is required")
	}
	s.mu.Lock()
	version, err := s.currentVersionLocked(ctx, aggregateID)
	if err != nil {
		s.mu.Unlock()
		return Snapshot{}, err
	}
	snap := Snapshot{
		AggregateID: aggregateID,
		Version:     version,
		Data:        clonePayload(data),
		CreatedAt:   time.Now().UTC(),
	}
	s.snapshots[aggregateID] = snap
	s.mu.Unlock()

	if s.backend != nil {
		if err := s.backend.SaveSnapshot(ctx, snap); err != nil {
			return Snapshot{}, fmt.Errorf("%s - save snapshot: %w", logPrefix, err)
		}
	}
	return snap, nil
}

// GetSnapshot returns the latest snapshot for an aggregate.
func (s *Store) GetSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	s.mu.RLock()
	snap, ok := s.snapshots[aggregateID]
	s.mu.RUnlock()
	if ok {
		return &snap, nil
	}
	if s.backend != nil {
		found, err := s.backend.LoadSnapshot(ctx, aggregateID)
		if err != nil {
			return nil, fmt.Errorf("%s - load snapshot: %w", logPrefix, err)
		}
		if found != nil {
			s.mu.Lock()
			s.snapshots[aggregateID] = *found
			s.mu.Unlock()
			return found, nil
		}
	}
	return nil, commserr.NotFound("no snapshot for aggregate %s", aggregateID)
}

// Stats summarises the in-memory window.
type Stats struct {
	Events     int   `json:"events"`
	Capacity   int   `json:"capacity"`
	Aggregates int   `json:"aggregates"`
	Tags       int   `json:"tags"`
	Evicted    int64 `json:"evicted"`
	Appended   int64 `json:"appended"`
	Snapshots  int   `json:"snapshots"`
	Durable    bool  `json:"durable"`
}

// Stats returns current counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Events:     len(s.events),
		Capacity:   s.cfg.Capacity,
		Aggregates: len(s.versions),
		Tags:       len(s.byTag),
		Evicted:    s.evicted,
		Appended:   s.seq,
		Snapshots:  len(s.snapshots),
		Durable:    s.backend != nil,
	}
}

func clonePayload(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
