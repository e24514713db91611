package eventstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/morezero/module-comms/pkg/commserr"
)

// memBackend is an unbounded in-memory Backend used to observe fallback reads.
type memBackend struct {
	mu        sync.Mutex
	events    []DomainEvent
	snapshots map[string]Snapshot
	loads     int
}

func newMemBackend() *memBackend {
	return &memBackend{snapshots: make(map[string]Snapshot)}
}

func (m *memBackend) AppendEvent(_ context.Context, ev DomainEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memBackend) LoadEvents(_ context.Context, agg string, from, to int64, limit int) ([]DomainEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	var out []DomainEvent
	for _, ev := range m.events {
		if ev.Metadata.AggregateID != agg || ev.Metadata.Version < from || (to > 0 && ev.Metadata.Version > to) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metadata.Version < out[j].Metadata.Version })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memBackend) QueryEvents(_ context.Context, f Filter) ([]DomainEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DomainEvent
	for _, ev := range m.events {
		if f.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memBackend) LatestVersion(_ context.Context, agg string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var v int64
	for _, ev := range m.events {
		if ev.Metadata.AggregateID == agg && ev.Metadata.Version > v {
			v = ev.Metadata.Version
		}
	}
	return v, nil
}

func (m *memBackend) SaveSnapshot(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.AggregateID] = snap
	return nil
}

func (m *memBackend) LoadSnapshot(_ context.Context, agg string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[agg]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func appendN(t *testing.T, s *Store, agg string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := s.Append(context.Background(), DomainEvent{
			Name:     "order.updated",
			Payload:  map[string]interface{}{"i": i},
			Metadata: Metadata{AggregateID: agg, Source: "orders", Tags: []string{"orders"}},
		})
		if err != nil {
			t.Fatalf("eventstore:store_test - append %d: %v", i, err)
		}
	}
}

func TestAppend_AssignsGaplessVersions(t *testing.T) {
	s := NewStore(NewStoreParams{})
	appendN(t, s, "order-1", 3)
	appendN(t, s, "order-2", 2)

	events, err := s.GetEvents(context.Background(), Filter{AggregateID: "order-1"})
	if err != nil {
		t.Fatalf("eventstore:store_test - get: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("eventstore:store_test - got %d events, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Metadata.Version != int64(i+1) {
			t.Errorf("eventstore:store_test - event %d has version %d", i, ev.Metadata.Version)
		}
		if ev.Metadata.EventID == "" {
			t.Errorf("eventstore:store_test - event %d has no id", i)
		}
	}

	v, _ := s.GetAggregateVersion(context.Background(), "order-2")
	if v != 2 {
		t.Errorf("eventstore:store_test - order-2 version = %d, want 2", v)
	}
}

func TestAppend_VersionConflict(t *testing.T) {
	s := NewStore(NewStoreParams{})
	appendN(t, s, "acct", 2)

	tests := []struct {
		name    string
		version int64
		wantErr bool
	}{
		{"stale", 2, true},
		{"gap", 5, true},
		{"next", 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Append(context.Background(), DomainEvent{
				Name:     "acct.credited",
				Metadata: Metadata{AggregateID: "acct", Version: tt.version},
			})
			if tt.wantErr && !commserr.IsCode(err, commserr.CodeVersionConflict) {
				t.Errorf("eventstore:store_test - expected VERSION_CONFLICT, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("eventstore:store_test - unexpected error: %v", err)
			}
		})
	}
}

func TestAppend_Validation(t *testing.T) {
	s := NewStore(NewStoreParams{})
	if _, err := s.Append(context.Background(), DomainEvent{}); !commserr.IsCode(err, commserr.CodeInvalidArgument) {
		t.Errorf("eventstore:store_test - missing name: %v", err)
	}
	if _, err := s.Append(context.Background(), DomainEvent{Name: "x", Metadata: Metadata{Type: "weird"}}); !commserr.IsCode(err, commserr.CodeInvalidArgument) {
		t.Errorf("eventstore:store_test - bad type: %v", err)
	}
}

func TestGetEvents_Filters(t *testing.T) {
	s := NewStore(NewStoreParams{})
	ctx := context.Background()
	_, _ = s.Append(ctx, DomainEvent{Name: "user.created", Metadata: Metadata{Type: TypeDomain, Tags: []string{"users"}}})
	_, _ = s.Append(ctx, DomainEvent{Name: "job.failed", Metadata: Metadata{Type: TypeError, Tags: []string{"jobs", "alerts"}}})
	_, _ = s.Append(ctx, DomainEvent{Name: "user.deleted", Metadata: Metadata{Type: TypeDomain, Tags: []string{"users", "alerts"}}})

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"by tag", Filter{Tag: "alerts"}, []string{"job.failed", "user.deleted"}},
		{"by type", Filter{Type: TypeDomain}, []string{"user.created", "user.deleted"}},
		{"by name", Filter{Name: "job.failed"}, []string{"job.failed"}},
		{"limit", Filter{Limit: 1}, []string{"user.created"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.GetEvents(ctx, tt.filter)
			if err != nil {
				t.Fatalf("eventstore:store_test - get: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("eventstore:store_test - got %d events, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].Name != tt.want[i] {
					t.Errorf("eventstore:store_test - [%d] = %s, want %s", i, got[i].Name, tt.want[i])
				}
			}
		})
	}
}

func TestEviction_FallsBackToBackend(t *testing.T) {
	backend := newMemBackend()
	s := NewStore(NewStoreParams{Config: Config{Capacity: 3, StreamPageSize: 2}, Backend: backend})
	appendN(t, s, "order-1", 5)

	if st := s.Stats(); st.Events != 3 || st.Evicted != 2 {
		t.Errorf("eventstore:store_test - unexpected stats %+v", st)
	}

	events, err := s.Replay(context.Background(), "order-1", 0, 0, nil)
	if err != nil {
		t.Fatalf("eventstore:store_test - replay: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("eventstore:store_test - replay returned %d events, want 5", len(events))
	}
	for i, ev := range events {
		if ev.Metadata.Version != int64(i+1) {
			t.Errorf("eventstore:store_test - replay order broken at %d: version %d", i, ev.Metadata.Version)
		}
	}
	if backend.loads == 0 {
		t.Error("eventstore:store_test - expected evicted versions to be read from backend")
	}

	// Versions after the eviction point stay in memory.
	before := backend.loads
	recent, _ := s.GetEvents(context.Background(), Filter{AggregateID: "order-1", FromVersion: 4})
	if len(recent) != 2 || backend.loads != before {
		t.Errorf("eventstore:store_test - recent read: %d events, %d backend loads", len(recent), backend.loads-before)
	}

	// Version assignment survives eviction.
	appendN(t, s, "order-1", 1)
	if v, _ := s.GetAggregateVersion(context.Background(), "order-1"); v != 6 {
		t.Errorf("eventstore:store_test - version after eviction = %d, want 6", v)
	}
}

func TestStream_LazyAndRestartable(t *testing.T) {
	s := NewStore(NewStoreParams{Config: Config{StreamPageSize: 2}})
	appendN(t, s, "agg", 5)

	var seen []int64
	for ev, err := range s.Stream(context.Background(), "agg", 1) {
		if err != nil {
			t.Fatalf("eventstore:store_test - stream: %v", err)
		}
		seen = append(seen, ev.Metadata.Version)
		if len(seen) == 3 {
			break
		}
	}
	if len(seen) != 3 || seen[2] != 3 {
		t.Fatalf("eventstore:store_test - first pass saw %v", seen)
	}

	var rest []int64
	for ev, err := range s.Stream(context.Background(), "agg", seen[2]+1) {
		if err != nil {
			t.Fatalf("eventstore:store_test - stream: %v", err)
		}
		rest = append(rest, ev.Metadata.Version)
	}
	if len(rest) != 2 || rest[0] != 4 || rest[1] != 5 {
		t.Errorf("eventstore:store_test - restart saw %v, want [4 5]", rest)
	}
}

func TestReplay_BoundsAndHandler(t *testing.T) {
	s := NewStore(NewStoreParams{})
	appendN(t, s, "agg", 5)

	var handled []int64
	events, err := s.Replay(context.Background(), "agg", 2, 4, func(_ context.Context, ev DomainEvent) error {
		handled = append(handled, ev.Metadata.Version)
		return nil
	})
	if err != nil {
		t.Fatalf("eventstore:store_test - replay: %v", err)
	}
	if len(events) != 3 || len(handled) != 3 || handled[0] != 2 || handled[2] != 4 {
		t.Errorf("eventstore:store_test - replay [2,4] got events=%d handled=%v", len(events), handled)
	}
	if st := s.Stats(); st.Appended != 5 {
		t.Errorf("eventstore:store_test - replay wrote to the store: appended=%d", st.Appended)
	}

	_, err = s.Replay(context.Background(), "agg", 0, 0, func(_ context.Context, ev DomainEvent) error {
		if ev.Metadata.Version == 2 {
			return errors.New("projection broke")
		}
		return nil
	})
	if !commserr.IsCode(err, commserr.CodeHandlerFailure) {
		t.Errorf("eventstore:store_test - expected HANDLER_FAILURE from replay handler, got %v", err)
	}
}

func TestSnapshots(t *testing.T) {
	backend := newMemBackend()
	s := NewStore(NewStoreParams{Backend: backend})
	ctx := context.Background()

	if _, err := s.GetSnapshot(ctx, "agg"); !commserr.IsCode(err, commserr.CodeNotFound) {
		t.Errorf("eventstore:store_test - expected NOT_FOUND, got %v", err)
	}

	appendN(t, s, "agg", 3)
	snap, err := s.CreateSnapshot(ctx, "agg", map[string]interface{}{"total": 3})
	if err != nil {
		t.Fatalf("eventstore:store_test - create snapshot: %v", err)
	}
	if snap.Version != 3 {
		t.Errorf("eventstore:store_test - snapshot version = %d, want 3", snap.Version)
	}

	// A fresh store over the same backend finds the snapshot and the version.
	restarted := NewStore(NewStoreParams{Backend: backend})
	got, err := restarted.GetSnapshot(ctx, "agg")
	if err != nil {
		t.Fatalf("eventstore:store_test - get snapshot: %v", err)
	}
	if got.Data["total"] != 3 {
		t.Errorf("eventstore:store_test - snapshot data = %v", got.Data)
	}
	events, err := restarted.GetEvents(ctx, Filter{AggregateID: "agg"})
	if err != nil || len(events) != 3 {
		t.Errorf("eventstore:store_test - restarted read: %d events, err=%v", len(events), err)
	}
	appendN(t, restarted, "agg", 1)
	if v, _ := restarted.GetAggregateVersion(ctx, "agg"); v != 4 {
		t.Errorf("eventstore:store_test - restarted version = %d, want 4", v)
	}
}
