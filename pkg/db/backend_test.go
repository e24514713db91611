package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/morezero/module-comms/pkg/commserr"
	"github.com/morezero/module-comms/pkg/eventstore"
	"github.com/morezero/module-comms/pkg/message"
	"github.com/morezero/module-comms/pkg/msgstore"
)

const backendTestPrefix = "db:backend_test"

// backend is what both stores implement.
type backend interface {
	eventstore.Backend
	msgstore.Backend
}

func testEvent(agg string, version, seq int64, name string, tags ...string) eventstore.DomainEvent {
	return eventstore.DomainEvent{
		Name:    name,
		Payload: map[string]interface{}{"n": float64(seq), "nested": map[string]interface{}{"ok": true}},
		Metadata: eventstore.Metadata{
			EventID:     fmt.Sprintf("ev-%s-%d", agg, seq),
			Type:        eventstore.TypeDomain,
			AggregateID: agg,
			Version:     version,
			Sequence:    seq,
			Source:      "orders",
			Priority:    message.PriorityHigh,
			Tags:        tags,
			Timestamp:   time.Date(2026, 3, 1, 12, 0, int(seq), 0, time.UTC),
		},
	}
}

// exerciseBackend runs the same checks against any backend with an empty schema.
func exerciseBackend(t *testing.T, b backend) {
	t.Helper()
	ctx := context.Background()

	for i, ev := range []eventstore.DomainEvent{
		testEvent("order-1", 1, 1, "order.created", "orders"),
		testEvent("order-1", 2, 2, "order.paid", "orders", "billing"),
		testEvent("", 0, 3, "system.tick"),
		testEvent("order-1", 3, 4, "order.shipped", "orders"),
		testEvent("order-2", 1, 5, "order.created", "orders"),
	} {
		if err := b.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("%s - append %d: %v", backendTestPrefix, i, err)
		}
	}

	dup := testEvent("order-1", 2, 99, "order.paid")
	if err := b.AppendEvent(ctx, dup); !commserr.IsCode(err, commserr.CodeVersionConflict) {
		t.Errorf("%s - duplicate version err = %v, want VERSION_CONFLICT", backendTestPrefix, err)
	}

	v, err := b.LatestVersion(ctx, "order-1")
	if err != nil || v != 3 {
		t.Errorf("%s - LatestVersion = %d, %v; want 3", backendTestPrefix, v, err)
	}
	if v, _ := b.LatestVersion(ctx, "missing"); v != 0 {
		t.Errorf("%s - LatestVersion(missing) = %d", backendTestPrefix, v)
	}

	loaded, err := b.LoadEvents(ctx, "order-1", 2, 0, 0)
	if err != nil {
		t.Fatalf("%s - LoadEvents: %v", backendTestPrefix, err)
	}
	if len(loaded) != 2 || loaded[0].Metadata.Version != 2 || loaded[1].Name != "order.shipped" {
		t.Fatalf("%s - LoadEvents = %+v", backendTestPrefix, loaded)
	}
	got := loaded[0]
	if got.Metadata.Priority != message.PriorityHigh || got.Metadata.Source != "orders" || !got.HasTag("billing") {
		t.Errorf("%s - metadata not round-tripped: %+v", backendTestPrefix, got.Metadata)
	}
	if !got.Metadata.Timestamp.Equal(time.Date(2026, 3, 1, 12, 0, 2, 0, time.UTC)) {
		t.Errorf("%s - timestamp = %v", backendTestPrefix, got.Metadata.Timestamp)
	}
	if nested, ok := got.Payload["nested"].(map[string]interface{}); !ok || nested["ok"] != true {
		t.Errorf("%s - payload = %v", backendTestPrefix, got.Payload)
	}

	tests := []struct {
		name   string
		filter eventstore.Filter
		want   []string
	}{
		{"all in append order", eventstore.Filter{}, []string{"ev-order-1-1", "ev-order-1-2", "ev--3", "ev-order-1-4", "ev-order-2-5"}},
		{"by name", eventstore.Filter{Name: "order.created"}, []string{"ev-order-1-1", "ev-order-2-5"}},
		{"by tag", eventstore.Filter{Tag: "billing"}, []string{"ev-order-1-2"}},
		{"by version window", eventstore.Filter{AggregateID: "order-1", FromVersion: 1, ToVersion: 2}, []string{"ev-order-1-1", "ev-order-1-2"}},
		{"limit", eventstore.Filter{Tag: "orders", Limit: 2}, []string{"ev-order-1-1", "ev-order-1-2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evs, err := b.QueryEvents(ctx, tt.filter)
			if err != nil {
				t.Fatalf("%s - QueryEvents: %v", backendTestPrefix, err)
			}
			if len(evs) != len(tt.want) {
				t.Fatalf("%s - got %d events, want %v", backendTestPrefix, len(evs), tt.want)
			}
			for i, ev := range evs {
				if ev.Metadata.EventID != tt.want[i] {
					t.Errorf("%s - [%d] = %s, want %s", backendTestPrefix, i, ev.Metadata.EventID, tt.want[i])
				}
			}
		})
	}

	// Snapshots: an older version never replaces a newer one.
	if snap, err := b.LoadSnapshot(ctx, "order-1"); err != nil || snap != nil {
		t.Errorf("%s - LoadSnapshot before save = %+v, %v", backendTestPrefix, snap, err)
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	for _, s := range []eventstore.Snapshot{
		{AggregateID: "order-1", Version: 3, Data: map[string]interface{}{"state": "shipped"}, CreatedAt: now},
		{AggregateID: "order-1", Version: 2, Data: map[string]interface{}{"state": "paid"}, CreatedAt: now},
	} {
		if err := b.SaveSnapshot(ctx, s); err != nil {
			t.Fatalf("%s - SaveSnapshot: %v", backendTestPrefix, err)
		}
	}
	snap, err := b.LoadSnapshot(ctx, "order-1")
	if err != nil || snap == nil || snap.Version != 3 || snap.Data["state"] != "shipped" {
		t.Errorf("%s - LoadSnapshot = %+v, %v", backendTestPrefix, snap, err)
	}

	// Dead letters.
	msg, err := message.New(message.NewParams{Type: message.TypeRequest, Sender: "a", Recipient: "b", Action: "quote"})
	if err != nil {
		t.Fatalf("%s - message: %v", backendTestPrefix, err)
	}
	for i := 0; i < 3; i++ {
		dl := msgstore.DeadLetter{
			Key:         fmt.Sprintf("dl-%d", i),
			Message:     msg,
			Destination: "b",
			Attempts:    i + 1,
			Code:        commserr.CodeHandlerFailure,
			Reason:      "boom",
			FailedAt:    now.Add(time.Duration(i) * time.Second),
		}
		if err := b.SaveDeadLetter(ctx, dl); err != nil {
			t.Fatalf("%s - SaveDeadLetter: %v", backendTestPrefix, err)
		}
	}
	list, err := b.ListDeadLetters(ctx, 2)
	if err != nil || len(list) != 2 || list[0].Key != "dl-2" {
		t.Fatalf("%s - ListDeadLetters = %+v, %v", backendTestPrefix, list, err)
	}
	one, err := b.GetDeadLetter(ctx, "dl-1")
	if err != nil || one == nil || one.Message == nil || one.Message.ID != msg.ID || one.Attempts != 2 {
		t.Errorf("%s - GetDeadLetter = %+v, %v", backendTestPrefix, one, err)
	}
	if err := b.DeleteDeadLetter(ctx, "dl-1"); err != nil {
		t.Fatalf("%s - DeleteDeadLetter: %v", backendTestPrefix, err)
	}
	if gone, err := b.GetDeadLetter(ctx, "dl-1"); err != nil || gone != nil {
		t.Errorf("%s - deleted dead letter still present: %+v, %v", backendTestPrefix, gone, err)
	}
	if err := b.DeleteDeadLetter(ctx, "never"); err != nil {
		t.Errorf("%s - deleting unknown key: %v", backendTestPrefix, err)
	}
}

// exerciseEventStoreOverBackend checks that events evicted from the in-memory
// window are still served through the backend.
func exerciseEventStoreOverBackend(t *testing.T, b backend) {
	t.Helper()
	ctx := context.Background()
	store := eventstore.NewStore(eventstore.NewStoreParams{
		Config:  eventstore.Config{Capacity: 2, StreamPageSize: 2},
		Backend: b,
	})
	for i := 0; i < 5; i++ {
		if _, err := store.Append(ctx, eventstore.DomainEvent{
			Name:     "cart.item_added",
			Payload:  map[string]interface{}{"i": float64(i)},
			Metadata: eventstore.Metadata{AggregateID: "cart-9", Source: "cart"},
		}); err != nil {
			t.Fatalf("%s - append %d: %v", backendTestPrefix, i, err)
		}
	}
	evs, err := store.GetEvents(ctx, eventstore.Filter{AggregateID: "cart-9", FromVersion: 1})
	if err != nil {
		t.Fatalf("%s - GetEvents: %v", backendTestPrefix, err)
	}
	if len(evs) != 5 || evs[0].Metadata.Version != 1 || evs[4].Metadata.Version != 5 {
		t.Fatalf("%s - expected all 5 versions from the backend, got %d", backendTestPrefix, len(evs))
	}

	// A fresh store over the same backend continues the version sequence.
	reopened := eventstore.NewStore(eventstore.NewStoreParams{Backend: b})
	ev, err := reopened.Append(ctx, eventstore.DomainEvent{Name: "cart.checked_out", Metadata: eventstore.Metadata{AggregateID: "cart-9"}})
	if err != nil || ev.Metadata.Version != 6 {
		t.Errorf("%s - reopened append version = %d, %v", backendTestPrefix, ev.Metadata.Version, err)
	}
	_, err = reopened.Append(ctx, eventstore.DomainEvent{Name: "cart.stale", Metadata: eventstore.Metadata{AggregateID: "cart-9", Version: 3}})
	var ce *commserr.Error
	if !errors.As(err, &ce) || ce.Code != commserr.CodeVersionConflict {
		t.Errorf("%s - stale version err = %v", backendTestPrefix, err)
	}
}
