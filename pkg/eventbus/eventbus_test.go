package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/morezero/module-comms/pkg/commserr"
	"github.com/morezero/module-comms/pkg/eventstore"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := NewBus(NewBusParams{Config: Config{Workers: 4, HandlerTimeout: time.Second}})
	b.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b
}

func waitStatus(t *testing.T, b *Bus, eventID string, want eventstore.Status) StatusRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := b.EventStatus(eventID); ok && rec.Status == want {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := b.EventStatus(eventID)
	t.Fatalf("eventbus:eventbus_test - event %s status = %s, want %s", eventID, rec.Status, want)
	return rec
}

func TestPublish_StoresThenDispatchesExactAndPattern(t *testing.T) {
	b := newTestBus(t)

	var exact, pattern, other atomic.Int32
	_, _ = b.Subscribe("billing", "order.created", func(context.Context, eventstore.DomainEvent) error {
		exact.Add(1)
		return nil
	})
	_, _ = b.Subscribe("audit", "order.*", func(context.Context, eventstore.DomainEvent) error {
		pattern.Add(1)
		return nil
	})
	_, _ = b.Subscribe("crm", "user.>", func(context.Context, eventstore.DomainEvent) error {
		other.Add(1)
		return nil
	})

	ev, err := b.Publish(context.Background(), PublishParams{
		Name:        "order.created",
		Source:      "orders",
		AggregateID: "order-1",
		Payload:     map[string]interface{}{"total": 10},
	})
	if err != nil {
		t.Fatalf("eventbus:eventbus_test - publish: %v", err)
	}
	if _, ok := b.Store().Get(ev.Metadata.EventID); !ok {
		t.Fatal("eventbus:eventbus_test - event not in store after publish returned")
	}

	rec := waitStatus(t, b, ev.Metadata.EventID, eventstore.StatusProcessed)
	if rec.Handlers != 2 {
		t.Errorf("eventbus:eventbus_test - handlers = %d, want 2", rec.Handlers)
	}
	if exact.Load() != 1 || pattern.Load() != 1 || other.Load() != 0 {
		t.Errorf("eventbus:eventbus_test - calls exact=%d pattern=%d other=%d", exact.Load(), pattern.Load(), other.Load())
	}
}

func TestPublish_FailureIsolatedAndAggregated(t *testing.T) {
	b := newTestBus(t)

	var ok atomic.Int32
	_, _ = b.Subscribe("a", "job.done", func(context.Context, eventstore.DomainEvent) error {
		return errors.New("db down")
	})
	_, _ = b.Subscribe("b", "job.done", func(context.Context, eventstore.DomainEvent) error {
		panic("nil map")
	})
	_, _ = b.Subscribe("c", "job.done", func(context.Context, eventstore.DomainEvent) error {
		ok.Add(1)
		return nil
	})

	ev, err := b.Publish(context.Background(), PublishParams{Name: "job.done", Source: "jobs"})
	if err != nil {
		t.Fatalf("eventbus:eventbus_test - publish must not surface handler failures: %v", err)
	}
	rec := waitStatus(t, b, ev.Metadata.EventID, eventstore.StatusFailed)
	if rec.Failures != 2 || rec.Handlers != 3 {
		t.Errorf("eventbus:eventbus_test - failures=%d handlers=%d, want 2/3", rec.Failures, rec.Handlers)
	}
	if rec.Error == "" {
		t.Error("eventbus:eventbus_test - expected error summary")
	}
	if ok.Load() != 1 {
		t.Error("eventbus:eventbus_test - sibling handler did not complete")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus(t)
	var calls atomic.Int32
	id, _ := b.Subscribe("m", "ping", func(context.Context, eventstore.DomainEvent) error {
		calls.Add(1)
		return nil
	})
	if !b.Unsubscribe(id) {
		t.Fatal("eventbus:eventbus_test - unsubscribe returned false")
	}
	if b.Unsubscribe(id) {
		t.Error("eventbus:eventbus_test - double unsubscribe returned true")
	}

	ev, _ := b.Publish(context.Background(), PublishParams{Name: "ping", Source: "x"})
	rec := waitStatus(t, b, ev.Metadata.EventID, eventstore.StatusProcessed)
	if rec.Handlers != 0 || calls.Load() != 0 {
		t.Errorf("eventbus:eventbus_test - removed handler still invoked")
	}
}

func TestReplay_DeliversInOrderWithoutStoring(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := b.Publish(ctx, PublishParams{Name: "acct.credited", Source: "ledger", AggregateID: "acct-9"}); err != nil {
			t.Fatalf("eventbus:eventbus_test - publish %d: %v", i, err)
		}
	}
	appended := b.Store().Stats().Appended

	var mu sync.Mutex
	var versions []int64
	_, err := b.Replay(ctx, "acct-9", 0, 0, func(_ context.Context, ev eventstore.DomainEvent) error {
		mu.Lock()
		versions = append(versions, ev.Metadata.Version)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("eventbus:eventbus_test - replay: %v", err)
	}
	if len(versions) != 4 {
		t.Fatalf("eventbus:eventbus_test - replayed %d events, want 4", len(versions))
	}
	for i, v := range versions {
		if v != int64(i+1) {
			t.Errorf("eventbus:eventbus_test - replay[%d] version = %d", i, v)
		}
	}
	if b.Store().Stats().Appended != appended {
		t.Error("eventbus:eventbus_test - replay appended to the store")
	}
}

func TestReplay_NilHandlerUsesSubscribers(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	ev, _ := b.Publish(ctx, PublishParams{Name: "cart.updated", Source: "cart", AggregateID: "cart-1"})
	waitStatus(t, b, ev.Metadata.EventID, eventstore.StatusProcessed)

	var rebuilt atomic.Int32
	_, _ = b.Subscribe("projection", "cart.*", func(context.Context, eventstore.DomainEvent) error {
		rebuilt.Add(1)
		return nil
	})
	if _, err := b.Replay(ctx, "cart-1", 0, 0, nil); err != nil {
		t.Fatalf("eventbus:eventbus_test - replay: %v", err)
	}
	if rebuilt.Load() != 1 {
		t.Errorf("eventbus:eventbus_test - late subscriber saw %d replayed events, want 1", rebuilt.Load())
	}
}

func TestPublish_AfterShutdown(t *testing.T) {
	b := NewBus(NewBusParams{})
	b.Start()
	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("eventbus:eventbus_test - shutdown: %v", err)
	}
	_, err := b.Publish(context.Background(), PublishParams{Name: "x", Source: "y"})
	if !commserr.IsCode(err, commserr.CodeShutdown) {
		t.Errorf("eventbus:eventbus_test - expected SHUTDOWN, got %v", err)
	}
}

func TestSubscriberCounts(t *testing.T) {
	b := newTestBus(t)
	noop := func(context.Context, eventstore.DomainEvent) error { return nil }
	_, _ = b.Subscribe("a", "order.created", noop)
	_, _ = b.Subscribe("b", "order.created", noop)
	_, _ = b.Subscribe("c", "order.>", noop)

	counts := b.SubscriberCounts()
	if counts["order.created"] != 2 || counts["order.>"] != 1 {
		t.Errorf("eventbus:eventbus_test - counts = %v", counts)
	}
	if n := b.UnsubscribeModule("a"); n != 1 {
		t.Errorf("eventbus:eventbus_test - UnsubscribeModule removed %d", n)
	}
	if _, err := b.Subscribe("d", "", noop); !commserr.IsCode(err, commserr.CodeInvalidArgument) {
		t.Errorf("eventbus:eventbus_test - empty pattern accepted: %v", err)
	}
}
