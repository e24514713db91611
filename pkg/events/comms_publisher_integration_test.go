package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/module-comms/pkg/eventbus"
	"github.com/morezero/module-comms/pkg/eventstore"
)

// startTestServer starts an in-process NATS server for testing.
func startTestServer(t *testing.T, port int) (*comms.Conn, func()) {
	t.Helper()

	opts := &commsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := commsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - failed to create server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("events:comms_publisher_integration_test - server failed to start")
	}

	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("events:comms_publisher_integration_test - failed to connect: %v", err)
	}

	cleanup := func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	}

	return nc, cleanup
}

func subscribeChanges(t *testing.T, nc *comms.Conn, subject string) chan *CapabilityChangedEvent {
	t.Helper()
	received := make(chan *CapabilityChangedEvent, 4)
	sub, err := nc.Subscribe(subject, func(msg *comms.Msg) {
		var event CapabilityChangedEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			t.Errorf("events:comms_publisher_integration_test - failed to unmarshal: %v", err)
			return
		}
		received <- &event
	})
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - failed to subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := nc.Flush(); err != nil {
		t.Fatalf("events:comms_publisher_integration_test - flush: %v", err)
	}
	return received
}

func TestCommsPublisher_GranularAndGlobalSubjects(t *testing.T) {
	nc, cleanup := startTestServer(t, 14230)
	defer cleanup()

	granular := subscribeChanges(t, nc, "comms.capability.changed.analytics.report_generate")
	global := subscribeChanges(t, nc, "comms.capability.changed")

	publisher := NewCommsPublisher(nc, nil)
	event := &CapabilityChangedEvent{
		ModuleID:     "analytics",
		CapabilityID: "report_generate",
		Name:         "Generate report",
		Version:      "2.1.0",
		Change:       ChangeAdvertised,
		Available:    true,
		Revision:     7,
		Timestamp:    "2026-01-01T00:00:00Z",
	}
	if err := publisher.PublishCapabilityChanged(context.Background(), event); err != nil {
		t.Fatalf("events:comms_publisher_integration_test - publish failed: %v", err)
	}

	for name, ch := range map[string]chan *CapabilityChangedEvent{"granular": granular, "global": global} {
		select {
		case got := <-ch:
			if *got != *event {
				t.Errorf("events:comms_publisher_integration_test - %s subject got %+v, want %+v", name, got, event)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("events:comms_publisher_integration_test - timeout waiting on %s subject", name)
		}
	}
}

func TestCommsPublisher_CustomGlobalSubject(t *testing.T) {
	nc, cleanup := startTestServer(t, 14231)
	defer cleanup()

	publisher := NewCommsPublisher(nc, &CommsPublisherOpts{GlobalSubject: "tenant-a.capabilities"})
	if publisher.GlobalSubject() != "tenant-a.capabilities" {
		t.Fatalf("events:comms_publisher_integration_test - global subject = %s", publisher.GlobalSubject())
	}
	granular := subscribeChanges(t, nc, "tenant-a.capabilities.billing.>")

	err := publisher.PublishCapabilityChanged(context.Background(), &CapabilityChangedEvent{
		ModuleID:     "billing",
		CapabilityID: "invoice.create",
		Change:       ChangeRemoved,
	})
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - publish failed: %v", err)
	}
	select {
	case got := <-granular:
		if got.Change != ChangeRemoved || got.Available {
			t.Errorf("events:comms_publisher_integration_test - got %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("events:comms_publisher_integration_test - timeout waiting for custom subject")
	}
}

func TestNewCommsPublisher_Defaults(t *testing.T) {
	tests := []struct {
		name string
		opts *CommsPublisherOpts
	}{
		{"nil opts", nil},
		{"empty subject", &CommsPublisherOpts{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewCommsPublisher(nil, tt.opts).GlobalSubject(); got != "comms.capability.changed" {
				t.Errorf("events:comms_publisher_integration_test - global subject = %s", got)
			}
		})
	}
}

func TestCommsPublisher_RejectsMalformedChange(t *testing.T) {
	// A nil connection proves validation runs before anything is sent.
	publisher := NewCommsPublisher(nil, nil)
	err := publisher.PublishCapabilityChanged(context.Background(), &CapabilityChangedEvent{ModuleID: "billing", Change: ChangeAdvertised})
	if err == nil {
		t.Error("events:comms_publisher_integration_test - expected error for change without capability id")
	}
}

func TestCommsMirror_RepublishesStoredEvents(t *testing.T) {
	nc, cleanup := startTestServer(t, 14232)
	defer cleanup()

	received := make(chan eventstore.DomainEvent, 1)
	sub, err := nc.Subscribe("comms.events.order.created", func(msg *comms.Msg) {
		var ev eventstore.DomainEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.Errorf("events:comms_publisher_integration_test - failed to unmarshal: %v", err)
			return
		}
		received <- ev
	})
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - failed to subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	_ = nc.Flush()

	bus := eventbus.NewBus(eventbus.NewBusParams{})
	bus.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = bus.Shutdown(ctx)
	}()

	if _, err := NewCommsMirror(nc, "").Attach(bus); err != nil {
		t.Fatalf("events:comms_publisher_integration_test - attach: %v", err)
	}
	stored, err := bus.Publish(context.Background(), eventbus.PublishParams{
		Name:        "order.created",
		Source:      "orders",
		AggregateID: "order-9",
		Payload:     map[string]interface{}{"total": 12.5},
	})
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - publish: %v", err)
	}

	select {
	case ev := <-received:
		if ev.Metadata.EventID != stored.Metadata.EventID || ev.Metadata.Version != 1 || ev.Payload["total"] != 12.5 {
			t.Errorf("events:comms_publisher_integration_test - mirrored event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("events:comms_publisher_integration_test - timeout waiting for mirrored event")
	}
}
