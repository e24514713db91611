package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/module-comms/pkg/commsutil"
	"github.com/morezero/module-comms/pkg/eventbus"
	"github.com/morezero/module-comms/pkg/eventstore"
)

const mirrorLogPrefix = "events:mirror"

// MirrorModuleID is the module id the mirror subscribes as.
const MirrorModuleID = "comms-mirror"

// CommsMirror republishes every stored domain event on
// <prefix>.<event name> so processes outside this one can observe the log.
type CommsMirror struct {
	nc     *comms.Conn
	prefix string
}

// NewCommsMirror creates a mirror. An empty prefix uses commsutil.SubjectEventPrefix.
func NewCommsMirror(nc *comms.Conn, prefix string) *CommsMirror {
	if prefix == "" {
		prefix = commsutil.SubjectEventPrefix
	}
	return &CommsMirror{nc: nc, prefix: prefix}
}

// Attach subscribes the mirror to all events on bus and returns the subscription id.
func (m *CommsMirror) Attach(bus *eventbus.Bus) (string, error) {
	return bus.Subscribe(MirrorModuleID, ">", m.Handle)
}

// Handle publishes one event. It is an eventbus.HandlerFunc.
func (m *CommsMirror) Handle(_ context.Context, ev eventstore.DomainEvent) error {
	data, err := commsutil.EncodePayload(ev)
	if err != nil {
		return fmt.Errorf("%s - failed to encode %s: %w", mirrorLogPrefix, ev.Metadata.EventID, err)
	}
	subject := commsutil.BuildEventSubject(m.prefix, ev.Name)
	if err := m.nc.Publish(subject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", mirrorLogPrefix, subject, err))
		return err
	}
	return nil
}
