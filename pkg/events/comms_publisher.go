package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/module-comms/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// GlobalSubject overrides the subject every change is also published on
	// (CAPABILITY_CHANGE_SUBJECT).
	GlobalSubject string
}

// CommsPublisher publishes capability change events to COMMS subjects.
type CommsPublisher struct {
	nc            *comms.Conn
	globalSubject string
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	globalSubject := commsutil.SubjectCapabilityChanged
	if opts != nil && opts.GlobalSubject != "" {
		globalSubject = opts.GlobalSubject
	}
	return &CommsPublisher{nc: nc, globalSubject: globalSubject}
}

// GlobalSubject returns the subject every change is published on.
func (p *CommsPublisher) GlobalSubject() string { return p.globalSubject }

// PublishCapabilityChanged publishes the event to
// <global>.<module>.<capability> and to the global subject.
func (p *CommsPublisher) PublishCapabilityChanged(_ context.Context, event *CapabilityChangedEvent) error {
	if err := ValidateChange(event); err != nil {
		return err
	}
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}

	granularSubject := commsutil.BuildCapabilityChangeSubject(p.globalSubject, event.ModuleID, event.CapabilityID)
	if err := p.nc.Publish(granularSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, granularSubject, err))
		return err
	}
	if err := p.nc.Publish(p.globalSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, p.globalSubject, err))
		return err
	}

	slog.Debug(fmt.Sprintf("%s - Published %s for %s.%s", commsPublisherLogPrefix, event.Change, event.ModuleID, event.CapabilityID))
	return nil
}
