package events

import (
	"context"
	"fmt"
)

const publisherLogPrefix = "events:publisher"

// EventPublisher receives one call per effective capability change made by
// discovery: a first advertisement, an advertisement whose content changed, or
// a retraction. Re-advertising identical content produces no call. Revision
// increases with every change to the capability registry, so consumers can
// discard out-of-order deliveries. Errors are logged by the caller and never
// undo the change.
type EventPublisher interface {
	PublishCapabilityChanged(ctx context.Context, event *CapabilityChangedEvent) error
}

// NoOpPublisher discards capability changes. Discovery uses it when no
// publisher is configured.
type NoOpPublisher struct{}

// PublishCapabilityChanged is a no-op.
func (NoOpPublisher) PublishCapabilityChanged(context.Context, *CapabilityChangedEvent) error {
	return nil
}

// PublisherFunc adapts a function to EventPublisher. Malformed events are
// rejected before fn runs.
type PublisherFunc func(ctx context.Context, event *CapabilityChangedEvent) error

// PublishCapabilityChanged validates event and calls f.
func (f PublisherFunc) PublishCapabilityChanged(ctx context.Context, event *CapabilityChangedEvent) error {
	if err := ValidateChange(event); err != nil {
		return err
	}
	return f(ctx, event)
}

// ValidateChange checks that event names a module and a capability and
// carries a known change kind.
func ValidateChange(event *CapabilityChangedEvent) error {
	if event == nil {
		return fmt.Errorf("%s - nil capability change", publisherLogPrefix)
	}
	if event.ModuleID == "" || event.CapabilityID == "" {
		return fmt.Errorf("%s - capability change needs moduleId and capabilityId (got %q, %q)",
			publisherLogPrefix, event.ModuleID, event.CapabilityID)
	}
	switch event.Change {
	case ChangeAdvertised, ChangeUpdated, ChangeRemoved:
		return nil
	}
	return fmt.Errorf("%s - unknown capability change %q for %s.%s",
		publisherLogPrefix, event.Change, event.ModuleID, event.CapabilityID)
}
