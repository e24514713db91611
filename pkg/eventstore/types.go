// Package eventstore is an append-only, per-aggregate versioned event log
// with a bounded in-memory window over an optional durable backend.
package eventstore

import (
	"context"
	"time"

	"github.com/morezero/module-comms/pkg/message"
)

// EventType classifies a domain event.
type EventType string

const (
	TypeDomain       EventType = "domain"
	TypeSystem       EventType = "system"
	TypeWorkflow     EventType = "workflow"
	TypeIntegration  EventType = "integration"
	TypeNotification EventType = "notification"
	TypeAudit        EventType = "audit"
	TypeError        EventType = "error"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case TypeDomain, TypeSystem, TypeWorkflow, TypeIntegration, TypeNotification, TypeAudit, TypeError:
		return true
	}
	return false
}

// Status is the processing status of a stored event. The event itself never changes.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
	StatusReplaying  Status = "replaying"
	StatusArchived   Status = "archived"
)

// Metadata describes an event. Version and Sequence are assigned by the store.
type Metadata struct {
	EventID       string           `json:"eventId"`
	Type          EventType        `json:"type"`
	AggregateID   string           `json:"aggregateId,omitempty"`
	AggregateType string           `json:"aggregateType,omitempty"`
	Version       int64            `json:"version,omitempty"`
	Sequence      int64            `json:"sequence"`
	CorrelationID string           `json:"correlationId,omitempty"`
	CausationID   string           `json:"causationId,omitempty"`
	Source        string           `json:"source"`
	Priority      message.Priority `json:"priority"`
	Tags          []string         `json:"tags,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

// DomainEvent is an immutable record of something that happened.
type DomainEvent struct {
	Name     string                 `json:"name"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	Metadata Metadata               `json:"metadata"`
}

// HasTag reports whether the event carries tag.
func (e DomainEvent) HasTag(tag string) bool {
	for _, t := range e.Metadata.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Snapshot is a materialised aggregate state at a version.
type Snapshot struct {
	AggregateID string                 `json:"aggregateId"`
	Version     int64                  `json:"version"`
	Data        map[string]interface{} `json:"data"`
	CreatedAt   time.Time              `json:"createdAt"`
}

// Filter selects events. Zero fields do not constrain.
// Tag doubles as the event category.
type Filter struct {
	AggregateID string
	Name        string
	Type        EventType
	Tag         string
	FromVersion int64
	ToVersion   int64
	Limit       int
}

// Matches reports whether ev satisfies every set field except Limit.
func (f Filter) Matches(ev DomainEvent) bool {
	if f.AggregateID != "" && ev.Metadata.AggregateID != f.AggregateID {
		return false
	}
	if f.Name != "" && ev.Name != f.Name {
		return false
	}
	if f.Type != "" && ev.Metadata.Type != f.Type {
		return false
	}
	if f.Tag != "" && !ev.HasTag(f.Tag) {
		return false
	}
	if f.FromVersion > 0 && ev.Metadata.Version < f.FromVersion {
		return false
	}
	if f.ToVersion > 0 && ev.Metadata.Version > f.ToVersion {
		return false
	}
	return true
}

// Backend is the durable side of the store: ordered append, point lookup by
// key and range scan by aggregate.
type Backend interface {
	AppendEvent(ctx context.Context, ev DomainEvent) error
	LoadEvents(ctx context.Context, aggregateID string, fromVersion, toVersion int64, limit int) ([]DomainEvent, error)
	QueryEvents(ctx context.Context, f Filter) ([]DomainEvent, error)
	LatestVersion(ctx context.Context, aggregateID string) (int64, error)
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error)
}
