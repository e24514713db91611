package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/morezero/module-comms/pkg/eventstore"
	"github.com/morezero/module-comms/pkg/message"
	"github.com/morezero/module-comms/pkg/msgstore"
)

// eventRow is the column form of a stored domain event, shared by both backends.
type eventRow struct {
	EventID       string
	Name          string
	Type          string
	AggregateID   string
	AggregateType string
	Version       int64
	Sequence      int64
	CorrelationID string
	CausationID   string
	Source        string
	Priority      int
	Tags          []byte
	Payload       []byte
	OccurredAt    time.Time
}

func toEventRow(ev eventstore.DomainEvent) (eventRow, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return eventRow{}, fmt.Errorf("db:models - encode payload of %s: %w", ev.Metadata.EventID, err)
	}
	tags, err := json.Marshal(nonNil(ev.Metadata.Tags))
	if err != nil {
		return eventRow{}, fmt.Errorf("db:models - encode tags of %s: %w", ev.Metadata.EventID, err)
	}
	m := ev.Metadata
	return eventRow{
		EventID:       m.EventID,
		Name:          ev.Name,
		Type:          string(m.Type),
		AggregateID:   m.AggregateID,
		AggregateType: m.AggregateType,
		Version:       m.Version,
		Sequence:      m.Sequence,
		CorrelationID: m.CorrelationID,
		CausationID:   m.CausationID,
		Source:        m.Source,
		Priority:      int(m.Priority),
		Tags:          tags,
		Payload:       payload,
		OccurredAt:    m.Timestamp.UTC(),
	}, nil
}

func (r eventRow) event() (eventstore.DomainEvent, error) {
	ev := eventstore.DomainEvent{
		Name: r.Name,
		Metadata: eventstore.Metadata{
			EventID:       r.EventID,
			Type:          eventstore.EventType(r.Type),
			AggregateID:   r.AggregateID,
			AggregateType: r.AggregateType,
			Version:       r.Version,
			Sequence:      r.Sequence,
			CorrelationID: r.CorrelationID,
			CausationID:   r.CausationID,
			Source:        r.Source,
			Priority:      message.Priority(r.Priority),
			Timestamp:     r.OccurredAt.UTC(),
		},
	}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &ev.Payload); err != nil {
			return ev, fmt.Errorf("db:models - decode payload of %s: %w", r.EventID, err)
		}
	}
	if len(r.Tags) > 0 {
		if err := json.Unmarshal(r.Tags, &ev.Metadata.Tags); err != nil {
			return ev, fmt.Errorf("db:models - decode tags of %s: %w", r.EventID, err)
		}
		if len(ev.Metadata.Tags) == 0 {
			ev.Metadata.Tags = nil
		}
	}
	return ev, nil
}

// deadLetterRow keeps the message as a JSON document.
type deadLetterRow struct {
	Key         string
	MessageID   string
	Destination string
	Attempts    int
	Code        string
	Reason      string
	Message     []byte
	FailedAt    time.Time
}

func toDeadLetterRow(dl msgstore.DeadLetter) (deadLetterRow, error) {
	msg, err := json.Marshal(dl.Message)
	if err != nil {
		return deadLetterRow{}, fmt.Errorf("db:models - encode dead letter %s: %w", dl.Key, err)
	}
	var id string
	if dl.Message != nil {
		id = dl.Message.ID
	}
	return deadLetterRow{
		Key:         dl.Key,
		MessageID:   id,
		Destination: dl.Destination,
		Attempts:    dl.Attempts,
		Code:        dl.Code,
		Reason:      dl.Reason,
		Message:     msg,
		FailedAt:    dl.FailedAt.UTC(),
	}, nil
}

func (r deadLetterRow) deadLetter() (msgstore.DeadLetter, error) {
	dl := msgstore.DeadLetter{
		Key:         r.Key,
		Destination: r.Destination,
		Attempts:    r.Attempts,
		Code:        r.Code,
		Reason:      r.Reason,
		FailedAt:    r.FailedAt.UTC(),
	}
	if len(r.Message) > 0 && string(r.Message) != "null" {
		var msg message.Message
		if err := json.Unmarshal(r.Message, &msg); err != nil {
			return dl, fmt.Errorf("db:models - decode dead letter %s: %w", r.Key, err)
		}
		dl.Message = &msg
	}
	return dl, nil
}

func encodeSnapshot(snap eventstore.Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap.Data)
	if err != nil {
		return nil, fmt.Errorf("db:models - encode snapshot of %s: %w", snap.AggregateID, err)
	}
	return data, nil
}

func decodeSnapshot(aggregateID string, version int64, data []byte, createdAt time.Time) (*eventstore.Snapshot, error) {
	snap := &eventstore.Snapshot{AggregateID: aggregateID, Version: version, CreatedAt: createdAt.UTC()}
	if err := json.Unmarshal(data, &snap.Data); err != nil {
		return nil, fmt.Errorf("db:models - decode snapshot of %s: %w", aggregateID, err)
	}
	return snap, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
