// Package message defines the envelope types carried by the message bus.
package message

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type is the delivery kind of a message.
type Type string

const (
	TypeRequest   Type = "request"
	TypeResponse  Type = "response"
	TypeEvent     Type = "event"
	TypeCommand   Type = "command"
	TypeBroadcast Type = "broadcast"
)

// Valid reports whether t is a known message type.
func (t Type) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeEvent, TypeCommand, TypeBroadcast:
		return true
	}
	return false
}

// RequiresRecipient reports whether messages of this type must name a recipient.
func (t Type) RequiresRecipient() bool {
	return t == TypeRequest || t == TypeCommand || t == TypeResponse
}

// Priority orders delivery. Higher values are dequeued first; the zero value is normal.
type Priority int

const (
	PriorityLow      Priority = -1
	PriorityNormal   Priority = 0
	PriorityHigh     Priority = 1
	PriorityCritical Priority = 2
)

// Priorities lists every priority from highest to lowest.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the four defined priorities.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority parses a priority name; empty input yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityNormal, fmt.Errorf("message:message - unknown priority %q", s)
}

// Metadata carries routing and delivery parameters.
type Metadata struct {
	Sender        string            `json:"sender"`
	Recipient     string            `json:"recipient,omitempty"`
	Action        string            `json:"action,omitempty"`
	Topic         string            `json:"topic,omitempty"`
	CorrelationID string            `json:"correlationId"`
	Priority      Priority          `json:"priority"`
	MaxRetries    int               `json:"maxRetries"`
	CreatedAt     time.Time         `json:"createdAt"`
	ExpiresAt     *time.Time        `json:"expiresAt,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// Message is an immutable envelope. Processing state lives in State, never here.
type Message struct {
	ID       string                 `json:"id"`
	Type     Type                   `json:"type"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	Metadata Metadata               `json:"metadata"`
}

// NewParams holds parameters for New.
type NewParams struct {
	Type          Type
	Sender        string
	Recipient     string
	Action        string
	Topic         string
	CorrelationID string
	Payload       map[string]interface{}
	Priority      Priority
	MaxRetries    int
	TTL           time.Duration
	Headers       map[string]string
}

// New builds a message, assigning id, correlation id and timestamps.
func New(params NewParams) (*Message, error) {
	if !params.Type.Valid() {
		return nil, fmt.Errorf("message:message - invalid type %q", params.Type)
	}
	if params.Sender == "" {
		return nil, fmt.Errorf("message:message - sender is required")
	}
	if params.Type.RequiresRecipient() && params.Recipient == "" {
		return nil, fmt.Errorf("message:message - %s requires a recipient", params.Type)
	}
	if (params.Type == TypeEvent || params.Type == TypeBroadcast) && params.Topic == "" {
		return nil, fmt.Errorf("message:message - %s requires a topic", params.Type)
	}
	if params.Type == TypeResponse && params.CorrelationID == "" {
		return nil, fmt.Errorf("message:message - response requires a correlation id")
	}
	if !params.Priority.Valid() {
		return nil, fmt.Errorf("message:message - invalid priority %d", params.Priority)
	}
	if params.MaxRetries < 0 {
		return nil, fmt.Errorf("message:message - maxRetries must be >= 0")
	}

	id := uuid.NewString()
	corr := params.CorrelationID
	if corr == "" {
		corr = id
	}
	now := time.Now().UTC()
	var expires *time.Time
	if params.TTL > 0 {
		at := now.Add(params.TTL)
		expires = &at
	}

	return &Message{
		ID:      id,
		Type:    params.Type,
		Payload: copyPayload(params.Payload),
		Metadata: Metadata{
			Sender:        params.Sender,
			Recipient:     params.Recipient,
			Action:        params.Action,
			Topic:         params.Topic,
			CorrelationID: corr,
			Priority:      params.Priority,
			MaxRetries:    params.MaxRetries,
			CreatedAt:     now,
			ExpiresAt:     expires,
			Headers:       copyHeaders(params.Headers),
		},
	}, nil
}

// Expired reports whether the message TTL has elapsed at now.
func (m *Message) Expired(now time.Time) bool {
	return m.Metadata.ExpiresAt != nil && !now.Before(*m.Metadata.ExpiresAt)
}

// WithRecipient returns a copy addressed to recipient. Used for per-subscriber fan-out.
func (m *Message) WithRecipient(recipient string) *Message {
	cp := *m
	cp.Metadata.Recipient = recipient
	cp.Metadata.Headers = copyHeaders(m.Metadata.Headers)
	return &cp
}

func copyPayload(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyHeaders(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
