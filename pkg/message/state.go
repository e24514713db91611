package message

import "time"

// Status is the processing status tracked alongside an envelope.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProcessing   Status = "processing"
	StatusRetrying     Status = "retrying"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusExpired      Status = "expired"
	StatusDeadLettered Status = "dead_lettered"
)

// Terminal reports whether no further processing will happen in this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusDeadLettered:
		return true
	}
	return false
}

// State is the mutable processing record for one message.
type State struct {
	MessageID  string    `json:"messageId"`
	RetryCount int       `json:"retryCount"`
	Status     Status    `json:"status"`
	LastError  string    `json:"lastError,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// CanRetry reports whether another attempt is within the message's retry budget.
func (s State) CanRetry(m *Message) bool {
	return s.RetryCount < m.Metadata.MaxRetries
}
