package comms

import "sync/atomic"

type metrics struct {
	sent                atomic.Int64
	received            atomic.Int64
	eventsPublished     atomic.Int64
	workflowsTriggered  atomic.Int64
	securityViolations  atomic.Int64
	configurationErrors atomic.Int64
	communicationErrors atomic.Int64
}

// Metrics is a snapshot of the façade counters.
type Metrics struct {
	MessagesSent        int64 `json:"messagesSent"`
	MessagesReceived    int64 `json:"messagesReceived"`
	EventsPublished     int64 `json:"eventsPublished"`
	WorkflowsTriggered  int64 `json:"workflowsTriggered"`
	SecurityViolations  int64 `json:"securityViolations"`
	ConfigurationErrors int64 `json:"configurationErrors"`
	CommunicationErrors int64 `json:"communicationErrors"`
}

func (m *metrics) snapshot() Metrics {
	return Metrics{
		MessagesSent:        m.sent.Load(),
		MessagesReceived:    m.received.Load(),
		EventsPublished:     m.eventsPublished.Load(),
		WorkflowsTriggered:  m.workflowsTriggered.Load(),
		SecurityViolations:  m.securityViolations.Load(),
		ConfigurationErrors: m.configurationErrors.Load(),
		CommunicationErrors: m.communicationErrors.Load(),
	}
}
