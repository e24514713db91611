// Package events publishes capability change notifications and mirrors
// domain events onto COMMS subjects for consumers outside the process.
package events

// Capability change kinds.
const (
	ChangeAdvertised = "advertised"
	ChangeUpdated    = "updated"
	ChangeRemoved    = "removed"
)

// CapabilityChangedEvent is emitted when a module advertises, updates or
// retracts a capability.
type CapabilityChangedEvent struct {
	ModuleID     string `json:"moduleId"`
	CapabilityID string `json:"capabilityId"`
	Name         string `json:"name"`
	Version      string `json:"version"`
	Change       string `json:"change"`
	Available    bool   `json:"available"`
	Revision     int64  `json:"revision"`
	Timestamp    string `json:"timestamp"`
}
