// Package discovery lets modules advertise capabilities, find each other and
// negotiate versioned contracts at runtime.
package discovery

import (
	"time"

	"github.com/morezero/module-comms/pkg/semver"
)

// CapabilityType categorises what a capability does.
type CapabilityType string

const (
	TypeAPIEndpoint   CapabilityType = "api_endpoint"
	TypeDataProcessor CapabilityType = "data_processor"
	TypeComputation   CapabilityType = "computation"
	TypeEventHandler  CapabilityType = "event_handler"
	TypeStorage       CapabilityType = "storage"
	TypeNotification  CapabilityType = "notification"
)

// Performance holds advertised performance characteristics used for ranking.
type Performance struct {
	AvgLatencyMs float64 `json:"avgLatencyMs,omitempty"`
	Throughput   float64 `json:"throughput,omitempty"`
	ErrorRate    float64 `json:"errorRate,omitempty"`
}

// Capability is something a module offers to others.
//
// Schemas are JSON-Schema style objects: {"type":"object","properties":{...}}.
// A map without "properties" is read as field name to field schema.
type Capability struct {
	ID                  string                 `json:"id"`
	Name                string                 `json:"name"`
	Type                CapabilityType         `json:"type"`
	Version             string                 `json:"version"`
	InputSchema         map[string]interface{} `json:"inputSchema,omitempty"`
	OutputSchema        map[string]interface{} `json:"outputSchema,omitempty"`
	RequiredPermissions []string               `json:"requiredPermissions,omitempty"`
	Tags                []string               `json:"tags,omitempty"`
	Performance         Performance            `json:"performance"`
	Available           bool                   `json:"available"`
}

// Query selects capabilities. Zero fields do not constrain.
type Query struct {
	CapabilityID       string           `json:"capabilityId,omitempty"`
	Types              []CapabilityType `json:"types,omitempty"`
	Tags               []string         `json:"tags,omitempty"`
	ExcludeModules     []string         `json:"excludeModules,omitempty"`
	VersionRange       string           `json:"versionRange,omitempty"`
	IncludeUnavailable bool             `json:"includeUnavailable,omitempty"`
	MaxResults         int              `json:"maxResults,omitempty"`
}

// Match is one ranked discovery result.
type Match struct {
	ModuleID   string     `json:"moduleId"`
	Capability Capability `json:"capability"`
	Score      float64    `json:"score"`
	// Ref pins this provider and version; ResolveCapability accepts it.
	Ref string `json:"ref"`
}

// Requirements is what a consumer needs from a provider's capability.
type Requirements struct {
	CapabilityID         string                 `json:"capabilityId"`
	Version              string                 `json:"version,omitempty"`
	InputSchema          map[string]interface{} `json:"inputSchema,omitempty"`
	OutputSchema         map[string]interface{} `json:"outputSchema,omitempty"`
	RequiredCapabilities []string               `json:"requiredCapabilities,omitempty"`
}

// Specification is the agreed interface recorded in a contract.
type Specification struct {
	CapabilityID         string                 `json:"capabilityId"`
	InputSchema          map[string]interface{} `json:"inputSchema,omitempty"`
	OutputSchema         map[string]interface{} `json:"outputSchema,omitempty"`
	RequiredCapabilities []string               `json:"requiredCapabilities,omitempty"`
}

// Contract binds a consumer to a provider capability at a compatible version.
type Contract struct {
	ID             string               `json:"id"`
	Type           CapabilityType       `json:"type"`
	Version        string               `json:"version"`
	ProviderModule string               `json:"providerModule"`
	ConsumerModule string               `json:"consumerModule"`
	Compatibility  semver.Compatibility `json:"compatibility"`
	Specification  Specification        `json:"specification"`
	CreatedAt      time.Time            `json:"createdAt"`
}

// ContractFilter selects contracts. A module id matches either side.
type ContractFilter struct {
	ModuleID     string `json:"moduleId,omitempty"`
	CapabilityID string `json:"capabilityId,omitempty"`
}
