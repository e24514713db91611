// Package comms is the Communication Service: the single entry point feature
// modules use to reach the message bus, the event bus, the workflow engine
// and capability discovery. Every cross-module call is gated on module
// status and the target's security level, counted and audited.
package comms

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/module-comms/pkg/bus"
	"github.com/morezero/module-comms/pkg/commserr"
	"github.com/morezero/module-comms/pkg/discovery"
	"github.com/morezero/module-comms/pkg/eventbus"
	"github.com/morezero/module-comms/pkg/eventstore"
	"github.com/morezero/module-comms/pkg/message"
	"github.com/morezero/module-comms/pkg/modules"
	"github.com/morezero/module-comms/pkg/workflow"
)

const logPrefix = "comms:service"

// Headers set on bus messages sent through the façade.
const (
	HeaderCallerID = "comms-caller-id"
	HeaderTenantID = "comms-tenant-id"
	HeaderEventID  = "comms-event-id"
)

// Service is safe for concurrent use.
type Service struct {
	bus       *bus.Bus
	events    *eventbus.Bus
	workflows *workflow.Engine
	discovery *discovery.Service
	modules   modules.Registry
	auth      AuthProvider
	audit     AuditSink
	storePing func(ctx context.Context) error

	m metrics
}

// NewServiceParams holds parameters for NewService. Bus, Events, Workflows,
// Discovery and Modules are required.
type NewServiceParams struct {
	Bus       *bus.Bus
	Events    *eventbus.Bus
	Workflows *workflow.Engine
	Discovery *discovery.Service
	Modules   modules.Registry
	Auth      AuthProvider // defaults to ContextAuthProvider
	Audit     AuditSink    // defaults to NoOpAuditSink
	// StorePing checks the durable backing store for Health. Nil means memory only.
	StorePing func(ctx context.Context) error
}

// NewService creates the façade over already constructed components.
func NewService(params NewServiceParams) *Service {
	auth := params.Auth
	if auth == nil {
		auth = ContextAuthProvider{}
	}
	audit := params.Audit
	if audit == nil {
		audit = NoOpAuditSink{}
	}
	return &Service{
		bus:       params.Bus,
		events:    params.Events,
		workflows: params.Workflows,
		discovery: params.Discovery,
		modules:   params.Modules,
		auth:      auth,
		audit:     audit,
		storePing: params.StorePing,
	}
}

// Bus returns the underlying message bus.
func (s *Service) Bus() *bus.Bus { return s.bus }

// Events returns the underlying event bus.
func (s *Service) Events() *eventbus.Bus { return s.events }

// Workflows returns the underlying workflow engine.
func (s *Service) Workflows() *workflow.Engine { return s.workflows }

// Discovery returns the underlying discovery service.
func (s *Service) Discovery() *discovery.Service { return s.discovery }

// guard checks that source and target are active and that the caller may
// reach target. target may be empty for calls without one.
func (s *Service) guard(ctx context.Context, action, source, target string) (*Caller, error) {
	if _, err := modules.RequireActive(s.modules, source); err != nil {
		s.fail(ctx, action, source, target, nil, err)
		return nil, err
	}
	if target == "" {
		c, _ := CallerFrom(ctx)
		return c, nil
	}
	info, err := modules.RequireActive(s.modules, target)
	if err != nil {
		s.fail(ctx, action, source, target, nil, err)
		return nil, err
	}
	caller, err := authorize(ctx, s.auth, info)
	if err != nil {
		s.fail(ctx, action, source, target, caller, err)
		return nil, err
	}
	return caller, nil
}

// fail counts err under its category and audits it.
func (s *Service) fail(ctx context.Context, action, source, target string, caller *Caller, err error) {
	code := commserr.CodeOf(err)
	outcome := OutcomeFailed
	switch code {
	case commserr.CodeSecurity:
		s.m.securityViolations.Add(1)
		outcome = OutcomeDenied
		slog.Warn(fmt.Sprintf("%s - Security violation on %s %s -> %s: %v", logPrefix, action, source, target, err))
	case commserr.CodeConfiguration:
		s.m.configurationErrors.Add(1)
	default:
		s.m.communicationErrors.Add(1)
	}
	s.record(ctx, action, source, target, caller, outcome, code)
}

func (s *Service) record(ctx context.Context, action, source, target string, caller *Caller, outcome, code string) {
	entry := AuditEntry{
		Action:    action,
		Source:    source,
		Target:    target,
		Outcome:   outcome,
		Code:      code,
		Timestamp: time.Now().UTC(),
	}
	if caller != nil {
		entry.CallerID = caller.ID
		entry.TenantID = caller.TenantID
	}
	s.audit.Record(ctx, entry)
}

func callerHeaders(c *Caller, extra map[string]string) map[string]string {
	if c == nil && len(extra) == 0 {
		return nil
	}
	h := make(map[string]string, len(extra)+2)
	for k, v := range extra {
		h[k] = v
	}
	if c != nil {
		h[HeaderCallerID] = c.ID
		if c.TenantID != "" {
			h[HeaderTenantID] = c.TenantID
		}
	}
	return h
}

// RegisterHandler attaches a module's bus handler. The module must be active.
func (s *Service) RegisterHandler(ctx context.Context, h *bus.ModuleHandler) error {
	if _, err := modules.RequireActive(s.modules, h.ModuleID()); err != nil {
		s.fail(ctx, "register_handler", h.ModuleID(), "", nil, err)
		return err
	}
	if err := s.bus.Register(h); err != nil {
		s.fail(ctx, "register_handler", h.ModuleID(), "", nil, err)
		return err
	}
	s.record(ctx, "register_handler", h.ModuleID(), "", nil, OutcomeSuccess, "")
	return nil
}

// UnregisterHandler detaches a module's bus handler.
func (s *Service) UnregisterHandler(moduleID string) bool {
	return s.bus.Unregister(moduleID)
}

// RequestParams holds parameters for SendRequest and SendCommand.
type RequestParams struct {
	Source   string
	Target   string
	Action   string
	Data     map[string]interface{}
	Timeout  time.Duration
	Priority message.Priority
}

// SendRequest calls target's action handler and waits for its response.
func (s *Service) SendRequest(ctx context.Context, p RequestParams) (map[string]interface{}, error) {
	const action = "send_request"
	caller, err := s.guard(ctx, action, p.Source, p.Target)
	if err != nil {
		return nil, err
	}
	s.m.sent.Add(1)
	out, err := s.bus.SendRequest(ctx, bus.RequestParams{
		Sender:    p.Source,
		Recipient: p.Target,
		Action:    p.Action,
		Payload:   p.Data,
		Timeout:   p.Timeout,
		Priority:  p.Priority,
		Headers:   callerHeaders(caller, nil),
	})
	if err != nil {
		s.fail(ctx, action, p.Source, p.Target, caller, err)
		return nil, err
	}
	s.m.received.Add(1)
	s.record(ctx, action, p.Source, p.Target, caller, OutcomeSuccess, "")
	return out, nil
}

// SendCommand queues a request for target without waiting for the result.
// It returns the message id.
func (s *Service) SendCommand(ctx context.Context, p RequestParams) (string, error) {
	const action = "send_command"
	caller, err := s.guard(ctx, action, p.Source, p.Target)
	if err != nil {
		return "", err
	}
	id, err := s.bus.SendCommand(ctx, bus.RequestParams{
		Sender:    p.Source,
		Recipient: p.Target,
		Action:    p.Action,
		Payload:   p.Data,
		Timeout:   p.Timeout,
		Priority:  p.Priority,
		Headers:   callerHeaders(caller, nil),
	})
	if err != nil {
		s.fail(ctx, action, p.Source, p.Target, caller, err)
		return "", err
	}
	s.m.sent.Add(1)
	s.record(ctx, action, p.Source, p.Target, caller, OutcomeSuccess, "")
	return id, nil
}

// PublishEventParams holds parameters for PublishEvent.
type PublishEventParams struct {
	Source        string
	Name          string
	Data          map[string]interface{}
	AggregateID   string
	AggregateType string
	// Version is the expected aggregate version; 0 appends at the next one.
	Version       int64
	CorrelationID string
	CausationID   string
	Tags          []string
	Priority      message.Priority
}

// PublishEvent stores a domain event and dispatches it to event bus
// subscribers. Bus handlers subscribed to the event name receive it too.
// It returns the event id once the event is stored.
func (s *Service) PublishEvent(ctx context.Context, p PublishEventParams) (string, error) {
	const action = "publish_event"
	caller, err := s.guard(ctx, action, p.Source, "")
	if err != nil {
		return "", err
	}
	ev, err := s.events.Publish(ctx, eventbus.PublishParams{
		Name:          p.Name,
		Source:        p.Source,
		Type:          eventstore.TypeDomain,
		Payload:       p.Data,
		AggregateID:   p.AggregateID,
		AggregateType: p.AggregateType,
		Version:       p.Version,
		CorrelationID: p.CorrelationID,
		CausationID:   p.CausationID,
		Tags:          p.Tags,
		Priority:      p.Priority,
	})
	if err != nil {
		s.fail(ctx, action, p.Source, "", caller, err)
		return "", err
	}
	s.m.eventsPublished.Add(1)

	if s.bus.SubscriberCount(p.Name) > 0 {
		_, err := s.bus.PublishEvent(ctx, bus.EventParams{
			Sender:   p.Source,
			Topic:    p.Name,
			Payload:  p.Data,
			Priority: p.Priority,
			Headers:  callerHeaders(caller, map[string]string{HeaderEventID: ev.Metadata.EventID}),
		})
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - Event %s stored but bus fan-out failed: %v", logPrefix, ev.Metadata.EventID, err))
		}
	}
	s.record(ctx, action, p.Source, "", caller, OutcomeSuccess, "")
	return ev.Metadata.EventID, nil
}

// Subscribe registers handler on the event bus for an event name or pattern.
func (s *Service) Subscribe(ctx context.Context, moduleID, nameOrPattern string, handler eventbus.HandlerFunc) (string, error) {
	if _, err := s.guard(ctx, "subscribe", moduleID, ""); err != nil {
		return "", err
	}
	id, err := s.events.Subscribe(moduleID, nameOrPattern, handler)
	if err != nil {
		s.fail(ctx, "subscribe", moduleID, "", nil, err)
		return "", err
	}
	return id, nil
}

// Unsubscribe removes an event bus subscription.
func (s *Service) Unsubscribe(subscriptionID string) bool {
	return s.events.Unsubscribe(subscriptionID)
}

// RegisterWorkflow validates and registers a workflow definition.
func (s *Service) RegisterWorkflow(def workflow.Definition) error {
	return s.workflows.Register(def)
}

// StartWorkflow starts a workflow on behalf of source and returns the execution id.
func (s *Service) StartWorkflow(ctx context.Context, source, workflowID string, input map[string]interface{}) (string, error) {
	const action = "start_workflow"
	caller, err := s.guard(ctx, action, source, "")
	if err != nil {
		return "", err
	}
	id, err := s.workflows.StartWorkflow(ctx, workflowID, input)
	if err != nil {
		s.fail(ctx, action, source, "", caller, err)
		return "", err
	}
	s.m.workflowsTriggered.Add(1)
	s.record(ctx, action, source, "", caller, OutcomeSuccess, "")
	return id, nil
}

// GetExecutionStatus returns a snapshot of a workflow execution.
func (s *Service) GetExecutionStatus(executionID string) (workflow.Execution, error) {
	return s.workflows.GetExecution(executionID)
}

// CancelWorkflow stops scheduling further steps of an execution.
func (s *Service) CancelWorkflow(executionID string) bool {
	return s.workflows.Cancel(executionID)
}

// AdvertiseCapability publishes a capability for an active module.
func (s *Service) AdvertiseCapability(ctx context.Context, moduleID string, c discovery.Capability) (bool, error) {
	const action = "advertise_capability"
	if _, err := s.guard(ctx, action, moduleID, ""); err != nil {
		return false, err
	}
	changed, err := s.discovery.Advertise(ctx, moduleID, c)
	if err != nil {
		s.fail(ctx, action, moduleID, "", nil, err)
		return false, err
	}
	return changed, nil
}

// RemoveCapability retracts a capability.
func (s *Service) RemoveCapability(ctx context.Context, moduleID, capabilityID string) bool {
	return s.discovery.RemoveCapability(ctx, moduleID, capabilityID)
}

// DiscoverModules returns ranked capability matches.
func (s *Service) DiscoverModules(ctx context.Context, q discovery.Query) ([]discovery.Match, error) {
	return s.discovery.DiscoverModules(ctx, q)
}

// NegotiateCapability contracts consumer with provider's capability.
func (s *Service) NegotiateCapability(ctx context.Context, consumer, provider string, req discovery.Requirements) (discovery.Contract, error) {
	const action = "negotiate_capability"
	caller, err := s.guard(ctx, action, consumer, provider)
	if err != nil {
		return discovery.Contract{}, err
	}
	contract, err := s.discovery.NegotiateCapability(ctx, consumer, provider, req)
	if err != nil {
		s.fail(ctx, action, consumer, provider, caller, err)
		return discovery.Contract{}, err
	}
	s.record(ctx, action, consumer, provider, caller, OutcomeSuccess, "")
	return contract, nil
}

// Metrics returns the façade counters.
func (s *Service) Metrics() Metrics { return s.m.snapshot() }

// Snapshot is the full observability view served on /metrics.
type Snapshot struct {
	Comms       Metrics         `json:"comms"`
	Bus         bus.Stats       `json:"bus"`
	Events      eventbus.Stats  `json:"events"`
	Workflows   workflow.Stats  `json:"workflows"`
	Discovery   discovery.Stats `json:"discovery"`
	Subscribers map[string]int  `json:"subscribers"`
}

// Snapshot collects counters from every component.
func (s *Service) Snapshot() Snapshot {
	return Snapshot{
		Comms:       s.m.snapshot(),
		Bus:         s.bus.Stats(),
		Events:      s.events.Stats(),
		Workflows:   s.workflows.Stats(),
		Discovery:   s.discovery.Stats(),
		Subscribers: s.events.SubscriberCounts(),
	}
}

// HealthChecks holds individual health check results.
type HealthChecks struct {
	MessageBus bool   `json:"messageBus"`
	EventBus   bool   `json:"eventBus"`
	Workflows  bool   `json:"workflows"`
	Store      bool   `json:"store"`
	StoreError string `json:"storeError,omitempty"`
}

// HealthOutput is the response for Health.
type HealthOutput struct {
	Status    string       `json:"status"`
	Checks    HealthChecks `json:"checks"`
	Timestamp string       `json:"timestamp"`
}

// Health reports whether every component is running and the store is reachable.
func (s *Service) Health(ctx context.Context) *HealthOutput {
	checks := HealthChecks{
		MessageBus: s.bus.Running(),
		EventBus:   s.events.Running(),
		Workflows:  s.workflows.Running(),
		Store:      true,
	}
	if s.storePing != nil {
		if err := s.storePing(ctx); err != nil {
			checks.Store = false
			checks.StoreError = err.Error()
		}
	}

	status := "healthy"
	switch {
	case !checks.MessageBus || !checks.EventBus || !checks.Workflows:
		status = "unhealthy"
	case !checks.Store:
		status = "degraded"
	}
	return &HealthOutput{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
