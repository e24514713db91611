package bus

import (
	"context"
	"sort"

	"github.com/morezero/module-comms/pkg/commsutil"
	"github.com/morezero/module-comms/pkg/message"
)

// RequestFunc handles a request or command addressed to a module.
type RequestFunc func(ctx context.Context, msg *message.Message) (map[string]interface{}, error)

// EventFunc handles a published event or broadcast.
type EventFunc func(ctx context.Context, msg *message.Message) error

// DefaultAction is the fallback request handler key.
const DefaultAction = "*"

type topicHandler struct {
	pattern string
	fn      EventFunc
}

// ModuleHandler is the set of callbacks a module registers on the bus.
// It is built once during module initialisation and treated as read-only
// after Register.
//
//	h := bus.NewModuleHandler("pricing").
//		OnRequest("quote", quote).
//		OnEvent("catalog.>", reindex)
type ModuleHandler struct {
	moduleID  string
	requests  map[string]RequestFunc
	topics    []topicHandler
	broadcast EventFunc
}

// NewModuleHandler starts a handler for moduleID.
func NewModuleHandler(moduleID string) *ModuleHandler {
	return &ModuleHandler{
		moduleID: moduleID,
		requests: make(map[string]RequestFunc),
	}
}

// OnRequest handles requests and commands for action. Use DefaultAction to catch the rest.
func (h *ModuleHandler) OnRequest(action string, fn RequestFunc) *ModuleHandler {
	h.requests[action] = fn
	return h
}

// OnEvent subscribes fn to a topic or wildcard pattern.
func (h *ModuleHandler) OnEvent(topic string, fn EventFunc) *ModuleHandler {
	h.topics = append(h.topics, topicHandler{pattern: topic, fn: fn})
	return h
}

// OnBroadcast handles broadcasts whose topic no OnEvent pattern matches.
func (h *ModuleHandler) OnBroadcast(fn EventFunc) *ModuleHandler {
	h.broadcast = fn
	return h
}

// ModuleID returns the owning module.
func (h *ModuleHandler) ModuleID() string { return h.moduleID }

// Actions lists the registered request actions, sorted.
func (h *ModuleHandler) Actions() []string {
	out := make([]string, 0, len(h.requests))
	for a := range h.requests {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Topics lists the subscribed topic patterns in registration order.
func (h *ModuleHandler) Topics() []string {
	out := make([]string, 0, len(h.topics))
	for _, t := range h.topics {
		out = append(out, t.pattern)
	}
	return out
}

// SupportedTypes lists the message types this handler can receive.
func (h *ModuleHandler) SupportedTypes() []message.Type {
	var out []message.Type
	if len(h.requests) > 0 {
		out = append(out, message.TypeRequest, message.TypeCommand)
	}
	if len(h.topics) > 0 {
		out = append(out, message.TypeEvent)
	}
	if len(h.topics) > 0 || h.broadcast != nil {
		out = append(out, message.TypeBroadcast)
	}
	return out
}

// Supports reports whether t is among SupportedTypes.
func (h *ModuleHandler) Supports(t message.Type) bool {
	for _, s := range h.SupportedTypes() {
		if s == t {
			return true
		}
	}
	return false
}

func (h *ModuleHandler) request(action string) RequestFunc {
	if fn, ok := h.requests[action]; ok {
		return fn
	}
	return h.requests[DefaultAction]
}

// event returns the first handler whose pattern matches topic.
func (h *ModuleHandler) event(topic string) EventFunc {
	for _, t := range h.topics {
		if commsutil.MatchSubject(t.pattern, topic) {
			return t.fn
		}
	}
	return nil
}

func (h *ModuleHandler) forBroadcast(topic string) EventFunc {
	if fn := h.event(topic); fn != nil {
		return fn
	}
	return h.broadcast
}
