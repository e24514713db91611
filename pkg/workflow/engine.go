package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/morezero/module-comms/pkg/commserr"
	"github.com/morezero/module-comms/pkg/commsutil"
	"github.com/morezero/module-comms/pkg/eventbus"
	"github.com/morezero/module-comms/pkg/eventstore"
)

const (
	logPrefix      = "workflow:engine"
	instrumentName = "github.com/morezero/module-comms/pkg/workflow"

	// EngineModuleID is the module id the engine subscribes and publishes as.
	EngineModuleID = "workflow-engine"
)

// Lifecycle event names published on the event bus.
const (
	EventStarted   = "workflow.started"
	EventCompleted = "workflow.completed"
	EventFailed    = "workflow.failed"
	EventCancelled = "workflow.cancelled"
)

var stepIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Config holds engine limits.
type Config struct {
	MaxConcurrent      int
	DefaultStepTimeout time.Duration
	RetryBackoff       time.Duration
	Retention          time.Duration
	JanitorInterval    time.Duration
}

// DefaultConfig returns the default engine limits.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:      64,
		DefaultStepTimeout: 30 * time.Second,
		RetryBackoff:       100 * time.Millisecond,
		Retention:          time.Hour,
		JanitorInterval:    time.Minute,
	}
}

type compiledStep struct {
	Step
	index      int
	fn         StepFunc
	compensate StepFunc
	cond       *condition
}

type compiled struct {
	def   Definition
	steps []*compiledStep
	byID  map[string]*compiledStep
}

// Engine registers workflow definitions and runs their executions.
type Engine struct {
	cfg      Config
	handlers *Registry
	events   *eventbus.Bus
	tracer   trace.Tracer

	defMu    sync.RWMutex
	defs     map[string]*compiled
	triggers map[string]string

	execMu sync.RWMutex
	execs  map[string]*execution

	sem         *semaphore.Weighted
	intake      sync.RWMutex
	running     atomic.Bool
	ctx         context.Context
	cancel      context.CancelFunc
	work        sync.WaitGroup
	janitorDone chan struct{}

	started   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
}

// NewEngineParams holds parameters for NewEngine.
type NewEngineParams struct {
	Config   Config
	Handlers *Registry
	Events   *eventbus.Bus // optional; enables trigger events and lifecycle events
	Tracer   trace.Tracer
}

// NewEngine creates an engine. Call Start before starting workflows.
func NewEngine(params NewEngineParams) *Engine {
	cfg := params.Config
	d := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = d.MaxConcurrent
	}
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = d.DefaultStepTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = d.RetryBackoff
	}
	if cfg.Retention <= 0 {
		cfg.Retention = d.Retention
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = d.JanitorInterval
	}
	handlers := params.Handlers
	if handlers == nil {
		handlers = NewRegistry()
	}
	tracer := params.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentName)
	}
	return &Engine{
		cfg:      cfg,
		handlers: handlers,
		events:   params.Events,
		tracer:   tracer,
		defs:     make(map[string]*compiled),
		triggers: make(map[string]string),
		execs:    make(map[string]*execution),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// Handlers returns the step handler registry.
func (e *Engine) Handlers() *Registry { return e.handlers }

// Start enables executions and the retention janitor.
func (e *Engine) Start() {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.janitorDone = make(chan struct{})
	go e.janitor()
	slog.Info(fmt.Sprintf("%s - Workflow engine started (max %d concurrent executions)", logPrefix, e.cfg.MaxConcurrent))
}

// Running reports whether the engine accepts new executions.
func (e *Engine) Running() bool { return e.running.Load() }

// Register validates def, resolves its handlers and subscribes to its trigger
// events. Any missing handler or malformed step fails the registration.
func (e *Engine) Register(def Definition) error {
	c, err := e.compile(def)
	if err != nil {
		return err
	}

	e.defMu.Lock()
	defer e.defMu.Unlock()
	if _, exists := e.defs[def.ID]; exists {
		return commserr.Configuration("workflow %q already registered", def.ID)
	}
	if e.events != nil {
		for _, trigger := range def.TriggerEvents {
			if _, ok := e.triggers[trigger]; ok {
				continue
			}
			subID, err := e.events.Subscribe(EngineModuleID, trigger, e.onTrigger(trigger))
			if err != nil {
				return fmt.Errorf("%s - subscribe trigger %s: %w", logPrefix, trigger, err)
			}
			e.triggers[trigger] = subID
		}
	}
	e.defs[def.ID] = c

	slog.Info(fmt.Sprintf("%s - Registered workflow %s (%d steps, triggers=%v, parallel=%t)",
		logPrefix, def.ID, len(def.Steps), def.TriggerEvents, def.ParallelExecution))
	return nil
}

func (e *Engine) compile(def Definition) (*compiled, error) {
	if def.ID == "" {
		return nil, commserr.InvalidArgument("workflow id is required")
	}
	if len(def.Steps) == 0 {
		return nil, commserr.InvalidArgument("workflow %s has no steps", def.ID)
	}
	if def.Timeout < 0 {
		return nil, commserr.InvalidArgument("workflow %s has a negative timeout", def.ID)
	}

	c := &compiled{def: def, byID: make(map[string]*compiledStep, len(def.Steps))}
	for i, st := range def.Steps {
		if !stepIDPattern.MatchString(st.ID) {
			return nil, commserr.InvalidArgument("workflow %s: invalid step id %q", def.ID, st.ID)
		}
		if _, dup := c.byID[st.ID]; dup {
			return nil, commserr.InvalidArgument("workflow %s: duplicate step id %q", def.ID, st.ID)
		}
		if st.Timeout < 0 || st.MaxRetries < 0 {
			return nil, commserr.InvalidArgument("workflow %s: step %s has negative timeout or retries", def.ID, st.ID)
		}
		fn, ok := e.handlers.Lookup(st.Handler)
		if !ok {
			return nil, commserr.Configuration("workflow %s: step %s references unknown handler %q", def.ID, st.ID, st.Handler)
		}
		cs := &compiledStep{Step: st, index: i, fn: fn}
		if st.Compensation != "" {
			if cs.compensate, ok = e.handlers.Lookup(st.Compensation); !ok {
				return nil, commserr.Configuration("workflow %s: step %s references unknown compensation handler %q", def.ID, st.ID, st.Compensation)
			}
		}
		cond, err := parseCondition(st.Condition)
		if err != nil {
			return nil, commserr.InvalidArgument("workflow %s: step %s: %v", def.ID, st.ID, err)
		}
		cs.cond = cond
		c.steps = append(c.steps, cs)
		c.byID[st.ID] = cs
	}

	for _, cs := range c.steps {
		for _, dep := range cs.DependsOn {
			if dep == cs.ID {
				return nil, commserr.InvalidArgument("workflow %s: step %s depends on itself", def.ID, cs.ID)
			}
			if _, ok := c.byID[dep]; !ok {
				return nil, commserr.InvalidArgument("workflow %s: step %s depends on unknown step %q", def.ID, cs.ID, dep)
			}
		}
	}
	if err := checkAcyclic(c); err != nil {
		return nil, err
	}
	return c, nil
}

// checkAcyclic runs Kahn's algorithm over the dependency graph.
func checkAcyclic(c *compiled) error {
	indegree := make(map[string]int, len(c.steps))
	dependents := make(map[string][]string)
	for _, cs := range c.steps {
		indegree[cs.ID] = len(cs.DependsOn)
		for _, dep := range cs.DependsOn {
			dependents[dep] = append(dependents[dep], cs.ID)
		}
	}
	var ready []string
	for _, cs := range c.steps {
		if indegree[cs.ID] == 0 {
			ready = append(ready, cs.ID)
		}
	}
	visited := 0
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if visited != len(c.steps) {
		return commserr.InvalidArgument("workflow %s: step dependencies contain a cycle", c.def.ID)
	}
	return nil
}

// Definition returns a registered definition.
func (e *Engine) Definition(id string) (Definition, bool) {
	e.defMu.RLock()
	defer e.defMu.RUnlock()
	c, ok := e.defs[id]
	if !ok {
		return Definition{}, false
	}
	return c.def, true
}

// Definitions lists registered definitions sorted by id.
func (e *Engine) Definitions() []Definition {
	e.defMu.RLock()
	out := make([]Definition, 0, len(e.defs))
	for _, c := range e.defs {
		out = append(out, c.def)
	}
	e.defMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StartWorkflow starts an execution of workflowID with input as its initial
// context and returns the execution id.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID string, input map[string]interface{}) (string, error) {
	e.defMu.RLock()
	c, ok := e.defs[workflowID]
	e.defMu.RUnlock()
	if !ok {
		return "", commserr.NotFound("workflow %q is not registered", workflowID)
	}
	return e.launch(c, input, "")
}

// onTrigger returns the handler for the subscription on trigger. An event can
// match several subscriptions (an exact name and an overlapping wildcard), so
// each definition is launched only by the subscription for its first trigger
// that matches the event.
func (e *Engine) onTrigger(trigger string) eventbus.HandlerFunc {
	return func(ctx context.Context, ev eventstore.DomainEvent) error {
		e.defMu.RLock()
		var matched []*compiled
		for _, c := range e.defs {
			if t := firstMatchingTrigger(c.def.TriggerEvents, ev.Name); t != "" && t == trigger {
				matched = append(matched, c)
			}
		}
		e.defMu.RUnlock()
		return e.launchTriggered(matched, ev)
	}
}

func firstMatchingTrigger(triggers []string, name string) string {
	for _, t := range triggers {
		if t == name || commsutil.MatchSubject(t, name) {
			return t
		}
	}
	return ""
}

func (e *Engine) launchTriggered(matched []*compiled, ev eventstore.DomainEvent) error {
	sort.Slice(matched, func(i, j int) bool { return matched[i].def.ID < matched[j].def.ID })

	for _, c := range matched {
		input := make(map[string]interface{}, len(ev.Payload)+1)
		for k, v := range ev.Payload {
			input[k] = v
		}
		input["trigger"] = map[string]interface{}{
			"eventId":     ev.Metadata.EventID,
			"name":        ev.Name,
			"source":      ev.Metadata.Source,
			"aggregateId": ev.Metadata.AggregateID,
		}
		if _, err := e.launch(c, input, ev.Metadata.EventID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) launch(c *compiled, input map[string]interface{}, triggerEventID string) (string, error) {
	if input == nil {
		input = map[string]interface{}{}
	}
	doc, err := json.Marshal(input)
	if err != nil {
		return "", commserr.InvalidArgument("workflow context is not JSON-encodable: %v", err)
	}

	e.intake.RLock()
	defer e.intake.RUnlock()
	if !e.running.Load() {
		return "", commserr.New(commserr.CodeShutdown, "workflow engine is not running")
	}

	x := newExecution(c, doc, triggerEventID)
	e.execMu.Lock()
	e.execs[x.snap.ID] = x
	e.execMu.Unlock()
	e.started.Add(1)

	e.work.Add(1)
	go e.run(x)

	slog.Info(fmt.Sprintf("%s - Started %s execution %s", logPrefix, c.def.ID, x.snap.ID))
	return x.snap.ID, nil
}

func (e *Engine) lookup(executionID string) (*execution, error) {
	e.execMu.RLock()
	defer e.execMu.RUnlock()
	x, ok := e.execs[executionID]
	if !ok {
		return nil, commserr.NotFound("execution %q not found", executionID)
	}
	return x, nil
}

// GetExecution returns a snapshot of an execution.
func (e *Engine) GetExecution(executionID string) (Execution, error) {
	x, err := e.lookup(executionID)
	if err != nil {
		return Execution{}, err
	}
	return x.snapshot(), nil
}

// ListExecutions returns executions matching f, newest first.
func (e *Engine) ListExecutions(f ListFilter) []Execution {
	e.execMu.RLock()
	out := make([]Execution, 0, len(e.execs))
	for _, x := range e.execs {
		s := x.snapshot()
		if f.WorkflowID != "" && s.WorkflowID != f.WorkflowID {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		out = append(out, s)
	}
	e.execMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Cancel stops scheduling further steps of an execution. Steps already running
// finish; their effects are not rolled back. It reports whether the execution
// was still active.
func (e *Engine) Cancel(executionID string) bool {
	x, err := e.lookup(executionID)
	if err != nil {
		return false
	}
	if !x.requestCancel() {
		return false
	}
	slog.Info(fmt.Sprintf("%s - Cancel requested for execution %s", logPrefix, executionID))
	return true
}

// Pause holds an execution before its next wave of steps.
func (e *Engine) Pause(executionID string) error {
	x, err := e.lookup(executionID)
	if err != nil {
		return err
	}
	return x.pause()
}

// Resume continues a paused execution.
func (e *Engine) Resume(executionID string) error {
	x, err := e.lookup(executionID)
	if err != nil {
		return err
	}
	return x.resume()
}

// Prune removes terminal executions that finished before now minus the
// retention window. It returns how many were removed.
func (e *Engine) Prune(now time.Time) int {
	cutoff := now.Add(-e.cfg.Retention)
	e.execMu.Lock()
	defer e.execMu.Unlock()
	removed := 0
	for id, x := range e.execs {
		if x.finishedBefore(cutoff) {
			delete(e.execs, id)
			removed++
		}
	}
	return removed
}

func (e *Engine) janitor() {
	defer close(e.janitorDone)
	ticker := time.NewTicker(e.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-ticker.C:
			if n := e.Prune(now); n > 0 {
				slog.Debug(fmt.Sprintf("%s - Pruned %d finished executions", logPrefix, n))
			}
		}
	}
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Running     bool  `json:"running"`
	Definitions int   `json:"definitions"`
	Active      int   `json:"active"`
	Retained    int   `json:"retained"`
	Started     int64 `json:"started"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	Cancelled   int64 `json:"cancelled"`
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	e.defMu.RLock()
	defs := len(e.defs)
	e.defMu.RUnlock()

	e.execMu.RLock()
	active := 0
	for _, x := range e.execs {
		if !x.status().Terminal() {
			active++
		}
	}
	retained := len(e.execs)
	e.execMu.RUnlock()

	return Stats{
		Running:     e.running.Load(),
		Definitions: defs,
		Active:      active,
		Retained:    retained,
		Started:     e.started.Load(),
		Completed:   e.completed.Load(),
		Failed:      e.failed.Load(),
		Cancelled:   e.cancelled.Load(),
	}
}

// Shutdown stops intake, drops trigger subscriptions and waits for active
// executions. When ctx ends first, running steps see their context cancelled.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.intake.Lock()
	stopped := e.running.CompareAndSwap(true, false)
	e.intake.Unlock()
	if !stopped {
		return nil
	}

	e.defMu.Lock()
	if e.events != nil {
		for trigger, subID := range e.triggers {
			e.events.Unsubscribe(subID)
			delete(e.triggers, trigger)
		}
	}
	e.defMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.work.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("%s - shutdown: %w", logPrefix, ctx.Err())
	}
	e.cancel()
	<-e.janitorDone
	slog.Info(fmt.Sprintf("%s - Workflow engine stopped", logPrefix))
	return err
}

func (e *Engine) publishLifecycle(x *execution, name string) {
	if e.events == nil || !e.events.Running() {
		return
	}
	s := x.snapshot()
	payload := map[string]interface{}{
		"workflowId":     s.WorkflowID,
		"executionId":    s.ID,
		"status":         string(s.Status),
		"completedSteps": s.CompletedSteps,
	}
	if s.Error != "" {
		payload["error"] = s.Error
	}
	if len(s.FailedSteps) > 0 {
		payload["failedSteps"] = s.FailedSteps
	}
	_, err := e.events.Publish(context.Background(), eventbus.PublishParams{
		Name:          name,
		Source:        EngineModuleID,
		Type:          eventstore.TypeWorkflow,
		Payload:       payload,
		AggregateID:   s.ID,
		AggregateType: "workflow_execution",
		CorrelationID: s.ID,
		CausationID:   s.TriggerEventID,
	})
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - Failed to publish %s for %s: %v", logPrefix, name, s.ID, err))
	}
}

func newExecutionID() string { return uuid.NewString() }
