package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/morezero/module-comms/internal/config"
	"github.com/morezero/module-comms/pkg/bootstrap"
	"github.com/morezero/module-comms/pkg/bus"
	"github.com/morezero/module-comms/pkg/comms"
	"github.com/morezero/module-comms/pkg/discovery"
	"github.com/morezero/module-comms/pkg/eventbus"
	"github.com/morezero/module-comms/pkg/events"
	"github.com/morezero/module-comms/pkg/eventstore"
	"github.com/morezero/module-comms/pkg/modules"
	"github.com/morezero/module-comms/pkg/msgstore"
	"github.com/morezero/module-comms/pkg/workflow"
)

const runtimeLogPrefix = "server:runtime"

// Runtime owns every process-wide component. It is built once at startup and
// passed to whatever needs the components; nothing is reached through globals.
type Runtime struct {
	Modules   *modules.StaticRegistry
	Discovery *discovery.Service
	Events    *eventbus.Bus
	Workflows *workflow.Engine
	Bus       *bus.Bus
	Service   *comms.Service

	release func()
}

// NewRuntimeParams holds parameters for NewRuntime.
type NewRuntimeParams struct {
	Config   *config.Config
	Manifest *bootstrap.Manifest // optional; nil starts with no modules
	Backend  Backend             // optional; nil keeps events and dead letters in memory
	// Publisher receives capability change events. Nil discards them.
	Publisher events.EventPublisher
	Handlers  *workflow.Registry // optional step handler registry
	Auth      comms.AuthProvider // optional; defaults to the caller in ctx
	Audit     comms.AuditSink    // optional; defaults to slog
	Tracer    trace.Tracer       // optional
	// Release runs after every component has stopped.
	Release func()
}

// NewRuntime constructs the components in dependency order: module registry,
// discovery, event store and event bus, workflow engine, message bus and
// finally the façade. Components are started by Start.
func NewRuntime(ctx context.Context, params NewRuntimeParams) (*Runtime, error) {
	cfg := params.Config
	if cfg == nil {
		return nil, fmt.Errorf("%s - config is required", runtimeLogPrefix)
	}

	reg, err := modules.NewStaticRegistry()
	if err != nil {
		return nil, err
	}
	disc := discovery.NewService(discovery.NewServiceParams{Modules: reg, Publisher: params.Publisher})
	if params.Manifest != nil {
		if _, err := bootstrap.Apply(ctx, params.Manifest, reg, disc); err != nil {
			return nil, fmt.Errorf("%s - failed to apply manifest: %w", runtimeLogPrefix, err)
		}
	}

	var (
		evBackend  eventstore.Backend
		msgBackend msgstore.Backend
		storePing  func(context.Context) error
	)
	if params.Backend != nil {
		evBackend, msgBackend, storePing = params.Backend, params.Backend, params.Backend.Ping
	}

	evStore := eventstore.NewStore(eventstore.NewStoreParams{Config: cfg.EventStoreConfig(), Backend: evBackend})
	evBus := eventbus.NewBus(eventbus.NewBusParams{Config: cfg.EventBusConfig(), Store: evStore})

	handlers := params.Handlers
	if handlers == nil {
		handlers = workflow.NewRegistry()
	}
	engine := workflow.NewEngine(workflow.NewEngineParams{
		Config:   cfg.WorkflowConfig(),
		Handlers: handlers,
		Events:   evBus,
		Tracer:   params.Tracer,
	})

	msgStore := msgstore.NewStore(msgstore.NewStoreParams{Config: cfg.MsgStoreConfig(), Backend: msgBackend})
	msgBus := bus.NewBus(bus.NewBusParams{Config: cfg.BusConfig(), Store: msgStore, Tracer: params.Tracer})

	audit := params.Audit
	if audit == nil {
		audit = comms.LogAuditSink{}
	}
	svc := comms.NewService(comms.NewServiceParams{
		Bus:       msgBus,
		Events:    evBus,
		Workflows: engine,
		Discovery: disc,
		Modules:   reg,
		Auth:      params.Auth,
		Audit:     audit,
		StorePing: storePing,
	})

	slog.Info(fmt.Sprintf("%s - Runtime built with %d modules", runtimeLogPrefix, len(reg.List())))
	return &Runtime{
		Modules:   reg,
		Discovery: disc,
		Events:    evBus,
		Workflows: engine,
		Bus:       msgBus,
		Service:   svc,
		release:   params.Release,
	}, nil
}

// Start launches the event bus, the workflow engine and the message bus.
func (r *Runtime) Start() {
	r.Events.Start()
	r.Workflows.Start()
	r.Bus.Start()
	slog.Info(fmt.Sprintf("%s - Runtime started", runtimeLogPrefix))
}

// Shutdown stops components in reverse construction order, draining each,
// and finally releases the backing store. All errors are reported together.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error
	if err := r.Bus.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("message bus: %w", err))
	}
	if err := r.Workflows.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("workflow engine: %w", err))
	}
	if err := r.Events.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("event bus: %w", err))
	}
	if r.release != nil {
		r.release()
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s - shutdown: %w", runtimeLogPrefix, errors.Join(errs...))
	}
	slog.Info(fmt.Sprintf("%s - Runtime stopped", runtimeLogPrefix))
	return nil
}
