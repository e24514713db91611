// Package server orchestrates all components: NATS client, backing store, comms runtime, dispatcher, HTTP health.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/morezero/module-comms/internal/config"
	"github.com/morezero/module-comms/internal/telemetry"
	"github.com/morezero/module-comms/pkg/bootstrap"
	"github.com/morezero/module-comms/pkg/comms"
	"github.com/morezero/module-comms/pkg/commsutil"
	"github.com/morezero/module-comms/pkg/dispatcher"
	"github.com/morezero/module-comms/pkg/events"
)

const logPrefix = "server:server"

// Run loads configuration, configures logging, and serves until SIGINT or SIGTERM.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return Serve(ctx, ServeParams{Config: cfg})
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ServeParams holds parameters for Serve.
type ServeParams struct {
	Config *config.Config
	// ResolveCaller turns a request's invocation context into a caller.
	// Nil follows COMMS_TRUST_CALLER_CONTEXT.
	ResolveCaller dispatcher.CallerResolver
	Auth          comms.AuthProvider // optional; defaults to the resolved caller
	Audit         comms.AuditSink    // optional; defaults to slog
}

// callerResolver picks the resolver for remote requests.
func (p ServeParams) callerResolver() dispatcher.CallerResolver {
	switch {
	case p.ResolveCaller != nil:
		return p.ResolveCaller
	case p.Config.TrustCallerContext:
		slog.Warn(fmt.Sprintf("%s - trusting caller identity claimed in requests; restrict publish on %s", logPrefix, p.Config.COMMSSubject))
		return dispatcher.TrustInvocationContext
	default:
		return dispatcher.Anonymous
	}
}

// Serve starts every component and blocks until ctx is cancelled, then
// shuts down within SHUTDOWN_TIMEOUT.
func Serve(ctx context.Context, params ServeParams) error {
	return serve(ctx, params, nil)
}

// serve is Serve with a hook called once the HTTP listener is bound.
func serve(ctx context.Context, params ServeParams, onReady func(httpAddr string)) error {
	cfg := params.Config
	if cfg == nil {
		return fmt.Errorf("%s - config is required", logPrefix)
	}
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - Starting %s", logPrefix, cfg.COMMSName))

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.SetupParams{
		ServiceName: cfg.COMMSName,
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
	})
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to flush traces: %v", logPrefix, err))
		}
	}()

	// Step 1: Connect to NATS
	nc, err := commsutil.Connect(commsutil.ConnectParams{URL: cfg.COMMSURL, Name: cfg.COMMSName})
	if err != nil {
		return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}
	defer nc.Close()

	// Step 2: Open the backing store
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	// Step 3: Load the module manifest and build the runtime
	manifest, err := bootstrap.LoadManifest(cfg.ManifestFile)
	if err != nil {
		st.close()
		return fmt.Errorf("%s - failed to load manifest: %w", logPrefix, err)
	}
	rt, err := NewRuntime(ctx, NewRuntimeParams{
		Config:    cfg,
		Manifest:  manifest,
		Backend:   st.backend,
		Publisher: events.NewCommsPublisher(nc, &events.CommsPublisherOpts{GlobalSubject: cfg.CapabilityChangeSubject}),
		Auth:      params.Auth,
		Audit:     params.Audit,
		Tracer:    telemetry.Tracer(),
		Release:   st.close,
	})
	if err != nil {
		st.close()
		return err
	}
	rt.Start()

	shutdownRuntime := func() error {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return rt.Shutdown(sctx)
	}

	// Step 4: Mirror domain events onto NATS
	if _, err := events.NewCommsMirror(nc, cfg.EventSubjectPrefix).Attach(rt.Events); err != nil {
		return errors.Join(err, shutdownRuntime())
	}

	// Step 5: Serve comms requests
	disp := dispatcher.NewDispatcher(dispatcher.NewDispatcherParams{
		Service:         rt.Service,
		SecureTransport: commsutil.IsSecureURL(cfg.COMMSURL),
		ResolveCaller:   params.callerResolver(),
	})
	sub, err := disp.Subscribe(ctx, nc, cfg.COMMSSubject, cfg.RequestTimeout)
	if err != nil {
		return errors.Join(err, shutdownRuntime())
	}

	// Step 6: Start HTTP health server
	ln, err := net.Listen("tcp", cfg.HTTPListenAddr())
	if err != nil {
		_ = sub.Unsubscribe()
		return errors.Join(fmt.Errorf("%s - failed to listen on %s: %w", logPrefix, cfg.HTTPListenAddr(), err), shutdownRuntime())
	}
	httpServer := &http.Server{Handler: newMux(rt.Service, cfg.HealthCheckTimeout)}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP health server listening on %s", logPrefix, ln.Addr()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - %s is ready", logPrefix, cfg.COMMSName))
	if onReady != nil {
		onReady(ln.Addr().String())
	}

	<-ctx.Done()
	slog.Info(fmt.Sprintf("%s - Shutting down", logPrefix))

	// Graceful shutdown: stop intake first, then drain components.
	var errs []error
	if err := sub.Drain(); err != nil {
		errs = append(errs, fmt.Errorf("%s - failed to drain subscription: %w", logPrefix, err))
	}
	hctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(hctx); err != nil {
		errs = append(errs, fmt.Errorf("%s - HTTP shutdown: %w", logPrefix, err))
	}
	if err := shutdownRuntime(); err != nil {
		errs = append(errs, err)
	}
	if err := nc.Drain(); err != nil {
		slog.Warn(fmt.Sprintf("%s - NATS drain: %v", logPrefix, err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}
