// Package bus implements the in-process message bus: request/response and
// publish/subscribe delivery over priority queues and a bounded worker pool,
// with per-destination circuit breakers, retries and dead-lettering.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/morezero/module-comms/pkg/breaker"
	"github.com/morezero/module-comms/pkg/commserr"
	"github.com/morezero/module-comms/pkg/message"
	"github.com/morezero/module-comms/pkg/msgstore"
	"github.com/morezero/module-comms/pkg/queue"
)

const (
	logPrefix      = "bus:bus"
	instrumentName = "github.com/morezero/module-comms/pkg/bus"
)

// Config holds bus limits and retry policy.
// MaxRetries is used as given (0 disables retries); start from DefaultConfig.
type Config struct {
	Workers           int
	QueueCapacity     int
	DefaultTimeout    time.Duration
	HandlerTimeout    time.Duration
	MaxRetries        int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	BackoffJitter     float64
	Breaker           breaker.Config
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		Workers:           16,
		QueueCapacity:     1024,
		DefaultTimeout:    30 * time.Second,
		HandlerTimeout:    30 * time.Second,
		MaxRetries:        3,
		BackoffInitial:    100 * time.Millisecond,
		BackoffMax:        5 * time.Second,
		BackoffMultiplier: 2,
		BackoffJitter:     0.1,
		Breaker:           breaker.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = d.HandlerTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = d.BackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		c.BackoffJitter = d.BackoffJitter
	}
	return c
}

// delivery is one message bound for one recipient.
type delivery struct {
	key       string
	msg       *message.Message
	recipient string
	event     EventFunc
	backoff   *backoff.ExponentialBackOff
}

type result struct {
	payload map[string]interface{}
	err     error
}

// Bus is safe for concurrent use. Every handler invocation goes through the worker pool.
type Bus struct {
	cfg      Config
	queue    *queue.Queue[*delivery]
	sem      *semaphore.Weighted
	breakers *breaker.Table
	store    *msgstore.Store
	tracer   trace.Tracer

	mu       sync.RWMutex
	handlers map[string]*ModuleHandler

	pendingMu sync.Mutex
	pending   map[string]chan result

	intake   sync.RWMutex
	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	work     sync.WaitGroup

	stats counters
}

// NewBusParams holds parameters for NewBus.
type NewBusParams struct {
	Config Config
	Store  *msgstore.Store // optional
	Tracer trace.Tracer    // optional, defaults to the global provider
}

// NewBus creates a bus. Call Start before sending.
func NewBus(params NewBusParams) *Bus {
	cfg := params.Config.withDefaults()
	store := params.Store
	if store == nil {
		store = msgstore.NewStore(msgstore.NewStoreParams{})
	}
	tracer := params.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentName)
	}
	return &Bus{
		cfg:      cfg,
		queue:    queue.New[*delivery](cfg.QueueCapacity),
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		breakers: breaker.NewTable(cfg.Breaker),
		store:    store,
		tracer:   tracer,
		handlers: make(map[string]*ModuleHandler),
		pending:  make(map[string]chan result),
	}
}

// Start launches the dispatch loop.
func (b *Bus) Start() {
	if !b.running.CompareAndSwap(false, true) {
		return
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.loopDone = make(chan struct{})
	go b.loop()
	slog.Info(fmt.Sprintf("%s - Message bus started (workers=%d, queueCapacity=%d)", logPrefix, b.cfg.Workers, b.cfg.QueueCapacity))
}

// Running reports whether the bus accepts messages.
func (b *Bus) Running() bool { return b.running.Load() }

// Register installs a module's handler. A module may register only once.
func (b *Bus) Register(h *ModuleHandler) error {
	if h == nil || h.moduleID == "" {
		return commserr.InvalidArgument("handler must name a module")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[h.moduleID]; exists {
		return commserr.Configuration("module %s already has a handler", h.moduleID)
	}
	b.handlers[h.moduleID] = h
	slog.Info(fmt.Sprintf("%s - Registered handler for %s (actions=%v, topics=%v)", logPrefix, h.moduleID, h.Actions(), h.Topics()))
	return nil
}

// Unregister removes a module's handler. Deliveries already queued for it are dead-lettered.
func (b *Bus) Unregister(moduleID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[moduleID]; !ok {
		return false
	}
	delete(b.handlers, moduleID)
	slog.Info(fmt.Sprintf("%s - Unregistered handler for %s", logPrefix, moduleID))
	return true
}

func (b *Bus) handler(moduleID string) *ModuleHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handlers[moduleID]
}

// HasHandler reports whether moduleID is registered and, when action is
// non-empty, whether it handles that action.
func (b *Bus) HasHandler(moduleID, action string) bool {
	h := b.handler(moduleID)
	if h == nil {
		return false
	}
	return action == "" || h.request(action) != nil
}

// SubscriberCount returns how many registered modules would receive an event on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, h := range b.handlers {
		if h.event(topic) != nil {
			n++
		}
	}
	return n
}

func (b *Bus) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.BackoffInitial
	bo.MaxInterval = b.cfg.BackoffMax
	bo.Multiplier = b.cfg.BackoffMultiplier
	bo.RandomizationFactor = b.cfg.BackoffJitter
	bo.Reset()
	return bo
}

func (b *Bus) retries(override *int) int {
	if override != nil && *override >= 0 {
		return *override
	}
	return b.cfg.MaxRetries
}

// enqueue tracks and queues d. The caller holds intake.
func (b *Bus) enqueue(d *delivery) error {
	b.store.Track(d.key, d.msg)
	b.work.Add(1)
	if err := b.queue.Push(d.msg.Metadata.Priority, d); err != nil {
		b.work.Done()
		b.store.Complete(d.key)
		return commserr.Wrap(commserr.CodeQueueFull, err, fmt.Sprintf("cannot queue message for %s", d.recipient))
	}
	b.stats.sent.Add(1)
	return nil
}

func (b *Bus) loop() {
	defer close(b.loopDone)
	for {
		// Admission first, then dequeue: the item taken is the highest priority at the moment a worker is free.
		if err := b.sem.Acquire(b.ctx, 1); err != nil {
			return
		}
		d, err := b.queue.Pop(b.ctx)
		if err != nil {
			b.sem.Release(1)
			return
		}
		go func() {
			defer b.sem.Release(1)
			b.process(d)
		}()
	}
}

func (b *Bus) respond(d *delivery, r result) {
	if d.msg.Type != message.TypeRequest {
		return
	}
	b.pendingMu.Lock()
	ch, ok := b.pending[d.msg.ID]
	delete(b.pending, d.msg.ID)
	b.pendingMu.Unlock()
	if ok {
		ch <- r
	}
}

// Shutdown stops intake, waits for queued and retrying deliveries to finish or
// ctx to end, then stops the workers.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.intake.Lock()
	stopped := b.running.CompareAndSwap(true, false)
	b.intake.Unlock()
	if !stopped {
		return nil
	}
	slog.Info(fmt.Sprintf("%s - Draining message bus (%d queued, %d in flight)", logPrefix, b.queue.Len(), b.store.InFlight()))

	drained := make(chan struct{})
	go func() {
		b.work.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("%s - shutdown: %w", logPrefix, ctx.Err())
	}
	b.queue.Close()
	b.cancel()
	<-b.loopDone
	slog.Info(fmt.Sprintf("%s - Message bus stopped", logPrefix))
	return err
}
