// Package eventbus dispatches stored domain events to in-process subscribers.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/morezero/module-comms/pkg/commserr"
	"github.com/morezero/module-comms/pkg/commsutil"
	"github.com/morezero/module-comms/pkg/eventstore"
	"github.com/morezero/module-comms/pkg/message"
	"github.com/morezero/module-comms/pkg/queue"
)

const logPrefix = "eventbus:eventbus"

// HandlerFunc handles one event. Returning an error marks the event failed
// without affecting sibling handlers.
type HandlerFunc func(ctx context.Context, ev eventstore.DomainEvent) error

// Config holds event bus limits.
type Config struct {
	Workers        int
	QueueCapacity  int
	HandlerTimeout time.Duration
	StatusCapacity int
}

// DefaultConfig returns the default event bus limits.
func DefaultConfig() Config {
	return Config{
		Workers:        8,
		QueueCapacity:  1024,
		HandlerTimeout: 30 * time.Second,
		StatusCapacity: 10000,
	}
}

type subscription struct {
	id       string
	moduleID string
	pattern  string
	handler  HandlerFunc
}

// StatusRecord tracks an event's processing outcome.
type StatusRecord struct {
	EventID   string            `json:"eventId"`
	Name      string            `json:"name"`
	Status    eventstore.Status `json:"status"`
	Handlers  int               `json:"handlers"`
	Failures  int               `json:"failures"`
	Error     string            `json:"error,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Bus stores events before making them visible to subscribers.
type Bus struct {
	cfg   Config
	store *eventstore.Store
	queue *queue.Queue[eventstore.DomainEvent]
	sem   *semaphore.Weighted

	mu       sync.RWMutex
	exact    map[string][]*subscription
	patterns []*subscription
	byID     map[string]*subscription

	statusMu    sync.Mutex
	statuses    map[string]*StatusRecord
	statusOrder []string

	intake    sync.RWMutex
	running   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
	work      sync.WaitGroup
	published atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

// NewBusParams holds parameters for NewBus.
type NewBusParams struct {
	Config Config
	Store  *eventstore.Store
}

// NewBus creates an event bus. Call Start before publishing.
func NewBus(params NewBusParams) *Bus {
	cfg := params.Config
	d := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = d.QueueCapacity
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = d.HandlerTimeout
	}
	if cfg.StatusCapacity <= 0 {
		cfg.StatusCapacity = d.StatusCapacity
	}
	store := params.Store
	if store == nil {
		store = eventstore.NewStore(eventstore.NewStoreParams{})
	}
	return &Bus{
		cfg:      cfg,
		store:    store,
		queue:    queue.New[eventstore.DomainEvent](cfg.QueueCapacity),
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		exact:    make(map[string][]*subscription),
		byID:     make(map[string]*subscription),
		statuses: make(map[string]*StatusRecord),
	}
}

// Store returns the underlying event store.
func (b *Bus) Store() *eventstore.Store { return b.store }

// Start launches the dispatch loop.
func (b *Bus) Start() {
	if !b.running.CompareAndSwap(false, true) {
		return
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.loopDone = make(chan struct{})
	go b.loop()
	slog.Info(fmt.Sprintf("%s - Event bus started (workers=%d)", logPrefix, b.cfg.Workers))
}

// Running reports whether the bus accepts events.
func (b *Bus) Running() bool { return b.running.Load() }

// Subscribe registers handler for an exact event name or a wildcard pattern
// ("*" one token, ">" the rest). It returns the subscription id.
func (b *Bus) Subscribe(moduleID, nameOrPattern string, handler HandlerFunc) (string, error) {
	if nameOrPattern == "" {
		return "", commserr.InvalidArgument("event name or pattern is required")
	}
	if handler == nil {
		return "", commserr.InvalidArgument("handler is required")
	}
	sub := &subscription{
		id:       uuid.NewString(),
		moduleID: moduleID,
		pattern:  nameOrPattern,
		handler:  handler,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if commsutil.IsPattern(nameOrPattern) {
		b.patterns = append(b.patterns, sub)
	} else {
		b.exact[nameOrPattern] = append(b.exact[nameOrPattern], sub)
	}
	b.byID[sub.id] = sub

	slog.Debug(fmt.Sprintf("%s - %s subscribed to %s", logPrefix, moduleID, nameOrPattern))
	return sub.id, nil
}

// Unsubscribe removes a subscription. It reports whether it existed.
func (b *Bus) Unsubscribe(subscriptionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.byID[subscriptionID]
	if !ok {
		return false
	}
	delete(b.byID, subscriptionID)
	if commsutil.IsPattern(sub.pattern) {
		b.patterns = removeSub(b.patterns, sub)
	} else {
		list := removeSub(b.exact[sub.pattern], sub)
		if len(list) == 0 {
			delete(b.exact, sub.pattern)
		} else {
			b.exact[sub.pattern] = list
		}
	}
	return true
}

// UnsubscribeModule removes every subscription owned by moduleID.
func (b *Bus) UnsubscribeModule(moduleID string) int {
	b.mu.RLock()
	var ids []string
	for id, sub := range b.byID {
		if sub.moduleID == moduleID {
			ids = append(ids, id)
		}
	}
	b.mu.RUnlock()
	for _, id := range ids {
		b.Unsubscribe(id)
	}
	return len(ids)
}

func removeSub(list []*subscription, target *subscription) []*subscription {
	out := list[:0]
	for _, s := range list {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func (b *Bus) matching(name string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := append([]*subscription(nil), b.exact[name]...)
	for _, sub := range b.patterns {
		if commsutil.MatchSubject(sub.pattern, name) {
			out = append(out, sub)
		}
	}
	return out
}

// PublishParams holds parameters for Publish.
type PublishParams struct {
	Name          string
	Source        string
	Type          eventstore.EventType
	Payload       map[string]interface{}
	AggregateID   string
	AggregateType string
	Version       int64
	CorrelationID string
	CausationID   string
	Tags          []string
	Priority      message.Priority
}

// Publish appends the event to the store, then queues it for asynchronous
// dispatch. The returned event carries its assigned id and version.
func (b *Bus) Publish(ctx context.Context, params PublishParams) (eventstore.DomainEvent, error) {
	b.intake.RLock()
	defer b.intake.RUnlock()
	if !b.running.Load() {
		return eventstore.DomainEvent{}, commserr.New(commserr.CodeShutdown, "event bus is not running")
	}
	if !params.Priority.Valid() {
		params.Priority = message.PriorityNormal
	}

	stored, err := b.store.Append(ctx, eventstore.DomainEvent{
		Name:    params.Name,
		Payload: params.Payload,
		Metadata: eventstore.Metadata{
			Type:          params.Type,
			AggregateID:   params.AggregateID,
			AggregateType: params.AggregateType,
			Version:       params.Version,
			CorrelationID: params.CorrelationID,
			CausationID:   params.CausationID,
			Source:        params.Source,
			Priority:      params.Priority,
			Tags:          params.Tags,
		},
	})
	if err != nil {
		return eventstore.DomainEvent{}, err
	}
	b.setStatus(stored, eventstore.StatusPending, 0, 0, "")
	b.published.Add(1)

	b.work.Add(1)
	if err := b.queue.Push(stored.Metadata.Priority, stored); err != nil {
		b.work.Done()
		// Stored but not dispatched; the status record says so.
		b.setStatus(stored, eventstore.StatusFailed, 0, 0, "dispatch queue: "+err.Error())
		b.failed.Add(1)
		return stored, commserr.Wrap(commserr.CodeQueueFull, err, fmt.Sprintf("event %s stored but not dispatched", stored.Metadata.EventID))
	}
	return stored, nil
}

func (b *Bus) loop() {
	defer close(b.loopDone)
	for {
		if err := b.sem.Acquire(b.ctx, 1); err != nil {
			return
		}
		ev, err := b.queue.Pop(b.ctx)
		if err != nil {
			b.sem.Release(1)
			return
		}
		go func() {
			defer b.sem.Release(1)
			defer b.work.Done()
			b.dispatch(b.ctx, ev)
		}()
	}
}

func (b *Bus) dispatch(ctx context.Context, ev eventstore.DomainEvent) {
	subs := b.matching(ev.Name)
	b.setStatus(ev, eventstore.StatusProcessing, len(subs), 0, "")

	err := b.deliver(ctx, ev, subs)
	if err != nil {
		failures := len(unwrapJoined(err))
		b.setStatus(ev, eventstore.StatusFailed, len(subs), failures, err.Error())
		b.failed.Add(1)
		slog.Warn(fmt.Sprintf("%s - event %s (%s) failed in %d of %d handler(s): %v", logPrefix, ev.Name, ev.Metadata.EventID, failures, len(subs), err))
		return
	}
	b.setStatus(ev, eventstore.StatusProcessed, len(subs), 0, "")
	b.processed.Add(1)
}

// deliver runs every handler concurrently and joins their errors.
func (b *Bus) deliver(ctx context.Context, ev eventstore.DomainEvent, subs []*subscription) error {
	if len(subs) == 0 {
		return nil
	}
	errs := make([]error, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = b.invoke(ctx, ev, sub)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (b *Bus) invoke(ctx context.Context, ev eventstore.DomainEvent, sub *subscription) (err error) {
	hctx, cancel := context.WithTimeout(ctx, b.cfg.HandlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s (%s): panic: %v", sub.moduleID, sub.pattern, r)
		}
	}()
	if herr := sub.handler(hctx, ev); herr != nil {
		return fmt.Errorf("%s (%s): %w", sub.moduleID, sub.pattern, herr)
	}
	return nil
}

func unwrapJoined(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

// Replay re-delivers an aggregate's history without re-publishing. With a nil
// handler, events go synchronously to the current matching subscribers.
func (b *Bus) Replay(ctx context.Context, aggregateID string, fromVersion, toVersion int64, handler eventstore.ReplayHandler) ([]eventstore.DomainEvent, error) {
	if handler == nil {
		handler = func(ctx context.Context, ev eventstore.DomainEvent) error {
			return b.deliver(ctx, ev, b.matching(ev.Name))
		}
	}
	slog.Info(fmt.Sprintf("%s - Replaying %s from version %d", logPrefix, aggregateID, fromVersion))
	return b.store.Replay(ctx, aggregateID, fromVersion, toVersion, handler)
}

func (b *Bus) setStatus(ev eventstore.DomainEvent, status eventstore.Status, handlers, failures int, errText string) {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()

	id := ev.Metadata.EventID
	rec, ok := b.statuses[id]
	if !ok {
		rec = &StatusRecord{EventID: id, Name: ev.Name}
		b.statuses[id] = rec
		b.statusOrder = append(b.statusOrder, id)
		for len(b.statusOrder) > b.cfg.StatusCapacity {
			delete(b.statuses, b.statusOrder[0])
			b.statusOrder = b.statusOrder[1:]
		}
	}
	rec.Status = status
	rec.Handlers = handlers
	rec.Failures = failures
	rec.Error = errText
	rec.UpdatedAt = time.Now().UTC()
}

// EventStatus returns the processing record of a recently published event.
func (b *Bus) EventStatus(eventID string) (StatusRecord, bool) {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()
	rec, ok := b.statuses[eventID]
	if !ok {
		return StatusRecord{}, false
	}
	return *rec, true
}

// SubscriberCounts returns the number of subscriptions per name or pattern.
func (b *Bus) SubscriberCounts() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int, len(b.exact)+len(b.patterns))
	for name, list := range b.exact {
		out[name] = len(list)
	}
	for _, sub := range b.patterns {
		out[sub.pattern]++
	}
	return out
}

// Subscriptions lists subscription ids owned by moduleID, sorted.
func (b *Bus) Subscriptions(moduleID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for id, sub := range b.byID {
		if sub.moduleID == moduleID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Stats summarises the bus.
type Stats struct {
	Running       bool                     `json:"running"`
	Published     int64                    `json:"published"`
	Processed     int64                    `json:"processed"`
	Failed        int64                    `json:"failed"`
	QueueDepth    map[message.Priority]int `json:"queueDepth"`
	Subscriptions int                      `json:"subscriptions"`
	Store         eventstore.Stats         `json:"store"`
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	subs := len(b.byID)
	b.mu.RUnlock()
	return Stats{
		Running:       b.running.Load(),
		Published:     b.published.Load(),
		Processed:     b.processed.Load(),
		Failed:        b.failed.Load(),
		QueueDepth:    b.queue.Depths(),
		Subscriptions: subs,
		Store:         b.store.Stats(),
	}
}

// Shutdown stops intake and waits for queued events to be dispatched or ctx to end.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.intake.Lock()
	stopped := b.running.CompareAndSwap(true, false)
	b.intake.Unlock()
	if !stopped {
		return nil
	}
	slog.Info(fmt.Sprintf("%s - Draining event bus (%d queued)", logPrefix, b.queue.Len()))

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
	slog.Info(fmt.Sprintf("%s - Event bus stopped", logPrefix))
	return err
}
