package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/morezero/module-comms/pkg/commserr"
	"github.com/morezero/module-comms/pkg/message"
	"github.com/morezero/module-comms/pkg/msgstore"
)

// RequestParams holds parameters for SendRequest and SendCommand.
type RequestParams struct {
	Sender     string
	Recipient  string
	Action     string
	Payload    map[string]interface{}
	Timeout    time.Duration // 0 uses Config.DefaultTimeout
	Priority   message.Priority
	MaxRetries *int // nil uses Config.MaxRetries
	Headers    map[string]string
}

// EventParams holds parameters for PublishEvent and Broadcast.
type EventParams struct {
	Sender     string
	Topic      string
	Payload    map[string]interface{}
	Priority   message.Priority
	TTL        time.Duration
	MaxRetries *int
	Headers    map[string]string
}

func (b *Bus) traceHeaders(ctx context.Context, in map[string]string) map[string]string {
	carrier := propagation.MapCarrier{}
	for k, v := range in {
		carrier[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier
}

// checkRoute fails fast with a configuration error when recipient cannot take action.
func (b *Bus) checkRoute(recipient, action string) error {
	h := b.handler(recipient)
	if h == nil {
		return commserr.Configuration("no handler registered for module %s", recipient)
	}
	if h.request(action) == nil {
		return commserr.Configuration("module %s has no handler for action %q", recipient, action)
	}
	return nil
}

// SendRequest delivers a request and waits for the correlated response.
// Exactly one of a response or an error is returned: a TIMEOUT once the
// deadline passes, the handler's failure once retries are exhausted, or a
// CONFIGURATION_ERROR / CIRCUIT_OPEN before anything is queued.
func (b *Bus) SendRequest(ctx context.Context, params RequestParams) (map[string]interface{}, error) {
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = b.cfg.DefaultTimeout
	}

	ctx, span := b.tracer.Start(ctx, "bus.send_request", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("comms.sender", params.Sender),
			attribute.String("comms.recipient", params.Recipient),
			attribute.String("comms.action", params.Action),
		))
	defer span.End()

	msg, ch, err := b.submitRequest(ctx, params, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, commserr.CodeOf(err))
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case r := <-ch:
		if r.err != nil {
			span.RecordError(r.err)
			span.SetStatus(codes.Error, commserr.CodeOf(r.err))
		}
		return r.payload, r.err
	case <-timer.C:
		waitErr = commserr.Newf(commserr.CodeTimeout, "no response from %s within %s", params.Recipient, timeout)
	case <-ctx.Done():
		waitErr = commserr.Wrap(commserr.CodeTimeout, ctx.Err(), fmt.Sprintf("request to %s cancelled", params.Recipient))
	}

	b.pendingMu.Lock()
	delete(b.pending, msg.ID)
	b.pendingMu.Unlock()

	// A response may have landed between the deadline and the delete.
	select {
	case r := <-ch:
		return r.payload, r.err
	default:
	}

	b.store.MarkExpired(msg.ID)
	b.stats.timeouts.Add(1)
	span.RecordError(waitErr)
	span.SetStatus(codes.Error, commserr.CodeTimeout)
	slog.Warn(fmt.Sprintf("%s - request %s to %s.%s timed out", logPrefix, msg.ID, params.Recipient, params.Action))
	return nil, waitErr
}

func (b *Bus) submitRequest(ctx context.Context, params RequestParams, timeout time.Duration) (*message.Message, chan result, error) {
	b.intake.RLock()
	defer b.intake.RUnlock()
	if !b.running.Load() {
		return nil, nil, commserr.New(commserr.CodeShutdown, "message bus is not running")
	}
	if err := b.checkRoute(params.Recipient, params.Action); err != nil {
		return nil, nil, err
	}
	brk := b.breakers.Get(params.Recipient)
	if err := brk.Allow(); err != nil {
		b.stats.rejected.Add(1)
		return nil, nil, err
	}

	msg, err := message.New(message.NewParams{
		Type:       message.TypeRequest,
		Sender:     params.Sender,
		Recipient:  params.Recipient,
		Action:     params.Action,
		Payload:    params.Payload,
		Priority:   params.Priority,
		MaxRetries: b.retries(params.MaxRetries),
		TTL:        timeout,
		Headers:    b.traceHeaders(ctx, params.Headers),
	})
	if err != nil {
		brk.Release()
		return nil, nil, commserr.Wrap(commserr.CodeInvalidArgument, err, "")
	}

	ch := make(chan result, 1)
	b.pendingMu.Lock()
	b.pending[msg.ID] = ch
	b.pendingMu.Unlock()

	d := &delivery{key: msg.ID, msg: msg, recipient: params.Recipient, backoff: b.newBackOff()}
	if err := b.enqueue(d); err != nil {
		b.pendingMu.Lock()
		delete(b.pending, msg.ID)
		b.pendingMu.Unlock()
		brk.Release()
		return nil, nil, err
	}
	return msg, ch, nil
}

// SendCommand queues a directed message without waiting for its outcome.
// It returns the message id.
func (b *Bus) SendCommand(ctx context.Context, params RequestParams) (string, error) {
	b.intake.RLock()
	defer b.intake.RUnlock()
	if !b.running.Load() {
		return "", commserr.New(commserr.CodeShutdown, "message bus is not running")
	}
	if err := b.checkRoute(params.Recipient, params.Action); err != nil {
		return "", err
	}
	brk := b.breakers.Get(params.Recipient)
	if err := brk.Allow(); err != nil {
		b.stats.rejected.Add(1)
		return "", err
	}

	msg, err := message.New(message.NewParams{
		Type:       message.TypeCommand,
		Sender:     params.Sender,
		Recipient:  params.Recipient,
		Action:     params.Action,
		Payload:    params.Payload,
		Priority:   params.Priority,
		MaxRetries: b.retries(params.MaxRetries),
		TTL:        params.Timeout,
		Headers:    b.traceHeaders(ctx, params.Headers),
	})
	if err != nil {
		brk.Release()
		return "", commserr.Wrap(commserr.CodeInvalidArgument, err, "")
	}
	if err := b.enqueue(&delivery{key: msg.ID, msg: msg, recipient: params.Recipient, backoff: b.newBackOff()}); err != nil {
		brk.Release()
		return "", err
	}
	return msg.ID, nil
}

// PublishEvent fans an event out to every module subscribed to its topic and
// returns the message id without waiting. Each subscriber gets its own
// delivery, retries and dead letter; a failing subscriber never affects the others.
func (b *Bus) PublishEvent(ctx context.Context, params EventParams) (string, error) {
	return b.fanOut(ctx, message.TypeEvent, params)
}

// Broadcast delivers to every registered module except the sender, using a
// matching topic handler or the module's broadcast handler.
func (b *Bus) Broadcast(ctx context.Context, params EventParams) (string, error) {
	return b.fanOut(ctx, message.TypeBroadcast, params)
}

func (b *Bus) fanOut(ctx context.Context, typ message.Type, params EventParams) (string, error) {
	b.intake.RLock()
	defer b.intake.RUnlock()
	if !b.running.Load() {
		return "", commserr.New(commserr.CodeShutdown, "message bus is not running")
	}

	msg, err := message.New(message.NewParams{
		Type:       typ,
		Sender:     params.Sender,
		Topic:      params.Topic,
		Payload:    params.Payload,
		Priority:   params.Priority,
		MaxRetries: b.retries(params.MaxRetries),
		TTL:        params.TTL,
		Headers:    b.traceHeaders(ctx, params.Headers),
	})
	if err != nil {
		return "", commserr.Wrap(commserr.CodeInvalidArgument, err, "")
	}

	type target struct {
		moduleID string
		fn       EventFunc
	}
	var targets []target
	b.mu.RLock()
	for id, h := range b.handlers {
		var fn EventFunc
		if typ == message.TypeBroadcast {
			if id == params.Sender {
				continue
			}
			fn = h.forBroadcast(params.Topic)
		} else {
			fn = h.event(params.Topic)
		}
		if fn != nil {
			targets = append(targets, target{moduleID: id, fn: fn})
		}
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		slog.Debug(fmt.Sprintf("%s - no subscribers for %s %s", logPrefix, typ, params.Topic))
	}

	for _, t := range targets {
		d := &delivery{
			key:       msg.ID + "/" + t.moduleID,
			msg:       msg.WithRecipient(t.moduleID),
			recipient: t.moduleID,
			event:     t.fn,
			backoff:   b.newBackOff(),
		}
		if err := b.breakers.Get(t.moduleID).Allow(); err != nil {
			b.stats.rejected.Add(1)
			b.deadLetterUnqueued(ctx, d, err)
			continue
		}
		if err := b.enqueue(d); err != nil {
			b.breakers.Get(t.moduleID).Release()
			b.deadLetterUnqueued(ctx, d, err)
		}
	}
	b.stats.published.Add(1)
	return msg.ID, nil
}

// deadLetterUnqueued records a subscriber delivery that never reached a worker.
func (b *Bus) deadLetterUnqueued(ctx context.Context, d *delivery, cause error) {
	if b.store.DeadLetter(ctx, msgstore.DeadLetterParams{Key: d.key, Message: d.msg, Destination: d.recipient, Cause: cause}) {
		b.stats.deadLettered.Add(1)
	}
	b.stats.failed.Add(1)
}
