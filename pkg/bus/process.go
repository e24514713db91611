package bus

import (
	"context"
	"errors"
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

func (b *Bus) process(d *delivery) {
	ctx := otel.GetTextMapPropagator().Extract(b.ctx, propagation.MapCarrier(d.msg.Metadata.Headers))
	ctx, span := b.tracer.Start(ctx, "bus.deliver", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("comms.message_id", d.msg.ID),
			attribute.String("comms.message_type", string(d.msg.Type)),
			attribute.String("comms.recipient", d.recipient),
			attribute.String("comms.priority", d.msg.Metadata.Priority.String()),
		))
	defer span.End()

	brk := b.breakers.Get(d.recipient)

	if st, ok := b.store.State(d.key); (ok && st.Status == message.StatusExpired) || d.msg.Expired(time.Now()) {
		b.stats.expired.Add(1)
		brk.Release()
		b.store.Complete(d.key)
		b.respond(d, result{err: commserr.Newf(commserr.CodeTimeout, "message %s expired before delivery", d.msg.ID)})
		b.work.Done()
		span.SetAttributes(attribute.Bool("comms.expired", true))
		return
	}
	b.store.SetStatus(d.key, message.StatusProcessing)

	payload, err := b.invoke(ctx, d)
	if err == nil {
		brk.RecordSuccess()
		b.store.Complete(d.key)
		b.stats.processed.Add(1)
		b.respond(d, result{payload: payload})
		b.work.Done()
		return
	}

	span.RecordError(err)
	if b.shouldRetry(d, err) {
		n := b.store.RecordFailure(d.key, err)
		delay := d.backoff.NextBackOff()
		if delay < 0 {
			delay = b.cfg.BackoffMax
		}
		b.stats.retried.Add(1)
		span.SetAttributes(attribute.Int("comms.retry", n))
		slog.Debug(fmt.Sprintf("%s - retry %d/%d for %s in %s: %v", logPrefix, n, d.msg.Metadata.MaxRetries, d.key, delay, err))
		b.scheduleRetry(d, delay)
		return
	}

	span.SetStatus(codes.Error, commserr.CodeOf(err))
	b.deadLetter(ctx, d, err)
}

func (b *Bus) shouldRetry(d *delivery, err error) bool {
	if !commserr.Retryable(err) || d.msg.Expired(time.Now()) {
		return false
	}
	st, ok := b.store.State(d.key)
	return ok && st.Status != message.StatusExpired && st.CanRetry(d.msg)
}

func (b *Bus) scheduleRetry(d *delivery, delay time.Duration) {
	time.AfterFunc(delay, func() {
		if err := b.queue.Push(d.msg.Metadata.Priority, d); err != nil {
			code := commserr.CodeQueueFull
			if !b.running.Load() {
				code = commserr.CodeShutdown
			}
			b.deadLetter(context.Background(), d, commserr.Wrap(code, err, fmt.Sprintf("retry of %s could not be queued", d.key)))
		}
	})
}

// deadLetter is the single terminal failure path for a queued delivery.
func (b *Bus) deadLetter(ctx context.Context, d *delivery, cause error) {
	brk := b.breakers.Get(d.recipient)
	if commserr.IsCode(cause, commserr.CodeConfiguration) {
		// The destination never ran; its health is unknown.
		brk.Release()
	} else {
		brk.RecordFailure()
	}

	if b.store.DeadLetter(ctx, msgstore.DeadLetterParams{Key: d.key, Message: d.msg, Destination: d.recipient, Cause: cause}) {
		b.stats.deadLettered.Add(1)
	}
	b.stats.failed.Add(1)

	var ce *commserr.Error
	if !errors.As(cause, &ce) {
		ce = commserr.Wrap(commserr.CodeHandlerFailure, cause, "")
	}
	b.respond(d, result{err: ce})
	b.work.Done()
}

// invoke runs the recipient's handler with a deadline and converts panics and
// plain errors into HANDLER_FAILURE.
func (b *Bus) invoke(ctx context.Context, d *delivery) (payload map[string]interface{}, err error) {
	deadline := time.Now().Add(b.cfg.HandlerTimeout)
	if exp := d.msg.Metadata.ExpiresAt; exp != nil && exp.Before(deadline) {
		deadline = *exp
	}
	hctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			payload = nil
			err = commserr.Newf(commserr.CodeHandlerFailure, "handler for %s panicked: %v", d.recipient, r)
		}
	}()

	switch d.msg.Type {
	case message.TypeRequest, message.TypeCommand:
		h := b.handler(d.recipient)
		if h == nil {
			return nil, commserr.Configuration("module %s unregistered while message %s was queued", d.recipient, d.msg.ID)
		}
		fn := h.request(d.msg.Metadata.Action)
		if fn == nil {
			return nil, commserr.Configuration("module %s has no handler for action %q", d.recipient, d.msg.Metadata.Action)
		}
		payload, err = fn(hctx, d.msg)
	default:
		if b.handler(d.recipient) == nil {
			return nil, commserr.Configuration("module %s unregistered while event %s was queued", d.recipient, d.msg.ID)
		}
		err = d.event(hctx, d.msg)
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return nil, commserr.Wrap(commserr.CodeTimeout, err, fmt.Sprintf("handler for %s exceeded its deadline", d.recipient))
		}
		var ce *commserr.Error
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, commserr.Wrap(commserr.CodeHandlerFailure, err, "")
	}
	return payload, nil
}

// Redrive re-queues a dead-lettered delivery with a fresh retry budget and no TTL.
// Redrive is always manual; nothing re-processes dead letters automatically.
func (b *Bus) Redrive(ctx context.Context, key string) error {
	b.intake.RLock()
	defer b.intake.RUnlock()
	if !b.running.Load() {
		return commserr.New(commserr.CodeShutdown, "message bus is not running")
	}

	dl, err := b.store.Get(ctx, key)
	if err != nil {
		return err
	}
	h := b.handler(dl.Destination)
	if h == nil {
		return commserr.Configuration("no handler registered for module %s", dl.Destination)
	}

	msg := *dl.Message
	msg.Metadata.ExpiresAt = nil
	d := &delivery{key: key, msg: &msg, recipient: dl.Destination, backoff: b.newBackOff()}
	switch msg.Type {
	case message.TypeRequest, message.TypeCommand:
		if h.request(msg.Metadata.Action) == nil {
			return commserr.Configuration("module %s has no handler for action %q", dl.Destination, msg.Metadata.Action)
		}
		// Nobody is waiting for a redriven request's response.
		msg.Type = message.TypeCommand
	case message.TypeBroadcast:
		d.event = h.forBroadcast(msg.Metadata.Topic)
	default:
		d.event = h.event(msg.Metadata.Topic)
	}
	if msg.Type != message.TypeCommand && d.event == nil {
		return commserr.Configuration("module %s no longer subscribes to %s", dl.Destination, msg.Metadata.Topic)
	}

	brk := b.breakers.Get(dl.Destination)
	if err := brk.Allow(); err != nil {
		return err
	}
	if _, err := b.store.Remove(ctx, key); err != nil {
		brk.Release()
		return err
	}
	if err := b.enqueue(d); err != nil {
		brk.Release()
		b.deadLetterUnqueued(ctx, d, err)
		return err
	}
	slog.Info(fmt.Sprintf("%s - Redrove %s to %s", logPrefix, key, dl.Destination))
	return nil
}

// DeadLetters returns the newest dead letters first.
func (b *Bus) DeadLetters(ctx context.Context, limit int) ([]msgstore.DeadLetter, error) {
	return b.store.List(ctx, limit)
}

// DeadLetter returns one dead letter by key.
func (b *Bus) DeadLetter(ctx context.Context, key string) (*msgstore.DeadLetter, error) {
	return b.store.Get(ctx, key)
}
