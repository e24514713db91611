package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"
)

const serveLogPrefix = "dispatcher:serve"

// Handle decodes one raw request, dispatches it under a per-request timeout
// and returns the encoded response. The client deadline is honoured when it
// is shorter than timeout.
func (d *Dispatcher) Handle(ctx context.Context, data []byte, timeout time.Duration) []byte {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to decode request: %v", serveLogPrefix, err))
		out, _ := json.Marshal(errorResponse("", CodeInvalidRequest, "Failed to decode request", false))
		return out
	}

	if req.Ctx != nil {
		ms := req.Ctx.DeadlineMs
		if ms <= 0 {
			ms = req.Ctx.TimeoutMs
		}
		if ms > 0 && (timeout <= 0 || time.Duration(ms)*time.Millisecond < timeout) {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}
	reqCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	resp := d.Dispatch(reqCtx, &req)
	out, err := json.Marshal(resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response for %s: %v", serveLogPrefix, req.Method, err))
		out, _ = json.Marshal(errorResponse(req.ID, "INTERNAL_ERROR", "Failed to encode response", true))
	}
	return out
}

// Subscribe serves requests arriving on subject until the subscription is
// drained or ctx is cancelled.
func (d *Dispatcher) Subscribe(ctx context.Context, nc *comms.Conn, subject string, timeout time.Duration) (*comms.Subscription, error) {
	sub, err := nc.Subscribe(subject, func(msg *comms.Msg) {
		if msg.Reply == "" {
			slog.Warn(fmt.Sprintf("%s - dropping request on %s without reply subject", serveLogPrefix, subject))
			return
		}
		if err := msg.Respond(d.Handle(ctx, msg.Data, timeout)); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to respond: %v", serveLogPrefix, err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", serveLogPrefix, subject, err)
	}
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", serveLogPrefix, subject))
	return sub, nil
}
