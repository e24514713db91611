package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/morezero/module-comms/pkg/breaker"
	"github.com/morezero/module-comms/pkg/commserr"
	"github.com/morezero/module-comms/pkg/message"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 4
	cfg.BackoffInitial = 5 * time.Millisecond
	cfg.BackoffMax = 20 * time.Millisecond
	cfg.DefaultTimeout = 2 * time.Second
	return cfg
}

func newTestBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	b := NewBus(NewBusParams{Config: cfg})
	b.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b
}

func intPtr(v int) *int { return &v }

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("bus:bus_test - timed out waiting for %s", what)
}

func TestSendRequest_ReturnsHandlerResult(t *testing.T) {
	b := newTestBus(t, testConfig())

	var calls atomic.Int32
	err := b.Register(NewModuleHandler("pricing").OnRequest("quote", func(_ context.Context, msg *message.Message) (map[string]interface{}, error) {
		calls.Add(1)
		return map[string]interface{}{"sku": msg.Payload["sku"], "price": 9.5}, nil
	}))
	if err != nil {
		t.Fatalf("bus:bus_test - register: %v", err)
	}

	resp, err := b.SendRequest(context.Background(), RequestParams{
		Sender:    "client",
		Recipient: "pricing",
		Action:    "quote",
		Payload:   map[string]interface{}{"sku": "X"},
		Timeout:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("bus:bus_test - send: %v", err)
	}
	if resp["sku"] != "X" || resp["price"] != 9.5 {
		t.Errorf("bus:bus_test - unexpected response %v", resp)
	}
	if calls.Load() != 1 {
		t.Errorf("bus:bus_test - handler invoked %d times, want 1", calls.Load())
	}
}

func TestSendRequest_ConfigurationErrors(t *testing.T) {
	b := newTestBus(t, testConfig())
	_ = b.Register(NewModuleHandler("pricing").OnRequest("quote", func(context.Context, *message.Message) (map[string]interface{}, error) {
		return nil, nil
	}))

	tests := []struct {
		name      string
		recipient string
		action    string
	}{
		{"unknown module", "inventory", "count"},
		{"unknown action", "pricing", "refund"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.SendRequest(context.Background(), RequestParams{Sender: "client", Recipient: tt.recipient, Action: tt.action})
			if !commserr.IsCode(err, commserr.CodeConfiguration) {
				t.Errorf("bus:bus_test - expected CONFIGURATION_ERROR, got %v", err)
			}
		})
	}
	if b.Stats().Sent != 0 {
		t.Error("bus:bus_test - configuration errors must not enqueue anything")
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0
	cfg.Breaker = breaker.Config{FailureThreshold: 2, ResetTimeout: time.Minute}
	b := newTestBus(t, cfg)

	var calls atomic.Int32
	_ = b.Register(NewModuleHandler("pricing").OnRequest("quote", func(context.Context, *message.Message) (map[string]interface{}, error) {
		calls.Add(1)
		return nil, errors.New("pricing db unavailable")
	}))

	req := RequestParams{Sender: "client", Recipient: "pricing", Action: "quote"}
	for i := 0; i < 2; i++ {
		_, err := b.SendRequest(context.Background(), req)
		if !commserr.IsCode(err, commserr.CodeHandlerFailure) {
			t.Fatalf("bus:bus_test - call %d: expected HANDLER_FAILURE, got %v", i+1, err)
		}
	}

	_, err := b.SendRequest(context.Background(), req)
	if !commserr.IsCode(err, commserr.CodeCircuitOpen) {
		t.Fatalf("bus:bus_test - third call: expected CIRCUIT_OPEN, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("bus:bus_test - handler invoked %d times, want 2", calls.Load())
	}
	if snap := b.Breaker("pricing"); snap.State != breaker.StateOpen {
		t.Errorf("bus:bus_test - breaker state = %s", snap.State)
	}
}

func TestCircuitBreaker_HalfOpenProbeCloses(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0
	cfg.Breaker = breaker.Config{FailureThreshold: 1, ResetTimeout: 50 * time.Millisecond}
	b := newTestBus(t, cfg)

	var fail atomic.Bool
	fail.Store(true)
	_ = b.Register(NewModuleHandler("pricing").OnRequest("quote", func(context.Context, *message.Message) (map[string]interface{}, error) {
		if fail.Load() {
			return nil, errors.New("down")
		}
		return map[string]interface{}{"ok": true}, nil
	}))

	req := RequestParams{Sender: "client", Recipient: "pricing", Action: "quote"}
	_, _ = b.SendRequest(context.Background(), req)
	if _, err := b.SendRequest(context.Background(), req); !commserr.IsCode(err, commserr.CodeCircuitOpen) {
		t.Fatalf("bus:bus_test - expected open circuit, got %v", err)
	}

	fail.Store(false)
	time.Sleep(60 * time.Millisecond)
	if _, err := b.SendRequest(context.Background(), req); err != nil {
		t.Fatalf("bus:bus_test - probe should pass through: %v", err)
	}
	if snap := b.Breaker("pricing"); snap.State != breaker.StateClosed {
		t.Errorf("bus:bus_test - breaker should close after successful probe, got %s", snap.State)
	}
}

func TestSendRequest_TimeoutIsExclusive(t *testing.T) {
	b := newTestBus(t, testConfig())

	release := make(chan struct{})
	var finished atomic.Bool
	_ = b.Register(NewModuleHandler("slow").OnRequest("work", func(ctx context.Context, _ *message.Message) (map[string]interface{}, error) {
		<-release
		finished.Store(true)
		return map[string]interface{}{"late": true}, nil
	}))

	start := time.Now()
	resp, err := b.SendRequest(context.Background(), RequestParams{Sender: "client", Recipient: "slow", Action: "work", Timeout: 50 * time.Millisecond})
	if !commserr.IsCode(err, commserr.CodeTimeout) {
		t.Fatalf("bus:bus_test - expected TIMEOUT, got resp=%v err=%v", resp, err)
	}
	if resp != nil {
		t.Error("bus:bus_test - timeout must not carry a response")
	}
	if time.Since(start) > time.Second {
		t.Error("bus:bus_test - caller waited far beyond its timeout")
	}

	close(release)
	eventually(t, finished.Load, "slow handler to finish")
	if b.Stats().Timeouts != 1 {
		t.Errorf("bus:bus_test - timeouts = %d, want 1", b.Stats().Timeouts)
	}
}

func TestRetries_ThenDeadLetterExactlyOnce(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	b := newTestBus(t, cfg)

	var calls atomic.Int32
	_ = b.Register(NewModuleHandler("ledger").OnRequest("post", func(context.Context, *message.Message) (map[string]interface{}, error) {
		calls.Add(1)
		return nil, errors.New("constraint violation")
	}))

	_, err := b.SendRequest(context.Background(), RequestParams{Sender: "client", Recipient: "ledger", Action: "post"})
	if !commserr.IsCode(err, commserr.CodeHandlerFailure) {
		t.Fatalf("bus:bus_test - expected HANDLER_FAILURE, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("bus:bus_test - handler invoked %d times, want 1 + 2 retries", calls.Load())
	}

	dls, err := b.DeadLetters(context.Background(), 0)
	if err != nil {
		t.Fatalf("bus:bus_test - dead letters: %v", err)
	}
	if len(dls) != 1 {
		t.Fatalf("bus:bus_test - %d dead letters, want exactly 1", len(dls))
	}
	if dls[0].Attempts != 3 || dls[0].Destination != "ledger" {
		t.Errorf("bus:bus_test - unexpected dead letter %+v", dls[0])
	}

	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 3 {
		t.Error("bus:bus_test - dead-lettered message was processed again")
	}
}

func TestRetries_RecoverBeforeBudget(t *testing.T) {
	b := newTestBus(t, testConfig())

	var calls atomic.Int32
	_ = b.Register(NewModuleHandler("flaky").OnRequest("go", func(context.Context, *message.Message) (map[string]interface{}, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return map[string]interface{}{"attempt": 3}, nil
	}))

	resp, err := b.SendRequest(context.Background(), RequestParams{Sender: "c", Recipient: "flaky", Action: "go"})
	if err != nil {
		t.Fatalf("bus:bus_test - expected eventual success: %v", err)
	}
	if resp["attempt"] != 3 {
		t.Errorf("bus:bus_test - resp = %v", resp)
	}
	if st := b.Stats(); st.Retried != 2 || st.DeadLettered != 0 {
		t.Errorf("bus:bus_test - retried=%d deadLettered=%d", st.Retried, st.DeadLettered)
	}
}

func TestNonRetryableError_SkipsRetries(t *testing.T) {
	b := newTestBus(t, testConfig())
	var calls atomic.Int32
	_ = b.Register(NewModuleHandler("users").OnRequest("create", func(context.Context, *message.Message) (map[string]interface{}, error) {
		calls.Add(1)
		return nil, commserr.InvalidArgument("email is required")
	}))

	_, err := b.SendRequest(context.Background(), RequestParams{Sender: "c", Recipient: "users", Action: "create"})
	if !commserr.IsCode(err, commserr.CodeInvalidArgument) {
		t.Fatalf("bus:bus_test - handler's own code should propagate, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("bus:bus_test - non-retryable error retried %d times", calls.Load()-1)
	}
}

func TestPublishEvent_IsolatesSubscribers(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	b := newTestBus(t, cfg)

	var good, bad, pattern atomic.Int32
	_ = b.Register(NewModuleHandler("billing").OnEvent("order.created", func(context.Context, *message.Message) error {
		good.Add(1)
		return nil
	}))
	_ = b.Register(NewModuleHandler("mailer").OnEvent("order.created", func(context.Context, *message.Message) error {
		bad.Add(1)
		return errors.New("smtp down")
	}))
	_ = b.Register(NewModuleHandler("audit").OnEvent("order.>", func(context.Context, *message.Message) error {
		pattern.Add(1)
		return nil
	}))
	_ = b.Register(NewModuleHandler("unrelated").OnEvent("user.*", func(context.Context, *message.Message) error {
		t.Error("bus:bus_test - unrelated subscriber invoked")
		return nil
	}))

	id, err := b.PublishEvent(context.Background(), EventParams{Sender: "orders", Topic: "order.created", Payload: map[string]interface{}{"id": 1}})
	if err != nil || id == "" {
		t.Fatalf("bus:bus_test - publish: id=%q err=%v", id, err)
	}

	eventually(t, func() bool { return b.Stats().DeadLettered == 1 }, "mailer dead letter")
	eventually(t, func() bool { return good.Load() == 1 && pattern.Load() == 1 }, "healthy subscribers")
	if bad.Load() != 2 {
		t.Errorf("bus:bus_test - failing subscriber attempts = %d, want 2", bad.Load())
	}

	dl, err := b.DeadLetter(context.Background(), id+"/mailer")
	if err != nil {
		t.Fatalf("bus:bus_test - dead letter lookup: %v", err)
	}
	if dl.Message.Metadata.Recipient != "mailer" {
		t.Errorf("bus:bus_test - dead letter recipient = %q", dl.Message.Metadata.Recipient)
	}
	if b.SubscriberCount("order.created") != 3 {
		t.Errorf("bus:bus_test - subscriber count = %d, want 3", b.SubscriberCount("order.created"))
	}
}

func TestBroadcast_SkipsSender(t *testing.T) {
	b := newTestBus(t, testConfig())

	var mu sync.Mutex
	got := map[string]int{}
	record := func(name string) EventFunc {
		return func(context.Context, *message.Message) error {
			mu.Lock()
			got[name]++
			mu.Unlock()
			return nil
		}
	}
	_ = b.Register(NewModuleHandler("admin").OnBroadcast(record("admin")))
	_ = b.Register(NewModuleHandler("a").OnBroadcast(record("a")))
	_ = b.Register(NewModuleHandler("b").OnEvent("system.>", record("b")))
	_ = b.Register(NewModuleHandler("c").OnRequest("x", func(context.Context, *message.Message) (map[string]interface{}, error) { return nil, nil }))

	if _, err := b.Broadcast(context.Background(), EventParams{Sender: "admin", Topic: "system.maintenance"}); err != nil {
		t.Fatalf("bus:bus_test - broadcast: %v", err)
	}
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got["a"] == 1 && got["b"] == 1
	}, "broadcast delivery")
	mu.Lock()
	defer mu.Unlock()
	if got["admin"] != 0 {
		t.Error("bus:bus_test - sender received its own broadcast")
	}
}

func TestStrictPriority(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	b := newTestBus(t, cfg)

	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string
	_ = b.Register(NewModuleHandler("worker").
		OnRequest("block", func(context.Context, *message.Message) (map[string]interface{}, error) {
			<-gate
			return nil, nil
		}).
		OnRequest(DefaultAction, func(_ context.Context, msg *message.Message) (map[string]interface{}, error) {
			mu.Lock()
			order = append(order, msg.Metadata.Action)
			mu.Unlock()
			return nil, nil
		}))

	// Occupy the single worker so the rest queue up.
	if _, err := b.SendCommand(context.Background(), RequestParams{Sender: "t", Recipient: "worker", Action: "block"}); err != nil {
		t.Fatalf("bus:bus_test - block: %v", err)
	}
	eventually(t, func() bool { return b.queue.Len() == 0 }, "blocker to be dequeued")

	sends := []struct {
		action string
		p      message.Priority
	}{
		{"low", message.PriorityLow},
		{"normal", message.PriorityNormal},
		{"critical", message.PriorityCritical},
		{"high", message.PriorityHigh},
	}
	for _, s := range sends {
		if _, err := b.SendCommand(context.Background(), RequestParams{Sender: "t", Recipient: "worker", Action: s.action, Priority: s.p}); err != nil {
			t.Fatalf("bus:bus_test - send %s: %v", s.action, err)
		}
	}
	close(gate)

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, "queued commands")
	want := []string{"critical", "high", "normal", "low"}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("bus:bus_test - order = %v, want %v", order, want)
			break
		}
	}
}

func TestRedrive(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0
	b := newTestBus(t, cfg)

	var fail atomic.Bool
	fail.Store(true)
	var done atomic.Int32
	_ = b.Register(NewModuleHandler("sync").OnRequest("push", func(context.Context, *message.Message) (map[string]interface{}, error) {
		if fail.Load() {
			return nil, errors.New("remote down")
		}
		done.Add(1)
		return nil, nil
	}))

	id, err := b.SendCommand(context.Background(), RequestParams{Sender: "c", Recipient: "sync", Action: "push", MaxRetries: intPtr(0)})
	if err != nil {
		t.Fatalf("bus:bus_test - command: %v", err)
	}
	eventually(t, func() bool { return b.Stats().DeadLettered == 1 }, "dead letter")

	fail.Store(false)
	if err := b.Redrive(context.Background(), id); err != nil {
		t.Fatalf("bus:bus_test - redrive: %v", err)
	}
	eventually(t, func() bool { return done.Load() == 1 }, "redriven delivery")

	if _, err := b.DeadLetter(context.Background(), id); !commserr.IsCode(err, commserr.CodeNotFound) {
		t.Errorf("bus:bus_test - redriven message still dead-lettered: %v", err)
	}
	if err := b.Redrive(context.Background(), "missing"); !commserr.IsCode(err, commserr.CodeNotFound) {
		t.Errorf("bus:bus_test - redrive of unknown key: %v", err)
	}
}

func TestRegister_Duplicate(t *testing.T) {
	b := newTestBus(t, testConfig())
	if err := b.Register(NewModuleHandler("m")); err != nil {
		t.Fatalf("bus:bus_test - first register: %v", err)
	}
	if err := b.Register(NewModuleHandler("m")); !commserr.IsCode(err, commserr.CodeConfiguration) {
		t.Errorf("bus:bus_test - duplicate register: %v", err)
	}
	if !b.Unregister("m") || b.Unregister("m") {
		t.Error("bus:bus_test - unregister result wrong")
	}
	if err := b.Register(nil); !commserr.IsCode(err, commserr.CodeInvalidArgument) {
		t.Errorf("bus:bus_test - nil handler: %v", err)
	}
}

func TestShutdown_DrainsAndRejects(t *testing.T) {
	b := NewBus(NewBusParams{Config: testConfig()})
	b.Start()

	var calls atomic.Int32
	_ = b.Register(NewModuleHandler("m").OnRequest("x", func(context.Context, *message.Message) (map[string]interface{}, error) {
		time.Sleep(10 * time.Millisecond)
		calls.Add(1)
		return nil, nil
	}))
	for i := 0; i < 5; i++ {
		if _, err := b.SendCommand(context.Background(), RequestParams{Sender: "c", Recipient: "m", Action: "x"}); err != nil {
			t.Fatalf("bus:bus_test - command %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Shutdown(ctx); err != nil {
		t.Fatalf("bus:bus_test - shutdown: %v", err)
	}
	if calls.Load() != 5 {
		t.Errorf("bus:bus_test - drained %d of 5 queued commands", calls.Load())
	}
	if _, err := b.SendCommand(context.Background(), RequestParams{Sender: "c", Recipient: "m", Action: "x"}); !commserr.IsCode(err, commserr.CodeShutdown) {
		t.Errorf("bus:bus_test - send after shutdown: %v", err)
	}
}

func TestModuleHandler_SupportedTypes(t *testing.T) {
	h := NewModuleHandler("m").OnRequest("a", nil).OnEvent("t.>", nil)
	if !h.Supports(message.TypeRequest) || !h.Supports(message.TypeEvent) || !h.Supports(message.TypeBroadcast) {
		t.Errorf("bus:bus_test - supported types = %v", h.SupportedTypes())
	}
	if NewModuleHandler("n").OnBroadcast(nil).Supports(message.TypeRequest) {
		t.Error("bus:bus_test - broadcast-only handler claims request support")
	}
}
