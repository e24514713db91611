package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/morezero/module-comms/pkg/message"
)

func TestPop_StrictPriorityThenFIFO(t *testing.T) {
	q := New[string](8)

	pushes := []struct {
		p    message.Priority
		item string
	}{
		{message.PriorityLow, "low-1"},
		{message.PriorityNormal, "normal-1"},
		{message.PriorityCritical, "critical-1"},
		{message.PriorityLow, "low-2"},
		{message.PriorityHigh, "high-1"},
		{message.PriorityCritical, "critical-2"},
	}
	for _, p := range pushes {
		if err := q.Push(p.p, p.item); err != nil {
			t.Fatalf("queue:queue_test - push %s: %v", p.item, err)
		}
	}

	want := []string{"critical-1", "critical-2", "high-1", "normal-1", "low-1", "low-2"}
	for i, w := range want {
		got, err := q.Pop(context.Background())
		if err != nil {
			t.Fatalf("queue:queue_test - pop %d: %v", i, err)
		}
		if got != w {
			t.Errorf("queue:queue_test - pop %d = %q, want %q", i, got, w)
		}
	}
}

func TestPush_Full(t *testing.T) {
	q := New[int](1)
	if err := q.Push(message.PriorityNormal, 1); err != nil {
		t.Fatalf("queue:queue_test - first push: %v", err)
	}
	if err := q.Push(message.PriorityNormal, 2); !errors.Is(err, ErrFull) {
		t.Errorf("queue:queue_test - expected ErrFull, got %v", err)
	}
	// Other lanes are independent.
	if err := q.Push(message.PriorityHigh, 3); err != nil {
		t.Errorf("queue:queue_test - high lane push: %v", err)
	}
}

func TestPop_BlocksUntilPush(t *testing.T) {
	q := New[int](4)
	got := make(chan int, 1)
	go func() {
		v, err := q.Pop(context.Background())
		if err == nil {
			got <- v
		}
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Push(message.PriorityLow, 42); err != nil {
		t.Fatalf("queue:queue_test - push: %v", err)
	}

	select {
	case v := <-got:
		if v != 42 {
			t.Errorf("queue:queue_test - got %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("queue:queue_test - Pop did not wake up")
	}
}

func TestPop_ContextCancel(t *testing.T) {
	q := New[int](4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("queue:queue_test - expected deadline exceeded, got %v", err)
	}
}

func TestClose_DrainsThenReportsClosed(t *testing.T) {
	q := New[int](4)
	_ = q.Push(message.PriorityNormal, 1)
	q.Close()

	if err := q.Push(message.PriorityNormal, 2); !errors.Is(err, ErrClosed) {
		t.Errorf("queue:queue_test - push after close: %v", err)
	}
	v, err := q.Pop(context.Background())
	if err != nil || v != 1 {
		t.Errorf("queue:queue_test - expected queued item after close, got %d, %v", v, err)
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("queue:queue_test - expected ErrClosed on empty closed queue, got %v", err)
	}
}

func TestConcurrentConsumers_NoLostItems(t *testing.T) {
	q := New[int](256)
	const n = 200

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int]bool)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, err := q.Pop(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < n; i++ {
		p := message.Priorities[i%len(message.Priorities)]
		if err := q.Push(p, i); err != nil {
			t.Fatalf("queue:queue_test - push %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		count := len(seen)
		mu.Unlock()
		if count == n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue:queue_test - consumed %d of %d items", count, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	q.Close()
	wg.Wait()
}

func TestDepths(t *testing.T) {
	q := New[int](4)
	_ = q.Push(message.PriorityHigh, 1)
	_ = q.Push(message.PriorityHigh, 2)
	_ = q.Push(message.PriorityLow, 3)

	d := q.Depths()
	if d[message.PriorityHigh] != 2 || d[message.PriorityLow] != 1 || d[message.PriorityCritical] != 0 {
		t.Errorf("queue:queue_test - unexpected depths %v", d)
	}
	if q.Len() != 3 {
		t.Errorf("queue:queue_test - Len() = %d, want 3", q.Len())
	}
}
