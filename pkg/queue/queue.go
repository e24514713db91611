// Package queue provides a bounded multi-lane priority queue.
//
// Each priority level owns its own buffered channel. Pop always drains the
// highest non-empty lane first and is FIFO within a lane. There is no
// fairness between lanes: a steady stream of critical items starves low ones.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/morezero/module-comms/pkg/message"
)

var (
	// ErrFull is returned by Push when the target lane is at capacity.
	ErrFull = errors.New("queue: lane full")
	// ErrClosed is returned once the queue is closed and drained.
	ErrClosed = errors.New("queue: closed")
)

const laneCount = 4

// Queue is safe for concurrent use by multiple producers and consumers.
type Queue[T any] struct {
	lanes [laneCount]chan T
	wake  chan struct{}
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// New creates a queue where every lane holds up to capacity items.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue[T]{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	for i := range q.lanes {
		q.lanes[i] = make(chan T, capacity)
	}
	return q
}

func laneIndex(p message.Priority) int {
	if !p.Valid() {
		p = message.PriorityNormal
	}
	// Lane 0 is the highest priority.
	return int(message.PriorityCritical - p)
}

// Push enqueues item without blocking.
func (q *Queue[T]) Push(p message.Priority, item T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.lanes[laneIndex(p)] <- item:
	default:
		return ErrFull
	}
	q.signal()
	return nil
}

func (q *Queue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// TryPop returns the highest-priority item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	for i := range q.lanes {
		select {
		case item := <-q.lanes[i]:
			if q.Len() > 0 {
				// Wake signals coalesce; hand one on so sibling consumers don't sleep on queued work.
				q.signal()
			}
			return item, true
		default:
		}
	}
	var zero T
	return zero, false
}

// Pop blocks until an item is available, ctx is done, or the queue is closed and empty.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		if item, ok := q.TryPop(); ok {
			return item, nil
		}
		select {
		case <-q.wake:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.done:
			if item, ok := q.TryPop(); ok {
				return item, nil
			}
			var zero T
			return zero, ErrClosed
		}
	}
}

// Close rejects further pushes. Items already queued remain poppable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Len returns the total number of queued items.
func (q *Queue[T]) Len() int {
	n := 0
	for i := range q.lanes {
		n += len(q.lanes[i])
	}
	return n
}

// Depths returns the number of queued items per priority.
func (q *Queue[T]) Depths() map[message.Priority]int {
	out := make(map[message.Priority]int, laneCount)
	for _, p := range message.Priorities {
		out[p] = len(q.lanes[laneIndex(p)])
	}
	return out
}
