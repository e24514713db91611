package bus

import (
	"sync/atomic"

	"github.com/morezero/module-comms/pkg/breaker"
	"github.com/morezero/module-comms/pkg/message"
	"github.com/morezero/module-comms/pkg/msgstore"
)

type counters struct {
	sent         atomic.Int64
	published    atomic.Int64
	processed    atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	expired      atomic.Int64
	timeouts     atomic.Int64
	rejected     atomic.Int64
	deadLettered atomic.Int64
}

// Stats is a point-in-time view of bus activity.
type Stats struct {
	Running      bool                     `json:"running"`
	Sent         int64                    `json:"sent"`
	Published    int64                    `json:"published"`
	Processed    int64                    `json:"processed"`
	Failed       int64                    `json:"failed"`
	Retried      int64                    `json:"retried"`
	Expired      int64                    `json:"expired"`
	Timeouts     int64                    `json:"timeouts"`
	Rejected     int64                    `json:"rejected"`
	DeadLettered int64                    `json:"deadLettered"`
	SuccessRate  float64                  `json:"successRate"`
	QueueDepth   map[message.Priority]int `json:"queueDepth"`
	Handlers     int                      `json:"handlers"`
	Store        msgstore.Stats           `json:"store"`
	Breakers     []breaker.Snapshot       `json:"breakers"`
}

// Stats returns current counters. SuccessRate is processed / (processed + failed), 1 when idle.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	handlers := len(b.handlers)
	b.mu.RUnlock()

	processed := b.stats.processed.Load()
	failed := b.stats.failed.Load()
	rate := 1.0
	if total := processed + failed; total > 0 {
		rate = float64(processed) / float64(total)
	}

	return Stats{
		Running:      b.running.Load(),
		Sent:         b.stats.sent.Load(),
		Published:    b.stats.published.Load(),
		Processed:    processed,
		Failed:       failed,
		Retried:      b.stats.retried.Load(),
		Expired:      b.stats.expired.Load(),
		Timeouts:     b.stats.timeouts.Load(),
		Rejected:     b.stats.rejected.Load(),
		DeadLettered: b.stats.deadLettered.Load(),
		SuccessRate:  rate,
		QueueDepth:   b.queue.Depths(),
		Handlers:     handlers,
		Store:        b.store.Stats(),
		Breakers:     b.breakers.Snapshots(),
	}
}

// Breaker returns the breaker snapshot for a destination.
func (b *Bus) Breaker(destination string) breaker.Snapshot {
	return b.breakers.Get(destination).Snapshot()
}
