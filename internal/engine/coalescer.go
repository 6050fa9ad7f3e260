package engine

import (
	"sync"

	"orderbook_go/internal/domain"
	"orderbook_go/internal/infra"
)

// Coalescer buffers pushed snapshots so the view applies at most one pending
// update at a time and always the freshest one.
//
// State machine: idle -> (push) -> processing -> (drain) -> idle. Pushes that
// arrive while processing are appended; the drain promotes only the last
// buffered snapshot and discards the rest.
type Coalescer struct {
	mu         sync.Mutex
	pending    []domain.BookSnapshot
	processing bool

	schedule func(func()) bool
	apply    func(domain.BookSnapshot)
}

// NewCoalescer creates a coalescer. schedule hands the drain to the view's
// execution context and must not block (see Loop.Notify); apply receives the
// snapshot promoted by each drain.
func NewCoalescer(schedule func(func()) bool, apply func(domain.BookSnapshot)) *Coalescer {
	return &Coalescer{
		schedule: schedule,
		apply:    apply,
	}
}

// Push buffers a snapshot. Safe to call from the feed's read goroutine.
func (c *Coalescer) Push(book domain.BookSnapshot) {
	infra.GlobalMetrics.RecordPush()

	c.mu.Lock()
	c.pending = append(c.pending, book)
	if c.processing {
		c.mu.Unlock()
		return
	}
	c.processing = true
	c.mu.Unlock()

	if !c.schedule(c.drain) {
		// Execution context is gone; nothing will ever render these.
		c.mu.Lock()
		c.pending = nil
		c.processing = false
		c.mu.Unlock()
	}
}

// Pending returns the number of buffered snapshots.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coalescer) drain() {
	c.mu.Lock()
	n := len(c.pending)
	if n == 0 {
		c.processing = false
		c.mu.Unlock()
		return
	}
	latest := c.pending[n-1]
	c.pending = nil
	c.processing = false
	c.mu.Unlock()

	if n > 1 {
		infra.GlobalMetrics.RecordCoalesced(uint64(n - 1))
	}
	c.apply(latest)
}
