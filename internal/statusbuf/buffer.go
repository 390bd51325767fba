// Package statusbuf decouples item status reporting from batched persistence.
package statusbuf

import (
	"sync"

	"edition-publisher/internal/models"
)

// Buffer is an unbounded multi-producer FIFO of item status updates.
// Producers never block on the consumer; the consumer drains in batches.
type Buffer struct {
	mu        sync.Mutex
	pending   []models.ItemStatus
	threshold int
	ready     chan struct{}
}

// New creates a buffer that signals Ready once threshold updates are pending.
// A threshold <= 0 disables the signal.
func New(threshold int) *Buffer {
	return &Buffer{
		threshold: threshold,
		ready:     make(chan struct{}, 1),
	}
}

// Push enqueues an update and returns the depth after the push.
func (b *Buffer) Push(status models.ItemStatus) int {
	b.mu.Lock()
	b.pending = append(b.pending, status)
	depth := len(b.pending)
	b.mu.Unlock()

	if b.threshold > 0 && depth >= b.threshold {
		select {
		case b.ready <- struct{}{}:
		default:
		}
	}
	return depth
}

// Drain removes and returns up to max updates in arrival order.
// max <= 0 drains everything.
func (b *Buffer) Drain(max int) []models.ItemStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil
	}
	if max <= 0 || max >= len(b.pending) {
		batch := b.pending
		b.pending = nil
		return batch
	}
	batch := make([]models.ItemStatus, max)
	copy(batch, b.pending[:max])
	rest := make([]models.ItemStatus, len(b.pending)-max)
	copy(rest, b.pending[max:])
	b.pending = rest
	return batch
}

// Requeue puts updates a consumer failed to persist back at the head of the
// queue, ahead of anything pushed since they were drained.
func (b *Buffer) Requeue(batch []models.ItemStatus) {
	if len(batch) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	merged := make([]models.ItemStatus, 0, len(batch)+len(b.pending))
	merged = append(merged, batch...)
	b.pending = append(merged, b.pending...)
}

// Len is the number of pending updates.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Ready fires when the pending depth crosses the threshold.
func (b *Buffer) Ready() <-chan struct{} {
	return b.ready
}
