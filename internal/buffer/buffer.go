// Package buffer provides the queue that moves events off a stream's
// delivery goroutine so slow consumers cannot stall the stream.
package buffer

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Pop once the buffer is closed and empty.
var ErrClosed = errors.New("buffer closed")

// GrowableBuffer is a thread-safe FIFO ring that doubles its capacity when
// it reaches 70% full, up to an optional limit. At the limit the oldest
// item is dropped to make room, so a stalled consumer sees fresh data.
type GrowableBuffer[T any] struct {
	mu          sync.Mutex
	buf         []T
	head        int // read position
	tail        int // write position
	count       int
	capacity    int
	maxCapacity int           // 0 = unbounded
	ready       chan struct{} // closed and replaced when items arrive
	closed      bool

	// Stats
	pushed  int64
	popped  int64
	dropped int64
	resizes int
}

// New creates a buffer with the given initial capacity. maxCapacity of 0
// lets it grow without limit; otherwise it is raised to at least
// initialCapacity.
func New[T any](initialCapacity, maxCapacity int) *GrowableBuffer[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if maxCapacity > 0 && maxCapacity < initialCapacity {
		maxCapacity = initialCapacity
	}
	return &GrowableBuffer[T]{
		buf:         make([]T, initialCapacity),
		capacity:    initialCapacity,
		maxCapacity: maxCapacity,
		ready:       make(chan struct{}),
	}
}

// Push appends an item, growing or dropping the oldest item as needed.
// It never blocks. Returns false if the buffer is closed.
func (b *GrowableBuffer[T]) Push(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	threshold := (b.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if b.count+1 >= threshold && b.canGrow() {
		b.grow()
	}
	if b.count == b.capacity {
		b.popLocked()
		b.popped--
		b.dropped++
	}

	b.buf[b.tail] = item
	b.tail = (b.tail + 1) % b.capacity
	b.count++
	b.pushed++

	close(b.ready)
	b.ready = make(chan struct{})
	return true
}

// Pop removes and returns the oldest item, blocking until one is
// available, the buffer is closed and drained, or ctx is done.
func (b *GrowableBuffer[T]) Pop(ctx context.Context) (T, error) {
	for {
		b.mu.Lock()
		if b.count > 0 {
			item := b.popLocked()
			b.mu.Unlock()
			return item, nil
		}
		if b.closed {
			b.mu.Unlock()
			var zero T
			return zero, ErrClosed
		}
		ready := b.ready
		b.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryPop returns the oldest item without blocking.
func (b *GrowableBuffer[T]) TryPop() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.popLocked(), true
}

// Drain removes up to max items (all if max <= 0) in FIFO order.
func (b *GrowableBuffer[T]) Drain(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}
	n := b.count
	if max > 0 && max < n {
		n = max
	}
	out := make([]T, n)
	for i := range out {
		out[i] = b.popLocked()
	}
	return out
}

// Close stops further pushes. Pop keeps returning queued items, then ErrClosed.
func (b *GrowableBuffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.ready)
}

// Len returns the current number of items in the buffer.
func (b *GrowableBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Stats returns buffer statistics.
func (b *GrowableBuffer[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Count:    b.count,
		Capacity: b.capacity,
		Pushed:   b.pushed,
		Popped:   b.popped,
		Dropped:  b.dropped,
		Resizes:  b.resizes,
	}
}

// Stats contains buffer statistics.
type Stats struct {
	Count    int
	Capacity int
	Pushed   int64
	Popped   int64
	Dropped  int64 // Evicted at max capacity
	Resizes  int
}

func (b *GrowableBuffer[T]) canGrow() bool {
	return b.maxCapacity == 0 || b.capacity < b.maxCapacity
}

// popLocked must be called with count > 0 and the lock held.
func (b *GrowableBuffer[T]) popLocked() T {
	item := b.buf[b.head]
	var zero T
	b.buf[b.head] = zero // Clear reference for GC
	b.head = (b.head + 1) % b.capacity
	b.count--
	b.popped++
	return item
}

// grow doubles the capacity, capped at maxCapacity. Must be called with lock held.
func (b *GrowableBuffer[T]) grow() {
	newCapacity := b.capacity * 2
	if b.maxCapacity > 0 && newCapacity > b.maxCapacity {
		newCapacity = b.maxCapacity
	}
	newBuf := make([]T, newCapacity)

	if b.count > 0 {
		if b.head < b.tail {
			// Contiguous: [head...tail)
			copy(newBuf, b.buf[b.head:b.tail])
		} else {
			// Wrapped: [head...end) + [0...tail)
			n := copy(newBuf, b.buf[b.head:])
			copy(newBuf[n:], b.buf[:b.tail])
		}
	}

	b.buf = newBuf
	b.head = 0
	b.tail = b.count
	b.capacity = newCapacity
	b.resizes++
}
