package buffer

import (
	"sync"
	"time"
)

// Entry is a buffered item with the time it was enqueued.
type Entry[T any] struct {
	Value      T
	EnqueuedAt time.Time
}

// Ring is a thread-safe fixed-capacity FIFO.
type Ring[T any] struct {
	mu       sync.Mutex
	buf      []Entry[T]
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	now      func() time.Time

	// Stats
	totalPushed  int64
	totalDrained int64
	rejected     int64
	evicted      int64
	expired      int64
}

// NewRing creates a ring with the given capacity. now may be nil.
func NewRing[T any](capacity int, now func() time.Time) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Ring[T]{
		buf:      make([]Entry[T], capacity),
		capacity: capacity,
		now:      now,
	}
}

// Push appends item. Returns false without modifying the ring if it is full.
func (b *Ring[T]) Push(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == b.capacity {
		b.rejected++
		return false
	}
	b.put(item)
	return true
}

// PushEvict appends item, dropping the oldest entry if the ring is full.
// Returns the evicted value and true when an eviction happened.
func (b *Ring[T]) PushEvict(item T) (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var evicted T
	didEvict := false
	if b.count == b.capacity {
		evicted = b.pop().Value
		didEvict = true
		b.evicted++
	}
	b.put(item)
	return evicted, didEvict
}

// Drain removes and returns all entries, oldest first.
func (b *Ring[T]) Drain() []Entry[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}
	out := make([]Entry[T], 0, b.count)
	for b.count > 0 {
		out = append(out, b.pop())
	}
	b.totalDrained += int64(len(out))
	return out
}

// DrainFresh removes all entries and returns the values enqueued within ttl,
// oldest first. The number of discarded stale entries is returned as well.
// A ttl <= 0 keeps everything.
func (b *Ring[T]) DrainFresh(ttl time.Duration) ([]T, int) {
	entries := b.Drain()
	if len(entries) == 0 {
		return nil, 0
	}

	now := b.now()
	fresh := make([]T, 0, len(entries))
	stale := 0
	for _, e := range entries {
		if ttl > 0 && now.Sub(e.EnqueuedAt) > ttl {
			stale++
			continue
		}
		fresh = append(fresh, e.Value)
	}

	if stale > 0 {
		b.mu.Lock()
		b.expired += int64(stale)
		b.mu.Unlock()
	}
	return fresh, stale
}

// Clear discards all entries.
func (b *Ring[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.count > 0 {
		b.pop()
	}
}

// Len returns the current number of items.
func (b *Ring[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the capacity.
func (b *Ring[T]) Cap() int {
	return b.capacity
}

// Stats returns buffer statistics.
func (b *Ring[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Count:        b.count,
		Capacity:     b.capacity,
		TotalPushed:  b.totalPushed,
		TotalDrained: b.totalDrained,
		Rejected:     b.rejected,
		Evicted:      b.evicted,
		Expired:      b.expired,
	}
}

// Stats contains buffer statistics.
type Stats struct {
	Count        int
	Capacity     int
	TotalPushed  int64
	TotalDrained int64
	Rejected     int64
	Evicted      int64
	Expired      int64
}

// put appends at tail. Must be called with lock held and room available.
func (b *Ring[T]) put(item T) {
	b.buf[b.tail] = Entry[T]{Value: item, EnqueuedAt: b.now()}
	b.tail = (b.tail + 1) % b.capacity
	b.count++
	b.totalPushed++
}

// pop removes the head. Must be called with lock held and count > 0.
func (b *Ring[T]) pop() Entry[T] {
	e := b.buf[b.head]
	b.buf[b.head] = Entry[T]{} // Clear reference for GC
	b.head = (b.head + 1) % b.capacity
	b.count--
	return e
}
