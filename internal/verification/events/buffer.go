package events

import "sync"

// RingBuffer is a bounded, thread-safe queue. When full, the oldest event is
// dropped to make room.
type RingBuffer struct {
	mu       sync.Mutex
	events   []Event
	head     int // next write position
	tail     int // next read position
	count    int
	capacity int
	dropped  int64
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 10000
	}
	return &RingBuffer{
		events:   make([]Event, capacity),
		capacity: capacity,
	}
}

// Enqueue adds e and reports whether an older event was dropped for it.
func (b *RingBuffer) Enqueue(e Event) (dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count >= b.capacity {
		b.events[b.tail] = Event{}
		b.tail = (b.tail + 1) % b.capacity
		b.count--
		b.dropped++
		dropped = true
	}
	b.events[b.head] = e
	b.head = (b.head + 1) % b.capacity
	b.count++
	return dropped
}

// DequeueBatch removes up to n events in arrival order.
func (b *RingBuffer) DequeueBatch(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}
	if n <= 0 || n > b.count {
		n = b.count
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = b.events[b.tail]
		b.events[b.tail] = Event{}
		b.tail = (b.tail + 1) % b.capacity
	}
	b.count -= n
	return out
}

// Requeue puts a batch back at the front and returns how many events no longer fit.
// Newer events already queued win over the requeued ones.
func (b *RingBuffer) Requeue(batch []Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := len(batch) - 1; i >= 0; i-- {
		if b.count >= b.capacity {
			b.dropped += int64(i + 1)
			return i + 1
		}
		b.tail = (b.tail - 1 + b.capacity) % b.capacity
		b.events[b.tail] = batch[i]
		b.count++
	}
	return 0
}

func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Dropped returns the total number of events lost to overflow.
func (b *RingBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
