package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ev(id string) Event {
	return Event{Type: TypeSessionStarted, SessionID: id}
}

func ids(batch []Event) []string {
	out := make([]string, len(batch))
	for i, e := range batch {
		out[i] = e.SessionID
	}
	return out
}

func TestRingBufferDropsOldest(t *testing.T) {
	b := NewRingBuffer(3)
	for _, id := range []string{"a", "b", "c"} {
		assert.False(t, b.Enqueue(ev(id)))
	}
	assert.True(t, b.Enqueue(ev("d")))

	assert.Equal(t, 3, b.Len())
	assert.EqualValues(t, 1, b.Dropped())
	assert.Equal(t, []string{"b", "c", "d"}, ids(b.DequeueBatch(10)))
	assert.Nil(t, b.DequeueBatch(1))
}

func TestRingBufferRequeue(t *testing.T) {
	b := NewRingBuffer(4)
	for _, id := range []string{"a", "b", "c"} {
		b.Enqueue(ev(id))
	}
	batch := b.DequeueBatch(2)
	require.Equal(t, []string{"a", "b"}, ids(batch))

	b.Enqueue(ev("d"))
	b.Enqueue(ev("e"))
	lost := b.Requeue(batch)

	assert.Equal(t, 1, lost, "only one slot was free")
	assert.Equal(t, []string{"b", "c", "d", "e"}, ids(b.DequeueBatch(0)))
}

func TestRingBufferConcurrentEnqueue(t *testing.T) {
	b := NewRingBuffer(1000)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Enqueue(ev("x"))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, b.Len())
	assert.Zero(t, b.Dropped())
}
