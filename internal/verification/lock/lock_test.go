package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLock(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.clock = func() time.Time { return now }

	lease, err := m.TryLock(ctx, "discord_1", time.Second)
	require.NoError(t, err)

	_, err = m.TryLock(ctx, "discord_1", time.Second)
	assert.ErrorIs(t, err, ErrHeld)

	other, err := m.TryLock(ctx, "discord_2", time.Second)
	require.NoError(t, err, "keys are independent")
	require.NoError(t, m.Unlock(ctx, other))

	require.NoError(t, m.Unlock(ctx, lease))
	_, err = m.TryLock(ctx, "discord_1", time.Second)
	assert.NoError(t, err)
}

func TestMemoryLockExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.clock = func() time.Time { return now }

	stale, err := m.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := m.TryLock(ctx, "k", time.Second)
	require.NoError(t, err, "expired lease can be taken over")

	// The stale holder must not release its successor.
	require.NoError(t, m.Unlock(ctx, stale))
	_, err = m.TryLock(ctx, "k", time.Second)
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, m.Unlock(ctx, fresh))
}

func TestMemoryLockExtend(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.clock = func() time.Time { return now }

	lease, err := m.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)

	now = now.Add(900 * time.Millisecond)
	require.NoError(t, m.Extend(ctx, lease, time.Second))
	now = now.Add(900 * time.Millisecond)
	_, err = m.TryLock(ctx, "k", time.Second)
	assert.ErrorIs(t, err, ErrHeld, "extended lease still holds")

	now = now.Add(2 * time.Second)
	assert.ErrorIs(t, m.Extend(ctx, lease, time.Second), ErrLost)

	taken, err := m.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Extend(ctx, lease, time.Second), ErrLost, "successor keeps the key")
	require.NoError(t, m.Extend(ctx, taken, time.Second))
}

func TestKeepOutlivesTTL(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	lease, err := m.TryLock(ctx, "slow", 60*time.Millisecond)
	require.NoError(t, err)

	var lost atomic.Bool
	stop := Keep(ctx, m, lease, 60*time.Millisecond, func(error) { lost.Store(true) })
	time.Sleep(200 * time.Millisecond)

	_, err = m.TryLock(ctx, "slow", time.Second)
	assert.ErrorIs(t, err, ErrHeld)
	stop()
	assert.False(t, lost.Load())
}

func TestKeepReportsLoss(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	lease, err := m.TryLock(ctx, "gone", time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.Unlock(ctx, lease))

	lostCh := make(chan error, 1)
	stop := Keep(ctx, m, lease, 30*time.Millisecond, func(err error) { lostCh <- err })
	defer stop()

	select {
	case err := <-lostCh:
		assert.ErrorIs(t, err, ErrLost)
	case <-time.After(time.Second):
		t.Fatal("loss not reported")
	}
}

func TestMemoryLockSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.TryLock(ctx, "race", time.Minute); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}
