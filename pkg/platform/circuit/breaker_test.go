package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type step struct {
	fail       bool
	wantOpen   bool
	wantChange bool
}

func TestBreakerTransitions(t *testing.T) {
	tests := []struct {
		name  string
		opts  []Option
		steps []step
	}{
		{
			name: "opens on the third consecutive failure",
			opts: []Option{WithFailureThreshold(3)},
			steps: []step{
				{fail: true},
				{fail: true},
				{fail: true, wantOpen: true, wantChange: true},
				{fail: true, wantOpen: true},
			},
		},
		{
			name: "success clears the failure streak",
			opts: []Option{WithFailureThreshold(3)},
			steps: []step{
				{fail: true},
				{fail: true},
				{},
				{fail: true},
				{fail: true},
				{fail: true, wantOpen: true, wantChange: true},
			},
		},
		{
			name: "closes after the success threshold",
			opts: []Option{WithFailureThreshold(1), WithSuccessThreshold(2)},
			steps: []step{
				{fail: true, wantOpen: true, wantChange: true},
				{wantOpen: true},
				{wantChange: true},
			},
		},
		{
			name: "failure while open restarts the success streak",
			opts: []Option{WithFailureThreshold(1), WithSuccessThreshold(3)},
			steps: []step{
				{fail: true, wantOpen: true, wantChange: true},
				{wantOpen: true},
				{wantOpen: true},
				{fail: true, wantOpen: true},
				{wantOpen: true},
				{wantOpen: true},
				{wantChange: true},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("etherscan", tt.opts...)
			for i, s := range tt.steps {
				var changed bool
				if s.fail {
					_, c := b.RecordFailure()
					changed = c.Opened
				} else {
					_, c := b.RecordSuccess()
					changed = c.Closed
				}
				assert.Equal(t, s.wantOpen, b.IsOpen(), "step %d open", i)
				assert.Equal(t, s.wantChange, changed, "step %d change", i)
			}
		})
	}
}

func TestBreakerFallbackSignal(t *testing.T) {
	b := New("solana-rpc", WithFailureThreshold(2))
	require.Equal(t, "solana-rpc", b.Name())
	require.Equal(t, StateClosed, b.State())

	useFallback, _ := b.RecordFailure()
	assert.False(t, useFallback)
	useFallback, _ = b.RecordFailure()
	assert.True(t, useFallback)
	assert.Equal(t, "open", b.State().String())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	usePrimary, change := b.RecordSuccess()
	assert.True(t, usePrimary)
	assert.False(t, change.Closed, "already closed")
}

func TestBreakerCooldownProbe(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New("explorer", WithFailureThreshold(1), WithCooldown(time.Minute), WithClock(func() time.Time { return now }))

	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.False(t, b.Allow())

	now = now.Add(59 * time.Second)
	assert.False(t, b.Allow())

	now = now.Add(time.Second)
	assert.True(t, b.Allow(), "probe allowed once cooldown elapses")

	b.RecordFailure()
	assert.False(t, b.Allow(), "failed probe restarts the cooldown")
}
