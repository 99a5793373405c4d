package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Policy{Initial: time.Millisecond, Max: 4 * time.Millisecond, Multiplier: 2, MaxTries: 3}
}

func TestDo_StopsAfterMaxTries(t *testing.T) {
	boom := errors.New("no response")
	calls := 0
	var notified []int

	err := Do(context.Background(), fastPolicy(), 0, func(context.Context) error {
		calls++
		return boom
	}, func(attempt int, err error, wait time.Duration) {
		notified = append(notified, attempt)
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestDo_SucceedsAfterRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), 5, func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("not yet")
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	boom := errors.New("sim not ready")
	calls := 0
	err := Do(context.Background(), fastPolicy(), 5, func(context.Context) error {
		calls++
		return Permanent(boom)
	}, nil)

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Policy{Initial: time.Hour, MaxTries: 5}, 0, func(context.Context) error {
		return errors.New("x")
	}, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPolicyNormalized(t *testing.T) {
	p := Policy{Initial: 5 * time.Second, Max: time.Second, Multiplier: 0.5, Jitter: 3}.normalized()
	assert.Equal(t, 5*time.Second, p.Max)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Equal(t, 0.0, p.Jitter)
	assert.Equal(t, DefaultMaxTries, p.MaxTries)
}

func TestGate(t *testing.T) {
	now := time.Unix(1000, 0)
	g := NewGate(Policy{Initial: time.Second, Max: 4 * time.Second, Multiplier: 2})
	g.now = func() time.Time { return now }

	require.True(t, g.Ready())

	assert.Equal(t, time.Second, g.Failed())
	assert.False(t, g.Ready())
	assert.Equal(t, time.Second, g.Wait())
	now = now.Add(time.Second)
	assert.True(t, g.Ready())
	assert.Zero(t, g.Wait())

	assert.Equal(t, 2*time.Second, g.Failed())
	assert.Equal(t, 4*time.Second, g.Failed())
	assert.Equal(t, 4*time.Second, g.Failed())
	assert.Equal(t, 4, g.Failures())

	g.Succeeded()
	assert.True(t, g.Ready())
	assert.Equal(t, 0, g.Failures())
	assert.Equal(t, time.Second, g.Failed())
}
