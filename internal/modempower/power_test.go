package modempower

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLine struct {
	values []int
	closed bool
	err    error
}

func (f *fakeLine) SetValue(v int) error {
	if f.err != nil {
		return f.err
	}
	f.values = append(f.values, v)
	return nil
}

func (f *fakeLine) Close() error { f.closed = true; return nil }

func withFakes(t *testing.T, line *fakeLine, sleep func(context.Context, time.Duration) error) *[]time.Duration {
	t.Helper()
	var slept []time.Duration
	oldOpen, oldSleep := openLineFn, sleepFn
	openLineFn = func(string, int) (outputLine, error) { return line, nil }
	sleepFn = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		if sleep != nil {
			return sleep(ctx, d)
		}
		return nil
	}
	t.Cleanup(func() { openLineFn, sleepFn = oldOpen, oldSleep })
	return &slept
}

var testCfg = Config{Chip: "gpiochip0", Line: 6, Pulse: 500 * time.Millisecond, BootDelay: 10 * time.Second}

func TestPowerOn_PulsesOnce(t *testing.T) {
	line := &fakeLine{}
	slept := withFakes(t, line, nil)

	k, err := Open(testCfg, log.New(io.Discard))
	require.NoError(t, err)

	require.NoError(t, k.PowerOn(context.Background()))
	require.NoError(t, k.PowerOn(context.Background()))

	assert.Equal(t, []int{1, 0}, line.values)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 10 * time.Second}, *slept)

	require.NoError(t, k.Close())
	assert.True(t, line.closed)
	require.NoError(t, k.Close())
}

func TestPowerOn_CanceledReleasesKeyAndRetries(t *testing.T) {
	line := &fakeLine{}
	withFakes(t, line, func(ctx context.Context, d time.Duration) error { return ctx.Err() })

	k, err := Open(testCfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, k.PowerOn(ctx), context.Canceled)
	assert.Equal(t, []int{1, 0}, line.values)

	require.NoError(t, k.PowerOn(context.Background()))
	assert.Equal(t, []int{1, 0, 1, 0}, line.values)
}

func TestPowerOn_LineError(t *testing.T) {
	line := &fakeLine{err: errors.New("busy")}
	withFakes(t, line, nil)

	k, err := Open(testCfg, nil)
	require.NoError(t, err)
	require.ErrorContains(t, k.PowerOn(context.Background()), "busy")

	line.err = nil
	require.NoError(t, k.Close())
	require.ErrorContains(t, k.PowerOn(context.Background()), "closed")
}

func TestOpen_Validation(t *testing.T) {
	withFakes(t, &fakeLine{}, nil)

	_, err := Open(Config{Line: -1, Pulse: time.Second}, nil)
	require.Error(t, err)
	_, err = Open(Config{Line: 1}, nil)
	require.Error(t, err)
}

func TestSleepCtx(t *testing.T) {
	require.NoError(t, sleepCtx(context.Background(), time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
	require.ErrorIs(t, sleepCtx(ctx, 0), context.Canceled)
}
