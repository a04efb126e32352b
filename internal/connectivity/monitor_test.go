package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newManualMonitor(initial bool, debounce time.Duration) (*Monitor, *fakeClock) {
	clk := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := New(initial, WithDebounce(debounce))
	m.now = clk.Now
	return m, clk
}

func TestSetWithoutDebounceIsImmediate(t *testing.T) {
	m := New(false, WithDebounce(0))
	var ups, downs int
	m.OnOnline(func() { ups++ })
	m.OnOffline(func() { downs++ })

	m.Set(true)
	assert.True(t, m.Online())
	m.Set(true)
	m.Set(false)
	assert.False(t, m.Online())
	assert.Equal(t, 1, ups)
	assert.Equal(t, 1, downs)
}

func TestFlappingWithinWindowIsDropped(t *testing.T) {
	m, clk := newManualMonitor(false, time.Second)
	var ups int
	m.OnOnline(func() { ups++ })

	m.Set(true)
	clk.Advance(300 * time.Millisecond)
	m.settle()
	assert.False(t, m.Online())

	m.Set(false)
	clk.Advance(2 * time.Second)
	m.settle()
	assert.False(t, m.Online())
	assert.Equal(t, 0, ups)
}

func TestStableChangeIsPublished(t *testing.T) {
	m, clk := newManualMonitor(true, time.Second)
	var downs int
	m.OnOffline(func() { downs++ })

	m.Set(false)
	clk.Advance(999 * time.Millisecond)
	m.settle()
	assert.True(t, m.Online())

	clk.Advance(time.Millisecond)
	m.settle()
	assert.False(t, m.Online())
	assert.Equal(t, 1, downs)

	// Repeated settles do not re-fire callbacks.
	m.settle()
	assert.Equal(t, 1, downs)
}

func TestRepeatedSignalDoesNotResetWindow(t *testing.T) {
	m, clk := newManualMonitor(false, time.Second)

	m.Set(true)
	clk.Advance(600 * time.Millisecond)
	m.Set(true)
	clk.Advance(600 * time.Millisecond)
	m.settle()
	assert.True(t, m.Online())
}

func TestCheck(t *testing.T) {
	var fail atomic.Bool
	probe := func(context.Context) error {
		if fail.Load() {
			return errors.New("unreachable")
		}
		return nil
	}
	m := New(false, WithDebounce(0), WithProbe(probe, 0, time.Second))

	require.NoError(t, m.Check(context.Background()))
	assert.True(t, m.Online())

	fail.Store(true)
	assert.Error(t, m.Check(context.Background()))
	assert.False(t, m.Online())
}

func TestCheckWithoutProbe(t *testing.T) {
	m := New(true)
	assert.NoError(t, m.Check(context.Background()))
	assert.True(t, m.Online())
}

func TestCheckCancelledCallerKeepsState(t *testing.T) {
	m := New(true, WithDebounce(0), WithProbe(
		func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}, 0, time.Minute,
	))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Check(ctx), context.Canceled)
	assert.True(t, m.Online())
}

func TestStartProbesAndDebounces(t *testing.T) {
	var reachable atomic.Bool
	reachable.Store(true)
	probe := func(context.Context) error {
		if reachable.Load() {
			return nil
		}
		return errors.New("down")
	}
	m := New(false,
		WithDebounce(40*time.Millisecond),
		WithProbe(probe, 10*time.Millisecond, time.Second),
	)
	online := make(chan struct{}, 1)
	m.OnOnline(func() {
		select {
		case online <- struct{}{}:
		default:
		}
	})
	m.Start()
	t.Cleanup(m.Stop)

	select {
	case <-online:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor never went online")
	}
	assert.True(t, m.Online())
}

func TestStopIsIdempotent(t *testing.T) {
	m := New(true, WithProbe(
		func(context.Context) error { return nil },
		5*time.Millisecond, time.Second,
	))
	m.Start()
	m.Stop()
	m.Stop()
}
