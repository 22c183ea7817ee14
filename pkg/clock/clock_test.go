package clock_test

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/argus-labs/world-engine-client/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNow is a settable wall clock.
type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeNow() *fakeNow {
	return &fakeNow{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newTestClock(t *testing.T, rate uint64) (*clock.Clock, *fakeNow) {
	t.Helper()

	now := newFakeNow()
	c, err := clock.New(rate, clock.WithNow(now.Now))
	require.NoError(t, err)
	return c, now
}

func TestNew_RejectsZeroRate(t *testing.T) {
	t.Parallel()

	c, err := clock.New(0)
	require.ErrorIs(t, err, clock.ErrInvalidTickRate)
	assert.Nil(t, c)
}

func TestClock_ResyncAndExtrapolate(t *testing.T) {
	t.Parallel()

	c, now := newTestClock(t, 10)
	assert.False(t, c.Synced())
	assert.Equal(t, clock.Tick(0), c.CurrentTick())

	c.Resync(100)
	assert.True(t, c.Synced())
	assert.Equal(t, clock.Tick(100), c.CurrentTick())

	now.Advance(2500 * time.Millisecond)
	assert.Equal(t, clock.Tick(125), c.CurrentTick())
	assert.InDelta(t, 12.5, c.SecondsElapsed(), 1e-9)

	// Partial ticks are floored.
	now.Advance(99 * time.Millisecond)
	assert.Equal(t, clock.Tick(125), c.CurrentTick())
	now.Advance(time.Millisecond)
	assert.Equal(t, clock.Tick(126), c.CurrentTick())
}

func TestClock_Monotonic(t *testing.T) {
	t.Parallel()

	c, now := newTestClock(t, 60)
	c.Resync(1_000)

	prev := c.CurrentTick()
	for range 1_000 {
		now.Advance(7 * time.Millisecond)
		cur := c.CurrentTick()
		require.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestClock_ResyncRebases(t *testing.T) {
	t.Parallel()

	c, now := newTestClock(t, 20)
	c.Resync(500)
	now.Advance(10 * time.Second)
	require.Equal(t, clock.Tick(700), c.CurrentTick())

	// The authoritative tick may be behind our extrapolation; resync jumps back.
	c.Resync(650)
	assert.Equal(t, clock.Tick(650), c.CurrentTick())
	tick, at := c.Anchor()
	assert.Equal(t, clock.Tick(650), tick)
	assert.Equal(t, now.Now(), at)
}

func TestClock_WallClockRollback(t *testing.T) {
	t.Parallel()

	c, now := newTestClock(t, 10)
	notes, cancel := c.Subscribe()
	defer cancel()

	c.Resync(42)
	<-notes

	now.Advance(-5 * time.Second)
	assert.Equal(t, clock.Tick(42), c.CurrentTick())

	n := <-notes
	assert.Equal(t, clock.NotificationAnomaly, n.Kind)
	assert.Equal(t, clock.ReasonWallClockRollback, n.Reason)
	assert.Equal(t, clock.Tick(42), n.Tick)
}

func TestClock_Overflow(t *testing.T) {
	t.Parallel()

	c, now := newTestClock(t, 1_000)
	c.Resync(math.MaxUint64 - 5)

	now.Advance(time.Second)
	assert.Equal(t, clock.Tick(math.MaxUint64-5), c.CurrentTick())
}

func TestClock_TickToWallTime(t *testing.T) {
	t.Parallel()

	c, now := newTestClock(t, 10)
	c.Resync(100)
	now.Advance(2500 * time.Millisecond)

	t.Run("past tick", func(t *testing.T) {
		assert.Equal(t, now.Now().Add(-2*time.Second), c.TickToWallTime(105))
	})

	t.Run("current tick is now", func(t *testing.T) {
		assert.Equal(t, now.Now(), c.TickToWallTime(c.CurrentTick()))
	})

	t.Run("future tick is clamped", func(t *testing.T) {
		got := c.TickToWallTime(10_000)
		assert.Equal(t, c.TickToWallTime(c.CurrentTick()), got)
		assert.False(t, got.After(now.Now()))
	})
}

func TestClock_Conversions(t *testing.T) {
	t.Parallel()

	c, _ := newTestClock(t, 30)

	assert.Equal(t, clock.Tick(45), c.SecondsToTicks(1.5))
	assert.Equal(t, clock.Tick(1), c.SecondsToTicks(0.05))
	assert.Equal(t, clock.Tick(0), c.SecondsToTicks(0.01))
	assert.Equal(t, clock.Tick(0), c.SecondsToTicks(-3))
	assert.Equal(t, clock.Tick(0), c.SecondsToTicks(math.NaN()))
	assert.Equal(t, clock.Tick(math.MaxUint64), c.SecondsToTicks(math.Inf(1)))

	assert.InDelta(t, 2.0, c.TicksToSeconds(60), 1e-9)

	assert.Equal(t, clock.Tick(3), c.DurationToTicks(110*time.Millisecond))
	assert.Equal(t, clock.Tick(0), c.DurationToTicks(-time.Second))
	assert.Equal(t, 100*time.Millisecond, c.TicksToDuration(3))
	assert.Equal(t, time.Duration(math.MaxInt64), c.TicksToDuration(math.MaxUint64))
}

func TestClock_Subscribe(t *testing.T) {
	t.Parallel()

	c, now := newTestClock(t, 10)
	notes, cancel := c.Subscribe()

	now.Advance(time.Second)
	c.Resync(7)

	n := <-notes
	assert.Equal(t, clock.NotificationResync, n.Kind)
	assert.Equal(t, clock.Tick(10), n.Previous)
	assert.Equal(t, clock.Tick(7), n.Tick)
	assert.Equal(t, now.Now(), n.At)

	cancel()
	cancel()
	_, ok := <-notes
	assert.False(t, ok)

	// Resyncing with no subscribers must not block.
	c.Resync(8)
}

func TestClock_SlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()

	now := newFakeNow()
	c, err := clock.New(10, clock.WithNow(now.Now), clock.WithNotificationBuffer(1))
	require.NoError(t, err)

	notes, cancel := c.Subscribe()
	defer cancel()

	for i := range 5 {
		c.Resync(clock.Tick(i))
	}
	n := <-notes
	assert.Equal(t, clock.Tick(0), n.Tick)
	assert.Empty(t, notes)
}

func TestClock_ConcurrentResync(t *testing.T) {
	t.Parallel()

	c, err := clock.New(1_000)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := range 100 {
				c.Resync(clock.Tick(i*1_000 + j))
			}
		}()
		go func() {
			defer wg.Done()
			for range 100 {
				_ = c.CurrentTick()
				_ = c.TickToWallTime(5)
			}
		}()
	}
	wg.Wait()
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("WORLD_TICK_RATE", "20")

	cfg, err := clock.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, uint64(20), cfg.TickRate)

	c, err := clock.NewFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), c.Rate())

	_, err = clock.NewFromConfig(clock.Config{TickRate: 0})
	require.ErrorIs(t, err, clock.ErrInvalidTickRate)
}
