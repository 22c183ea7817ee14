// Package clock provides the logical world clock: a tick counter that tracks the authoritative
// world tick between resyncs by extrapolating from the wall clock.
package clock

import (
	"math"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/argus-labs/world-engine-client/pkg/assert"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Tick is a logical world time unit. The world advances a fixed number of ticks per second.
type Tick uint64

// ErrInvalidTickRate is returned when a clock is constructed with a rate of zero.
var ErrInvalidTickRate = eris.New("ticks per second must be at least 1")

// anchor is the last authoritative observation. It is replaced as a whole on every resync so
// readers never observe a tick from one resync paired with the wall time of another.
type anchor struct {
	tick Tick
	at   time.Time
}

// Clock extrapolates the current world tick from the last resync. It is safe for concurrent use.
type Clock struct {
	rate   uint64
	anchor atomic.Pointer[anchor]
	synced atomic.Bool

	now func() time.Time
	log zerolog.Logger

	mu      sync.Mutex
	subs    map[uint64]chan Notification
	nextSub uint64
	bufSize int
}

// New creates a clock advancing ticksPerSecond ticks per second. Until the first Resync the clock
// is anchored at tick 0 at construction time.
func New(ticksPerSecond uint64, opts ...Option) (*Clock, error) {
	if ticksPerSecond == 0 {
		return nil, eris.Wrapf(ErrInvalidTickRate, "got %d", ticksPerSecond)
	}

	c := &Clock{
		rate:    ticksPerSecond,
		now:     time.Now,
		log:     zerolog.Nop(),
		subs:    make(map[uint64]chan Notification),
		bufSize: defaultNotificationBuffer,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.anchor.Store(&anchor{tick: 0, at: c.now()})

	return c, nil
}

// Rate returns the number of ticks per second.
func (c *Clock) Rate() uint64 {
	return c.rate
}

// Synced reports whether the clock has been resynced at least once.
func (c *Clock) Synced() bool {
	return c.synced.Load()
}

// Anchor returns the tick and wall time of the last resync.
func (c *Clock) Anchor() (Tick, time.Time) {
	a := c.anchor.Load()
	return a.tick, a.at
}

// Resync rebases the clock so that tick is the current tick as of now. Subscribers are notified.
func (c *Clock) Resync(tick Tick) {
	now := c.now()
	prev := c.anchor.Swap(&anchor{tick: tick, at: now})
	c.synced.Store(true)

	previous, _ := c.extrapolate(prev, now)
	c.log.Debug().
		Uint64("previous_tick", uint64(previous)).
		Uint64("tick", uint64(tick)).
		Msg("Clock resynced")

	c.notify(Notification{Kind: NotificationResync, Previous: previous, Tick: tick, At: now})
}

// CurrentTick returns anchorTick + floor(elapsed seconds * rate). When the wall clock has moved
// behind the anchor, or the result would overflow, the anchor tick is returned unchanged and an
// anomaly is reported.
func (c *Clock) CurrentTick() Tick {
	now := c.now()
	a := c.anchor.Load()

	tick, anomaly := c.extrapolate(a, now)
	if anomaly != "" {
		c.reportAnomaly(anomaly, a.tick, now)
	}
	return tick
}

// SecondsElapsed returns the current tick expressed in seconds of world time.
func (c *Clock) SecondsElapsed() float64 {
	return c.TicksToSeconds(c.CurrentTick())
}

// TickToWallTime returns the local wall time at which tick occurred. Ticks ahead of the current
// tick are clamped to the current tick, so the result is never in the future.
func (c *Clock) TickToWallTime(tick Tick) time.Time {
	now := c.now()
	a := c.anchor.Load()

	current, anomaly := c.extrapolate(a, now)
	if anomaly != "" {
		c.reportAnomaly(anomaly, a.tick, now)
	}
	if tick > current {
		c.log.Warn().
			Uint64("tick", uint64(tick)).
			Uint64("current_tick", uint64(current)).
			Msg("Requested tick is ahead of the clock, clamping to current tick")
		c.notify(Notification{Kind: NotificationAnomaly, Tick: current, At: now, Reason: ReasonFutureTick})
		tick = current
	}

	return now.Add(-c.TicksToDuration(current - tick))
}

// SecondsToTicks converts seconds to ticks, truncating toward zero. Negative values yield 0.
func (c *Clock) SecondsToTicks(seconds float64) Tick {
	if !(seconds > 0) { // also catches NaN
		return 0
	}
	ticks := seconds * float64(c.rate)
	if ticks >= math.MaxUint64 {
		return math.MaxUint64
	}
	return Tick(ticks)
}

// TicksToSeconds converts ticks to seconds.
func (c *Clock) TicksToSeconds(ticks Tick) float64 {
	return float64(ticks) / float64(c.rate)
}

// DurationToTicks converts a duration to ticks, truncating toward zero. Negative durations yield 0.
func (c *Clock) DurationToTicks(d time.Duration) Tick {
	if d <= 0 {
		return 0
	}
	ticks, ok := c.durationToTicks(d)
	if !ok {
		return math.MaxUint64
	}
	return ticks
}

// TicksToDuration converts ticks to a duration, truncating toward zero and saturating at the
// largest representable duration.
func (c *Clock) TicksToDuration(ticks Tick) time.Duration {
	hi, lo := bits.Mul64(uint64(ticks), uint64(time.Second))
	if hi >= c.rate {
		return time.Duration(math.MaxInt64)
	}
	ns, _ := bits.Div64(hi, lo, c.rate)
	if ns > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}

// extrapolate computes the tick at now relative to a. It never fails; a non-empty reason means the
// anchor tick was returned because the extrapolation was not meaningful.
func (c *Clock) extrapolate(a *anchor, now time.Time) (Tick, string) {
	assert.That(a != nil, "clock used before anchor was initialized")

	elapsed := now.Sub(a.at)
	if elapsed < 0 {
		return a.tick, ReasonWallClockRollback
	}

	delta, ok := c.durationToTicks(elapsed)
	if !ok {
		return a.tick, ReasonOverflow
	}
	sum, carry := bits.Add64(uint64(a.tick), uint64(delta), 0)
	if carry != 0 {
		return a.tick, ReasonOverflow
	}
	return Tick(sum), ""
}

func (c *Clock) durationToTicks(d time.Duration) (Tick, bool) {
	hi, lo := bits.Mul64(uint64(d), c.rate)
	if hi >= uint64(time.Second) {
		return 0, false
	}
	q, _ := bits.Div64(hi, lo, uint64(time.Second))
	return Tick(q), true
}

func (c *Clock) reportAnomaly(reason string, anchorTick Tick, now time.Time) {
	c.log.Warn().
		Str("reason", reason).
		Uint64("anchor_tick", uint64(anchorTick)).
		Msg("Clock extrapolation anomaly, holding anchor tick")
	c.notify(Notification{Kind: NotificationAnomaly, Tick: anchorTick, At: now, Reason: reason})
}

// -------------------------------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------------------------------

// Option configures a Clock.
type Option func(*Clock)

// WithLogger sets the logger used for resync and anomaly diagnostics.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Clock) {
		c.log = log
	}
}

// WithNow replaces the wall clock source.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) {
		if now != nil {
			c.now = now
		}
	}
}

// WithNotificationBuffer sets the channel capacity of new subscriptions.
func WithNotificationBuffer(size int) Option {
	return func(c *Clock) {
		if size > 0 {
			c.bufSize = size
		}
	}
}
