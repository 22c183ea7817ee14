package clock

import "time"

const defaultNotificationBuffer = 16

// Anomaly reasons carried by NotificationAnomaly.
const (
	ReasonWallClockRollback = "wall_clock_rollback"
	ReasonOverflow          = "overflow"
	ReasonFutureTick        = "future_tick"
)

// NotificationKind distinguishes resyncs from diagnostics.
type NotificationKind uint8

const (
	NotificationUndefined NotificationKind = iota
	NotificationResync
	NotificationAnomaly
)

func (k NotificationKind) String() string {
	switch k {
	case NotificationResync:
		return "resync"
	case NotificationAnomaly:
		return "anomaly"
	case NotificationUndefined:
		return "undefined"
	default:
		return "undefined"
	}
}

// Notification is delivered to subscribers when the clock is resynced or misbehaves.
type Notification struct {
	Kind NotificationKind
	// Previous is the extrapolated tick immediately before a resync.
	Previous Tick
	// Tick is the new anchor tick for resyncs, or the tick returned for anomalies.
	Tick   Tick
	At     time.Time
	Reason string
}

// Subscribe returns a channel of notifications and a function that cancels the subscription and
// closes the channel. Delivery is best effort: a subscriber that does not keep up misses
// notifications instead of stalling the clock.
func (c *Clock) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, c.bufSize)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once bool
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if once {
			return
		}
		once = true
		delete(c.subs, id)
		close(ch)
	}
}

func (c *Clock) notify(n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range c.subs {
		select {
		case ch <- n:
		default:
			c.log.Debug().Stringer("kind", n.Kind).Msg("Dropped clock notification for slow subscriber")
		}
	}
}
