package worldengine

import (
	"context"
	"time"

	"github.com/argus-labs/world-engine-client/pkg/clock"
	"github.com/argus-labs/world-engine-client/pkg/correlation"
	"github.com/rotisserie/eris"
)

var ErrNoClock = eris.New("client has no clock")

// CurrentTick asks the world for its current tick.
func (c *Client) CurrentTick(ctx context.Context) correlation.Outcome[clock.Tick] {
	return correlation.Then(query[worldTickReply](ctx, c, rpcWorldTick, nil), func(r worldTickReply) (clock.Tick, error) {
		return r.Tick, nil
	})
}

// SyncClock fetches the world tick and resyncs the clock with it.
func (c *Client) SyncClock(ctx context.Context) correlation.Outcome[clock.Tick] {
	if c.clock == nil {
		return correlation.Failure[clock.Tick](ErrNoClock)
	}
	out := c.CurrentTick(ctx)
	if out.IsSuccess() {
		c.clock.Resync(out.Value)
	}
	return out
}

// RunClockSync resyncs the clock immediately and then on every interval until ctx is done. A
// non-positive interval uses the configured one. Failed syncs are logged and retried on the next
// interval.
func (c *Client) RunClockSync(ctx context.Context, interval time.Duration) error {
	if c.clock == nil {
		return ErrNoClock
	}
	if interval <= 0 {
		interval = c.cfg.ClockSyncInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if out := c.SyncClock(ctx); !out.IsSuccess() {
			c.log.Warn().Err(out.Err).Str("outcome", out.Kind.String()).Msg("Failed to sync world clock")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
