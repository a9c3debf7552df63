// ABOUTME: Background sweeper that applies every time-driven rule of the coordinator
// ABOUTME: Session timers, head-of-queue eviction and command expiry/retention on one ticker

package gateway

import (
	"context"
	"time"
)

// runSweeper calls sweepOnce every sweeper.interval until ctx is canceled.
func (g *Gateway) runSweeper(ctx context.Context) {
	interval := g.config.Sweeper.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweepOnce(ctx)
		}
	}
}

// sweepStats reports what one sweep pass changed.
type sweepStats struct {
	Advanced int
	Evicted  int
	Expired  int
	Pruned   int64
}

// sweepOnce runs one pass. Session timers go first so a session finishing
// on this pass stamps the next head before the eviction check looks at it.
// Failures are logged and the remaining steps still run.
func (g *Gateway) sweepOnce(ctx context.Context) sweepStats {
	var st sweepStats
	var err error

	if st.Advanced, err = g.sessions.Tick(ctx); err != nil {
		g.logger.Error("session tick failed", "error", err)
	}
	if st.Evicted, err = g.queue.SweepHeads(ctx); err != nil {
		g.logger.Error("head sweep failed", "error", err)
	}
	res, err := g.channel.Sweep(ctx)
	if err != nil {
		g.logger.Error("command sweep failed", "error", err)
	}
	st.Expired, st.Pruned = res.Expired, res.Pruned

	if err := g.refreshHealth(ctx); err != nil {
		g.logger.Warn("store ping failed", "error", err)
	}

	if st != (sweepStats{}) {
		g.logger.Debug("sweep",
			"advanced", st.Advanced,
			"evicted", st.Evicted,
			"expired", st.Expired,
			"pruned", st.Pruned,
		)
	}
	return st
}
