package manager

import (
	"context"
	"log/slog"
	"time"
)

const defaultSweepInterval = 5 * time.Minute

// IdleSweeper drops in-memory state untouched for olderThan and reports how
// many entries it released.
type IdleSweeper interface {
	EvictIdle(olderThan time.Duration) int
}

// StartIdleEvictor runs a background goroutine that periodically drops
// machines idle for longer than ttl, then runs each extra sweeper with the
// same ttl. Rows in the session store are not touched; an evicted session is
// restored on its next message.
func StartIdleEvictor(ctx context.Context, mgr *Manager, ttl, interval time.Duration, extra ...IdleSweeper) {
	if ttl <= 0 {
		slog.Info("Idle evictor disabled", "ttl", ttl)
		return
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Idle evictor started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepIdleMachines(mgr, ttl, extra)
			case <-ctx.Done():
				slog.Info("Idle evictor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepIdleMachines(mgr *Manager, ttl time.Duration, extra []IdleSweeper) {
	if evicted := mgr.EvictIdle(ttl); evicted > 0 {
		slog.Info("Idle evictor dropped machines", "evicted", evicted, "remaining", mgr.Len())
	}
	for _, sweeper := range extra {
		if released := sweeper.EvictIdle(ttl); released > 0 {
			slog.Info("Idle evictor released session state", "released", released)
		}
	}
}
