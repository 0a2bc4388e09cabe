package engine

import (
	"time"

	"github.com/dmitrymomot/pushkit/pkg/logger"
)

// runSweeper is the periodic cleanup pass: it expires overdue events in the
// pending buffers and the store, and purges read and expired rows past the
// retention window. Failures are logged and retried on the next tick; a
// broken store never stops the sweeper.
func (e *Engine) runSweeper() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	now := e.now()

	for _, ev := range e.pending.ExpireBefore(now) {
		e.expire(e.ctx, ev)
	}

	if purged, err := e.store.PurgeExpired(e.ctx); err != nil {
		e.logger.Error("purge expired events", logger.Error(err))
	} else if purged > 0 {
		e.logger.Debug("expired events purged", logger.Count(purged))
	}

	if e.cfg.ReadRetention > 0 {
		cutoff := now.Add(-e.cfg.ReadRetention)
		if purged, err := e.store.PurgeRead(e.ctx, cutoff); err != nil {
			e.logger.Error("purge read events", logger.Error(err))
		} else if purged > 0 {
			e.logger.Debug("read events purged", logger.Count(purged))
		}
	}
}
