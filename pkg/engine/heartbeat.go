package engine

import (
	"log/slog"
	"time"

	"github.com/dmitrymomot/pushkit/pkg/logger"
)

// runHeartbeat periodically writes a keep-alive frame to every live
// connection. A connection that cannot accept the frame is considered stale
// and pruned from the registry; its recipient keeps receiving events
// through the pending buffer and the store.
func (e *Engine) runHeartbeat() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			pruned := e.registry.HeartbeatAll()
			if len(pruned) == 0 {
				continue
			}
			e.metrics.pruned.Add(uint64(len(pruned)))
			for _, conn := range pruned {
				e.logger.Info("stale stream pruned",
					logger.Recipient(conn.Recipient()),
					logger.StreamID(conn.StreamID()),
					slog.Time("last_heartbeat", conn.LastHeartbeatAt()),
				)
			}
		}
	}
}
