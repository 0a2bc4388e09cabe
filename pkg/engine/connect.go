package engine

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmitrymomot/pushkit/pkg/event"
	"github.com/dmitrymomot/pushkit/pkg/logger"
	"github.com/dmitrymomot/pushkit/pkg/stream"
)

// Connect registers a new streaming connection for the recipient and
// replays everything they missed while offline: first the in-memory pending
// buffer, then unread stored events newer than the recipient's last live
// delivery. Replayed frames carry the recovered marker so the consumer can
// distinguish them from fresh events.
func (e *Engine) Connect(ctx context.Context, recipient string, t stream.Transport) (*stream.Connection, error) {
	if e.shutdown.Load() {
		return nil, ErrShutdown
	}

	conn := e.registry.Register(recipient, t)
	if conn == nil {
		return nil, ErrShutdown
	}

	// Remember the recipient so future offline broadcasts can be parked
	// for them even with an empty buffer.
	e.pending.Track(recipient)

	replayed := make(map[uuid.UUID]struct{})
	drained := e.pending.Drain(recipient)
	for i, ev := range drained {
		if ev.ExpiredAt(e.now()) {
			e.expire(ctx, ev)
			continue
		}
		if err := conn.Write(stream.EventFrame(ev, true)); err != nil {
			// The brand new connection cannot keep up. Everything not
			// written yet goes back in order, so the next reconnect
			// resumes where this one stopped.
			for _, rest := range drained[i:] {
				e.pending.Append(recipient, rest)
			}
			e.logger.WarnContext(ctx, "recovery replay aborted",
				logger.Recipient(recipient),
				logger.StreamID(conn.StreamID()),
				logger.Error(err),
			)
			return conn, nil
		}
		replayed[ev.ID] = struct{}{}
		ev.MarkDelivered()
		e.metrics.delivered.Add(1)
		e.markLastDelivered(recipient, e.now())
		if ev.Persistent {
			if err := e.store.MarkDelivered(ctx, ev.ID); err != nil {
				e.logger.ErrorContext(ctx, "mark delivered failed",
					logger.EventID(ev.ID),
					logger.Error(err),
				)
			}
		}
	}

	// Stored events cover what the in-memory buffer cannot: broadcasts
	// published before this recipient was known, and anything dropped by
	// a restart.
	stored, err := e.store.FetchUnreadSince(ctx, recipient, e.lastDeliveredAt(recipient))
	if err != nil {
		// Recovery is best effort; the poll interface still has the
		// events.
		e.logger.ErrorContext(ctx, "recovery fetch failed",
			logger.Recipient(recipient),
			logger.Error(err),
		)
		return conn, nil
	}
	for _, ev := range stored {
		if _, seen := replayed[ev.ID]; seen {
			continue
		}
		if err := conn.Write(stream.EventFrame(ev, true)); err != nil {
			break
		}
		e.metrics.delivered.Add(1)
		e.markLastDelivered(recipient, e.now())
	}

	e.logger.InfoContext(ctx, "stream connected",
		logger.Recipient(recipient),
		logger.StreamID(conn.StreamID()),
		slog.Int("recovered", len(replayed)+len(stored)),
	)
	return conn, nil
}

// Disconnect removes a single stream from the registry. Undelivered events
// for the recipient remain in the pending buffer and the store.
func (e *Engine) Disconnect(recipient string, streamID uuid.UUID) {
	e.registry.Unregister(recipient, streamID)
	e.logger.Info("stream disconnected",
		logger.Recipient(recipient),
		logger.StreamID(streamID),
	)
}

func (e *Engine) expire(ctx context.Context, ev event.Event) {
	e.metrics.expired.Add(1)
	if !ev.Persistent {
		return
	}
	if err := e.store.MarkExpired(ctx, ev.ID); err != nil {
		e.logger.ErrorContext(ctx, "mark expired failed",
			logger.EventID(ev.ID),
			logger.Error(err),
		)
	}
}
