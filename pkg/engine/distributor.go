package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/dmitrymomot/pushkit/pkg/event"
	"github.com/dmitrymomot/pushkit/pkg/logger"
	"github.com/dmitrymomot/pushkit/pkg/stream"
)

// runDistributor is the single consumer of the intake queue. One event is
// in flight at a time, which keeps per-recipient delivery order matching
// submission order without extra coordination.
func (e *Engine) runDistributor() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case ev := <-e.intake:
			e.dispatch(e.ctx, ev)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, ev event.Event) {
	if ev.ExpiredAt(e.now()) {
		e.expire(ctx, ev)
		return
	}

	if err := ev.TransitionTo(event.StatusDispatching); err != nil {
		e.logger.WarnContext(ctx, "event skipped, not dispatchable",
			logger.EventID(ev.ID),
			logger.Error(err),
		)
		return
	}

	if ev.IsBroadcast() {
		e.dispatchBroadcast(ctx, ev)
		return
	}
	e.dispatchTargeted(ctx, ev)
}

// dispatchBroadcast fans the event out to every live connection and parks a
// copy for each known offline recipient. Broadcast delivery is best effort
// per connection: a failed write prunes that connection only, the broadcast
// itself is considered handled.
func (e *Engine) dispatchBroadcast(ctx context.Context, ev event.Event) {
	delivered, pruned := e.registry.PushAll(stream.EventFrame(ev, false))
	e.metrics.broadcasts.Add(1)
	e.metrics.delivered.Add(uint64(delivered))
	if pruned > 0 {
		e.metrics.pruned.Add(uint64(pruned))
	}

	online := make(map[string]struct{})
	for _, r := range e.registry.Recipients() {
		online[r] = struct{}{}
	}

	// Offline recipients the engine has seen before get the broadcast
	// buffered; recipients it has never seen recover it from the store on
	// their first connect.
	if ev.Persistent || e.cfg.ParkEphemeralBroadcast {
		for _, recipient := range e.pending.Recipients() {
			if _, ok := online[recipient]; ok {
				continue
			}
			queued := ev
			queued.Status = event.StatusQueued
			if dropped := e.pending.Append(recipient, queued); dropped != nil {
				e.logger.WarnContext(ctx, "pending buffer overflow",
					logger.Recipient(recipient),
					logger.EventID(dropped.ID),
				)
			}
			e.metrics.queued.Add(1)
		}
	}

	if ev.Persistent {
		ev.MarkDelivered()
		if err := e.store.MarkDelivered(ctx, ev.ID); err != nil {
			e.logger.ErrorContext(ctx, "mark delivered failed",
				logger.EventID(ev.ID),
				logger.Error(err),
			)
		}
	}

	e.logger.DebugContext(ctx, "broadcast dispatched",
		logger.EventID(ev.ID),
		logger.EventType(ev.Type),
		slog.Int("delivered", delivered),
		slog.Int("pruned", pruned),
	)
}

// dispatchTargeted delivers to a single recipient's live connections, or
// parks the event when they are offline. A transient write failure on a
// live connection schedules a retry; "recipient offline" is not a failure.
func (e *Engine) dispatchTargeted(ctx context.Context, ev event.Event) {
	if e.registry.Connections(ev.Target) == 0 {
		if !ev.Persistent {
			// Nothing to deliver to and nowhere durable to keep it. The
			// event still completes its lifecycle as delivered, best effort.
			ev.MarkDelivered()
			e.logger.DebugContext(ctx, "ephemeral event discarded, recipient offline",
				logger.EventID(ev.ID),
				logger.Recipient(ev.Target),
			)
			return
		}
		queued := ev
		queued.Status = event.StatusQueued
		if dropped := e.pending.Append(ev.Target, queued); dropped != nil {
			e.logger.WarnContext(ctx, "pending buffer overflow",
				logger.Recipient(ev.Target),
				logger.EventID(dropped.ID),
			)
		}
		e.metrics.queued.Add(1)
		return
	}

	delivered, failed := e.registry.Push(ev.Target, stream.EventFrame(ev, false))
	if len(failed) > 0 {
		e.metrics.pruned.Add(uint64(len(failed)))
	}
	if delivered > 0 {
		e.metrics.delivered.Add(uint64(delivered))
	}

	if len(failed) > 0 || delivered == 0 {
		// Any write failure on a targeted event is transient and gets a
		// retry, even when other streams of the same recipient accepted
		// the frame. Only the fully clean fan-out counts as delivered.
		e.scheduleRetry(ctx, ev)
		return
	}

	e.markLastDelivered(ev.Target, e.now())

	ev.MarkDelivered()
	if ev.Persistent {
		if err := e.store.MarkDelivered(ctx, ev.ID); err != nil {
			e.logger.ErrorContext(ctx, "mark delivered failed",
				logger.EventID(ev.ID),
				logger.Error(err),
			)
		}
	}
}

// scheduleRetry re-enqueues the event after an exponential backoff delay.
// After the attempt budget is spent the event is persisted in its failed
// state so the poll interface can still surface it.
func (e *Engine) scheduleRetry(ctx context.Context, ev event.Event) {
	ev.Attempt++

	if ev.Attempt >= e.cfg.MaxRetries {
		if err := ev.TransitionTo(event.StatusFailedPersisted); err != nil {
			e.logger.WarnContext(ctx, "retry dropped, event already terminal",
				logger.EventID(ev.ID),
				logger.Error(err),
			)
			return
		}
		e.metrics.failed.Add(1)
		// Persist even ephemeral events here: an event that survived the
		// whole retry budget should not vanish silently.
		if err := e.store.Persist(ctx, ev); err != nil {
			e.logger.ErrorContext(ctx, "persist failed event",
				logger.EventID(ev.ID),
				logger.Error(err),
			)
		}
		e.logger.WarnContext(ctx, "delivery failed, retries exhausted",
			logger.EventID(ev.ID),
			logger.Recipient(ev.Target),
			logger.Attempt(ev.Attempt),
		)
		return
	}

	if err := ev.TransitionTo(event.StatusRetryPending); err != nil {
		e.logger.WarnContext(ctx, "retry dropped, event already terminal",
			logger.EventID(ev.ID),
			logger.Error(err),
		)
		return
	}
	e.metrics.retried.Add(1)
	if ev.Persistent {
		if err := e.store.Persist(ctx, ev); err != nil {
			e.logger.ErrorContext(ctx, "persist retry state",
				logger.EventID(ev.ID),
				logger.Error(err),
			)
		}
	}

	delay := e.cfg.RetryBaseDelay << uint(ev.Attempt-1)
	if delay > e.cfg.RetryMaxDelay || delay <= 0 {
		delay = e.cfg.RetryMaxDelay
	}

	e.logger.DebugContext(ctx, "retry scheduled",
		logger.EventID(ev.ID),
		logger.Attempt(ev.Attempt),
		logger.Duration(delay),
	)

	retry := ev
	e.retryTimersMu.Lock()
	e.retryTimers[ev.ID] = time.AfterFunc(delay, func() {
		e.retryTimersMu.Lock()
		delete(e.retryTimers, retry.ID)
		e.retryTimersMu.Unlock()

		if e.shutdown.Load() {
			return
		}
		select {
		case e.intake <- retry:
		default:
			// Intake saturated during backoff; spend another attempt
			// rather than blocking the timer goroutine.
			e.scheduleRetry(e.ctx, retry)
		}
	})
	e.retryTimersMu.Unlock()
}
