// Package engine wires the event pipeline together: a bounded intake
// queue, a single-consumer distributor that fans events out to live
// streaming connections, a per-recipient pending buffer for offline
// recipients, exponential-backoff retries for transient write failures,
// and background heartbeat and cleanup loops.
//
// The engine guarantees at-least-once delivery for persistent events:
// they are stored before they are queued, parked when the recipient is
// offline, replayed with a recovered marker on reconnect, and persisted
// in a failed state when the retry budget runs out so the poll interface
// can still surface them.
//
//	eng := engine.New(store.NewMemoryStore(), engine.DefaultConfig())
//	if err := eng.Start(ctx); err != nil {
//		return err
//	}
//	defer eng.Close()
//
//	id, err := eng.Submit(ctx, event.Event{
//		Type:       "order.shipped",
//		Target:     "user-42",
//		Persistent: true,
//		Payload:    event.Payload{Title: "Order shipped"},
//	})
package engine
