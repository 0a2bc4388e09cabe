package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/pushkit/pkg/event"
	"github.com/dmitrymomot/pushkit/pkg/store"
	"github.com/dmitrymomot/pushkit/pkg/stream"
)

// testConfig keeps the background loops quiet and the retry path fast so
// tests exercise one mechanism at a time.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = time.Minute
	cfg.SweepInterval = time.Minute
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	return cfg
}

func startEngine(t *testing.T, st store.Store, cfg Config, opts ...Option) *Engine {
	t.Helper()

	eng := New(st, cfg, opts...)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func waitFrame(t *testing.T, tr *stream.ChanTransport) stream.Frame {
	t.Helper()

	select {
	case f, ok := <-tr.Frames():
		require.True(t, ok, "transport closed while waiting for frame")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return stream.Frame{}
	}
}

func targeted(target string) event.Event {
	return event.Event{
		Type:       "test.event",
		Target:     target,
		Persistent: true,
		Payload:    event.Payload{Title: "hello"},
	}
}

func TestEngine_Submit(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns id, timestamps and default expiry", func(t *testing.T) {
		st := store.NewMemoryStore()
		eng := startEngine(t, st, testConfig())

		id, err := eng.Submit(ctx, targeted("alice"))
		require.NoError(t, err)
		require.NotEqual(t, uuid.Nil, id)

		got, err := st.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, got.CreatedAt.IsZero())
		require.NotNil(t, got.ExpiresAt)
		assert.WithinDuration(t, got.CreatedAt.Add(time.Hour), *got.ExpiresAt, time.Second)
	})

	t.Run("rejects malformed events", func(t *testing.T) {
		eng := startEngine(t, store.NewMemoryStore(), testConfig())

		_, err := eng.Submit(ctx, event.Event{Target: "alice"})
		var verr event.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "type", verr.Field)
	})

	t.Run("payload validator gates registered types", func(t *testing.T) {
		types := event.NewTypeRegistry()
		types.Register("strict.event", func(p event.Payload) error {
			if p.Title == "" {
				return event.ValidationError{Field: "title", Reason: "required"}
			}
			return nil
		})
		eng := startEngine(t, store.NewMemoryStore(), testConfig(), WithTypeRegistry(types))

		_, err := eng.Submit(ctx, event.Event{Type: "strict.event", Target: "alice"})
		assert.Error(t, err)

		_, err = eng.Submit(ctx, event.Event{
			Type:    "strict.event",
			Target:  "alice",
			Payload: event.Payload{Title: "ok"},
		})
		assert.NoError(t, err)
	})

	t.Run("saturated intake rejects instead of dropping", func(t *testing.T) {
		cfg := testConfig()
		cfg.QueueSize = 1
		// Not started: nothing drains the queue.
		eng := New(store.NewMemoryStore(), cfg)

		_, err := eng.Submit(ctx, targeted("alice"))
		require.NoError(t, err)

		_, err = eng.Submit(ctx, targeted("alice"))
		assert.ErrorIs(t, err, ErrQueueSaturated)
	})

	t.Run("rejected after shutdown", func(t *testing.T) {
		eng := New(store.NewMemoryStore(), testConfig())
		require.NoError(t, eng.Start(context.Background()))
		require.NoError(t, eng.Close())

		_, err := eng.Submit(ctx, targeted("alice"))
		assert.ErrorIs(t, err, ErrShutdown)
	})

	t.Run("ephemeral events are not stored on submit", func(t *testing.T) {
		st := store.NewMemoryStore()
		eng := startEngine(t, st, testConfig())

		ev := targeted("alice")
		ev.Persistent = false
		id, err := eng.Submit(ctx, ev)
		require.NoError(t, err)

		_, err = st.Get(ctx, id)
		assert.ErrorIs(t, err, store.ErrEventNotFound)
	})
}

func TestEngine_LiveDelivery(t *testing.T) {
	ctx := context.Background()

	t.Run("online recipient receives fresh frames", func(t *testing.T) {
		st := store.NewMemoryStore()
		eng := startEngine(t, st, testConfig())

		tr := stream.NewChanTransport(10)
		_, err := eng.Connect(ctx, "alice", tr)
		require.NoError(t, err)

		id, err := eng.Submit(ctx, targeted("alice"))
		require.NoError(t, err)

		f := waitFrame(t, tr)
		require.Equal(t, stream.FrameEvent, f.Kind)
		assert.Equal(t, id, f.Event.ID)
		assert.False(t, f.Recovered)

		require.Eventually(t, func() bool {
			got, err := st.Get(ctx, id)
			return err == nil && got.Status == event.StatusDelivered
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("per-recipient order matches submission order", func(t *testing.T) {
		eng := startEngine(t, store.NewMemoryStore(), testConfig())

		tr := stream.NewChanTransport(10)
		_, err := eng.Connect(ctx, "alice", tr)
		require.NoError(t, err)

		var ids []uuid.UUID
		for i := 0; i < 5; i++ {
			id, err := eng.Submit(ctx, targeted("alice"))
			require.NoError(t, err)
			ids = append(ids, id)
		}

		for _, want := range ids {
			f := waitFrame(t, tr)
			assert.Equal(t, want, f.Event.ID)
		}
	})

	t.Run("terminal events are never re-dispatched", func(t *testing.T) {
		eng := startEngine(t, store.NewMemoryStore(), testConfig())

		tr := stream.NewChanTransport(10)
		_, err := eng.Connect(ctx, "alice", tr)
		require.NoError(t, err)

		ev := targeted("alice")
		ev.ID = uuid.New()
		ev.CreatedAt = time.Now()
		ev.Status = event.StatusFailedPersisted
		eng.dispatch(ctx, ev)

		select {
		case f := <-tr.Frames():
			t.Fatalf("terminal event reached a live stream: %+v", f)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("events are not delivered to other recipients", func(t *testing.T) {
		eng := startEngine(t, store.NewMemoryStore(), testConfig())

		alice := stream.NewChanTransport(10)
		bob := stream.NewChanTransport(10)
		_, err := eng.Connect(ctx, "alice", alice)
		require.NoError(t, err)
		_, err = eng.Connect(ctx, "bob", bob)
		require.NoError(t, err)

		_, err = eng.Submit(ctx, targeted("alice"))
		require.NoError(t, err)

		waitFrame(t, alice)
		select {
		case f := <-bob.Frames():
			t.Fatalf("bob received a frame for alice: %+v", f)
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestEngine_OfflineAndRecovery(t *testing.T) {
	ctx := context.Background()

	t.Run("persistent events wait in the pending buffer", func(t *testing.T) {
		eng := startEngine(t, store.NewMemoryStore(), testConfig())

		_, err := eng.Submit(ctx, targeted("alice"))
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return eng.pending.Len("alice") == 1
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("ephemeral events to offline recipients are dropped", func(t *testing.T) {
		eng := startEngine(t, store.NewMemoryStore(), testConfig())

		ev := targeted("alice")
		ev.Persistent = false
		_, err := eng.Submit(ctx, ev)
		require.NoError(t, err)

		time.Sleep(50 * time.Millisecond)
		assert.Zero(t, eng.pending.Len("alice"))
	})

	t.Run("reconnect replays pending events with the recovered marker", func(t *testing.T) {
		eng := startEngine(t, store.NewMemoryStore(), testConfig())

		id, err := eng.Submit(ctx, targeted("alice"))
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return eng.pending.Len("alice") == 1
		}, 2*time.Second, 5*time.Millisecond)

		tr := stream.NewChanTransport(10)
		_, err = eng.Connect(ctx, "alice", tr)
		require.NoError(t, err)

		f := waitFrame(t, tr)
		require.Equal(t, stream.FrameEvent, f.Kind)
		assert.Equal(t, id, f.Event.ID)
		assert.True(t, f.Recovered)
		assert.Zero(t, eng.pending.Len("alice"))
	})

	t.Run("aborted replay keeps the rest for the next reconnect", func(t *testing.T) {
		eng := startEngine(t, store.NewMemoryStore(), testConfig())

		var ids []uuid.UUID
		for i := 0; i < 3; i++ {
			id, err := eng.Submit(ctx, targeted("alice"))
			require.NoError(t, err)
			ids = append(ids, id)
		}
		require.Eventually(t, func() bool {
			return eng.pending.Len("alice") == 3
		}, 2*time.Second, 5*time.Millisecond)

		// A one-frame buffer accepts the first replay and rejects the
		// second mid-drain; the two unwritten events must stay parked.
		slow := stream.NewChanTransport(1)
		conn, err := eng.Connect(ctx, "alice", slow)
		require.NoError(t, err)
		got := []uuid.UUID{waitFrame(t, slow).Event.ID}
		eng.Disconnect("alice", conn.StreamID())

		require.Equal(t, 2, eng.pending.Len("alice"))

		tr := stream.NewChanTransport(10)
		_, err = eng.Connect(ctx, "alice", tr)
		require.NoError(t, err)
		for i := 0; i < 2; i++ {
			f := waitFrame(t, tr)
			require.True(t, f.Recovered)
			got = append(got, f.Event.ID)
		}

		assert.Equal(t, ids, got)
		assert.Zero(t, eng.pending.Len("alice"))
	})

	t.Run("stored events are recovered on first connect", func(t *testing.T) {
		st := store.NewMemoryStore()
		stored := targeted("alice")
		stored.ID = uuid.New()
		stored.CreatedAt = time.Now().Add(-time.Minute)
		require.NoError(t, st.Persist(ctx, stored))

		eng := startEngine(t, st, testConfig())

		tr := stream.NewChanTransport(10)
		_, err := eng.Connect(ctx, "alice", tr)
		require.NoError(t, err)

		f := waitFrame(t, tr)
		assert.Equal(t, stored.ID, f.Event.ID)
		assert.True(t, f.Recovered)
	})

	t.Run("read events are not replayed", func(t *testing.T) {
		st := store.NewMemoryStore()
		eng := startEngine(t, st, testConfig())

		id, err := eng.Submit(ctx, targeted("alice"))
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return eng.pending.Len("alice") == 1
		}, 2*time.Second, 5*time.Millisecond)

		require.NoError(t, eng.MarkRead(ctx, "alice", id))
		assert.Zero(t, eng.pending.Len("alice"))

		tr := stream.NewChanTransport(10)
		_, err = eng.Connect(ctx, "alice", tr)
		require.NoError(t, err)

		select {
		case f := <-tr.Frames():
			t.Fatalf("unexpected replay of read event: %+v", f)
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestEngine_Broadcast(t *testing.T) {
	ctx := context.Background()

	t.Run("reaches every online recipient", func(t *testing.T) {
		st := store.NewMemoryStore()
		eng := startEngine(t, st, testConfig())

		alice := stream.NewChanTransport(10)
		bob := stream.NewChanTransport(10)
		_, err := eng.Connect(ctx, "alice", alice)
		require.NoError(t, err)
		_, err = eng.Connect(ctx, "bob", bob)
		require.NoError(t, err)

		ev := targeted(event.BroadcastTarget)
		id, err := eng.Submit(ctx, ev)
		require.NoError(t, err)

		assert.Equal(t, id, waitFrame(t, alice).Event.ID)
		assert.Equal(t, id, waitFrame(t, bob).Event.ID)
	})

	t.Run("parked for known offline recipients", func(t *testing.T) {
		eng := startEngine(t, store.NewMemoryStore(), testConfig())

		// Carol connected once, so the engine knows her.
		tr := stream.NewChanTransport(10)
		conn, err := eng.Connect(ctx, "carol", tr)
		require.NoError(t, err)
		eng.Disconnect("carol", conn.StreamID())

		_, err = eng.Submit(ctx, targeted(event.BroadcastTarget))
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return eng.pending.Len("carol") == 1
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("ephemeral broadcasts skip offline recipients by default", func(t *testing.T) {
		eng := startEngine(t, store.NewMemoryStore(), testConfig())

		tr := stream.NewChanTransport(10)
		conn, err := eng.Connect(ctx, "carol", tr)
		require.NoError(t, err)
		eng.Disconnect("carol", conn.StreamID())

		ev := targeted(event.BroadcastTarget)
		ev.Persistent = false
		_, err = eng.Submit(ctx, ev)
		require.NoError(t, err)

		time.Sleep(50 * time.Millisecond)
		assert.Zero(t, eng.pending.Len("carol"))
	})

	t.Run("ephemeral broadcasts are parked when configured", func(t *testing.T) {
		cfg := testConfig()
		cfg.ParkEphemeralBroadcast = true
		eng := startEngine(t, store.NewMemoryStore(), cfg)

		tr := stream.NewChanTransport(10)
		conn, err := eng.Connect(ctx, "carol", tr)
		require.NoError(t, err)
		eng.Disconnect("carol", conn.StreamID())

		ev := targeted(event.BroadcastTarget)
		ev.Persistent = false
		_, err = eng.Submit(ctx, ev)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return eng.pending.Len("carol") == 1
		}, 2*time.Second, 5*time.Millisecond)
	})
}

func TestEngine_Retry(t *testing.T) {
	ctx := context.Background()

	t.Run("slow consumer triggers retry and falls back to pending", func(t *testing.T) {
		cfg := testConfig()
		eng := startEngine(t, store.NewMemoryStore(), cfg)

		// Buffer of one, never read: the first event fills it, the second
		// fails the write and prunes the connection.
		tr := stream.NewChanTransport(1)
		_, err := eng.Connect(ctx, "alice", tr)
		require.NoError(t, err)

		_, err = eng.Submit(ctx, targeted("alice"))
		require.NoError(t, err)
		second, err := eng.Submit(ctx, targeted("alice"))
		require.NoError(t, err)

		// After the backoff the recipient is offline, so the retried event
		// lands in the pending buffer.
		require.Eventually(t, func() bool {
			return eng.pending.Len("alice") == 1
		}, 2*time.Second, 5*time.Millisecond)

		drained := eng.pending.Drain("alice")
		require.Len(t, drained, 1)
		assert.Equal(t, second, drained[0].ID)

		snap := eng.Stats()
		assert.Equal(t, uint64(1), snap.Retried)
		assert.GreaterOrEqual(t, snap.Pruned, uint64(1))
	})

	t.Run("partial write failure schedules a retry", func(t *testing.T) {
		eng := startEngine(t, store.NewMemoryStore(), testConfig())

		healthy := stream.NewChanTransport(10)
		slow := stream.NewChanTransport(1)
		_, err := eng.Connect(ctx, "alice", healthy)
		require.NoError(t, err)
		_, err = eng.Connect(ctx, "alice", slow)
		require.NoError(t, err)

		first, err := eng.Submit(ctx, targeted("alice"))
		require.NoError(t, err)
		second, err := eng.Submit(ctx, targeted("alice"))
		require.NoError(t, err)

		// The slow stream buffered the first event and rejects the
		// second. Even though the healthy stream accepted it, the write
		// failure schedules a retry, redelivered once the failed stream
		// is pruned.
		assert.Equal(t, first, waitFrame(t, healthy).Event.ID)
		assert.Equal(t, second, waitFrame(t, healthy).Event.ID)
		assert.Equal(t, second, waitFrame(t, healthy).Event.ID)

		require.Eventually(t, func() bool {
			snap := eng.Stats()
			return snap.Retried == 1 && snap.Pruned >= 1
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("exhausted retries persist the event in failed state", func(t *testing.T) {
		st := store.NewMemoryStore()
		cfg := testConfig()
		eng := startEngine(t, st, cfg)

		ev := targeted("alice")
		ev.ID = uuid.New()
		ev.CreatedAt = time.Now()
		ev.Persistent = false
		ev.Attempt = cfg.MaxRetries - 1

		eng.scheduleRetry(ctx, ev)

		got, err := st.Get(ctx, ev.ID)
		require.NoError(t, err)
		assert.Equal(t, event.StatusFailedPersisted, got.Status)
		assert.Equal(t, cfg.MaxRetries, got.Attempt)
		assert.Equal(t, uint64(1), eng.Stats().Failed)

		// Still visible to the poll interface.
		pending, err := eng.ListPending(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, ev.ID, pending[0].ID)
	})

	t.Run("backoff delay grows and stays capped", func(t *testing.T) {
		cfg := testConfig().normalize()

		delays := make([]time.Duration, 0, cfg.MaxRetries)
		for attempt := 1; attempt < cfg.MaxRetries; attempt++ {
			d := cfg.RetryBaseDelay << uint(attempt-1)
			if d > cfg.RetryMaxDelay || d <= 0 {
				d = cfg.RetryMaxDelay
			}
			delays = append(delays, d)
		}

		for i := 1; i < len(delays); i++ {
			assert.GreaterOrEqual(t, delays[i], delays[i-1])
			assert.LessOrEqual(t, delays[i], cfg.RetryMaxDelay)
		}
	})
}

func TestEngine_Expiry(t *testing.T) {
	ctx := context.Background()

	t.Run("expired events are dropped at dispatch", func(t *testing.T) {
		st := store.NewMemoryStore()
		eng := startEngine(t, st, testConfig())

		ev := targeted("alice")
		ev.CreatedAt = time.Now().Add(-2 * time.Hour)
		expiry := time.Now().Add(-time.Hour)
		ev.ExpiresAt = &expiry

		id, err := eng.Submit(ctx, ev)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			got, err := st.Get(ctx, id)
			return err == nil && got.Status == event.StatusExpired
		}, 2*time.Second, 5*time.Millisecond)

		assert.Zero(t, eng.pending.Len("alice"))
	})

	t.Run("sweeper purges read events past retention", func(t *testing.T) {
		st := store.NewMemoryStore()
		cfg := testConfig()
		cfg.SweepInterval = 10 * time.Millisecond
		cfg.ReadRetention = time.Millisecond
		eng := startEngine(t, st, cfg)

		id, err := eng.Submit(ctx, targeted("alice"))
		require.NoError(t, err)
		require.NoError(t, eng.MarkRead(ctx, "alice", id))

		require.Eventually(t, func() bool {
			_, err := st.Get(ctx, id)
			return err != nil
		}, 2*time.Second, 5*time.Millisecond)
	})
}

func TestEngine_Heartbeat(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	eng := startEngine(t, store.NewMemoryStore(), cfg)

	tr := stream.NewChanTransport(10)
	_, err := eng.Connect(ctx, "alice", tr)
	require.NoError(t, err)

	f := waitFrame(t, tr)
	assert.Equal(t, stream.FrameHeartbeat, f.Kind)
}

func TestEngine_Lifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("double start fails", func(t *testing.T) {
		eng := New(store.NewMemoryStore(), testConfig())
		require.NoError(t, eng.Start(context.Background()))
		defer eng.Close()

		assert.ErrorIs(t, eng.Start(context.Background()), ErrAlreadyStarted)
	})

	t.Run("close before start fails", func(t *testing.T) {
		eng := New(store.NewMemoryStore(), testConfig())
		assert.ErrorIs(t, eng.Close(), ErrNotStarted)
	})

	t.Run("close sends a final frame to live streams", func(t *testing.T) {
		eng := New(store.NewMemoryStore(), testConfig())
		require.NoError(t, eng.Start(context.Background()))

		tr := stream.NewChanTransport(10)
		_, err := eng.Connect(ctx, "alice", tr)
		require.NoError(t, err)

		require.NoError(t, eng.Close())

		f := waitFrame(t, tr)
		assert.Equal(t, stream.FrameClose, f.Kind)
	})

	t.Run("close is idempotent", func(t *testing.T) {
		eng := New(store.NewMemoryStore(), testConfig())
		require.NoError(t, eng.Start(context.Background()))
		require.NoError(t, eng.Close())
		require.NoError(t, eng.Close())
	})

	t.Run("connect after close fails", func(t *testing.T) {
		eng := New(store.NewMemoryStore(), testConfig())
		require.NoError(t, eng.Start(context.Background()))
		require.NoError(t, eng.Close())

		_, err := eng.Connect(ctx, "alice", stream.NewChanTransport(1))
		assert.ErrorIs(t, err, ErrShutdown)
	})
}

func TestEngine_MarkManyRead(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	eng := startEngine(t, st, testConfig())

	first, err := eng.Submit(ctx, targeted("alice"))
	require.NoError(t, err)
	second, err := eng.Submit(ctx, targeted("alice"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return eng.pending.Len("alice") == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, eng.MarkManyRead(ctx, "alice", first, second))

	assert.Zero(t, eng.pending.Len("alice"))
	remaining, err := eng.ListPending(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestEngine_Stats(t *testing.T) {
	ctx := context.Background()
	eng := startEngine(t, store.NewMemoryStore(), testConfig())

	tr := stream.NewChanTransport(10)
	_, err := eng.Connect(ctx, "alice", tr)
	require.NoError(t, err)

	_, err = eng.Submit(ctx, targeted("alice"))
	require.NoError(t, err)
	waitFrame(t, tr)

	require.Eventually(t, func() bool {
		snap := eng.Stats()
		return snap.Submitted == 1 && snap.Delivered == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, eng.Connections("alice"))
}
