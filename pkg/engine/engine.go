package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/pushkit/pkg/event"
	"github.com/dmitrymomot/pushkit/pkg/logger"
	"github.com/dmitrymomot/pushkit/pkg/pending"
	"github.com/dmitrymomot/pushkit/pkg/store"
	"github.com/dmitrymomot/pushkit/pkg/stream"
)

// Engine is the event distribution core: it accepts submissions into a
// bounded intake queue, classifies and fans them out to live streaming
// connections, parks events for offline recipients, retries transient write
// failures with exponential backoff, and replays missed events when a
// recipient reconnects.
//
// External code interacts with the engine only through the provider surface
// (Submit, MarkRead, MarkManyRead, ListPending) and the connection
// lifecycle (Connect, Disconnect); the internal queues and registry are
// never exposed.
type Engine struct {
	cfg      Config
	store    store.Store
	registry *stream.Registry
	pending  *pending.Queue
	types    *event.TypeRegistry
	intake   chan event.Event
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time

	// lastDelivered tracks the newest successful live delivery per
	// recipient to bound the recovery fetch on reconnect.
	lastDelivered   map[string]time.Time
	lastDeliveredMu sync.Mutex

	// retryTimers holds the pending delayed re-enqueues so shutdown can
	// cancel them.
	retryTimers   map[uuid.UUID]*time.Timer
	retryTimersMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	startMu  sync.Mutex
	shutdown atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.logger = log
		}
	}
}

// WithTypeRegistry installs a payload type registry consulted at
// submission time.
func WithTypeRegistry(r *event.TypeRegistry) Option {
	return func(e *Engine) {
		if r != nil {
			e.types = r
		}
	}
}

// WithClock overrides the engine's time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an engine around the given store. Start must be called before
// events flow.
func New(st store.Store, cfg Config, opts ...Option) *Engine {
	cfg = cfg.normalize()

	e := &Engine{
		cfg:           cfg,
		store:         st,
		registry:      stream.NewRegistry(stream.WithMaxStreamsPerRecipient(cfg.MaxStreamsPerRecipient)),
		pending:       pending.NewQueue(pending.WithPerRecipientLimit(cfg.PendingPerRecipient)),
		types:         event.NewTypeRegistry(),
		intake:        make(chan event.Event, cfg.QueueSize),
		logger:        slog.Default(),
		now:           time.Now,
		lastDelivered: make(map[string]time.Time),
		retryTimers:   make(map[uuid.UUID]*time.Timer),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(logger.Component("engine"))
	return e
}

// Start launches the distributor, the heartbeat monitor and the cleanup
// sweeper. The provided context bounds the engine's lifetime: cancelling it
// is equivalent to calling Close without the graceful wait.
func (e *Engine) Start(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(3)
	go e.runDistributor()
	go e.runHeartbeat()
	go e.runSweeper()

	e.logger.InfoContext(ctx, "engine started",
		slog.Int("queue_size", e.cfg.QueueSize),
		slog.Duration("heartbeat_interval", e.cfg.HeartbeatInterval),
		slog.Duration("sweep_interval", e.cfg.SweepInterval),
	)
	return nil
}

// Close performs the graceful shutdown sequence: stop intake, cancel the
// workers, wait for the in-flight dispatch to finish, cancel scheduled
// retries, and close every live connection with a final frame.
func (e *Engine) Close() error {
	e.startMu.Lock()
	if !e.started {
		e.startMu.Unlock()
		return ErrNotStarted
	}
	e.startMu.Unlock()

	if !e.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	// No new retries are scheduled after this point; cancel the ones
	// already in flight.
	e.retryTimersMu.Lock()
	for id, timer := range e.retryTimers {
		timer.Stop()
		delete(e.retryTimers, id)
	}
	e.retryTimersMu.Unlock()

	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(e.cfg.ShutdownTimeout):
		err = ErrShutdownTimeout
	}

	if closeErr := e.registry.Close(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}

	e.logger.Info("engine stopped", logger.Error(err))
	return err
}

// Submit validates and accepts an event for delivery, returning its ID.
// Persistent events are stored before they are queued so a crash between
// acceptance and dispatch cannot lose them. A full intake queue rejects the
// submission with ErrQueueSaturated; the event is never silently dropped.
func (e *Engine) Submit(ctx context.Context, ev event.Event) (uuid.UUID, error) {
	if e.shutdown.Load() {
		return uuid.Nil, ErrShutdown
	}

	if err := event.Validate(ev); err != nil {
		return uuid.Nil, err
	}
	if err := e.types.Validate(ev); err != nil {
		return uuid.Nil, event.ValidationError{Field: "payload", Reason: err.Error()}
	}

	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = e.now()
	}
	if ev.ExpiresAt == nil && e.cfg.DefaultTTL > 0 {
		expiry := ev.CreatedAt.Add(e.cfg.DefaultTTL)
		ev.ExpiresAt = &expiry
	}
	ev.Status = event.StatusQueued
	ev.Attempt = 0

	// Store first so real-time delivery failures can never lose a
	// persistent event.
	if ev.Persistent {
		if err := e.store.Persist(ctx, ev); err != nil {
			return uuid.Nil, fmt.Errorf("engine: persist event: %w", err)
		}
	}

	select {
	case e.intake <- ev:
		e.metrics.submitted.Add(1)
		return ev.ID, nil
	default:
		return uuid.Nil, ErrQueueSaturated
	}
}

// MarkRead marks a single event as read for the recipient and removes it
// from their pending buffer so it is never re-delivered.
func (e *Engine) MarkRead(ctx context.Context, recipient string, id uuid.UUID) error {
	return e.MarkManyRead(ctx, recipient, id)
}

// MarkManyRead marks a batch of events as read for the recipient.
func (e *Engine) MarkManyRead(ctx context.Context, recipient string, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := e.store.MarkRead(ctx, recipient, ids...); err != nil {
		return err
	}
	e.pending.Remove(recipient, ids...)
	return nil
}

// ListPending returns the recipient's unread, non-expired events in
// creation order. This is the poll interface: events that exhausted their
// retries stay visible here.
func (e *Engine) ListPending(ctx context.Context, recipient string) ([]event.Event, error) {
	return e.store.ListPending(ctx, recipient)
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Snapshot {
	return e.metrics.Snapshot()
}

// Connections reports the number of live streams for a recipient.
func (e *Engine) Connections(recipient string) int {
	return e.registry.Connections(recipient)
}

// StreamBufferSize reports the configured per-connection frame buffer, so
// transport constructors can size their channels to match.
func (e *Engine) StreamBufferSize() int {
	return e.cfg.StreamBufferSize
}

func (e *Engine) markLastDelivered(recipient string, at time.Time) {
	e.lastDeliveredMu.Lock()
	defer e.lastDeliveredMu.Unlock()
	if at.After(e.lastDelivered[recipient]) {
		e.lastDelivered[recipient] = at
	}
}

func (e *Engine) lastDeliveredAt(recipient string) time.Time {
	e.lastDeliveredMu.Lock()
	defer e.lastDeliveredMu.Unlock()
	return e.lastDelivered[recipient]
}
