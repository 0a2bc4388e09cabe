package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/pushkit/pkg/event"
)

// Store handles event persistence for offline recovery and poll-based
// retrieval. The engine never depends on a specific storage engine; any
// implementation of this interface will do.
//
// Broadcast events are stored once but carry independent per-recipient read
// state: MarkRead for a broadcast event records the (recipient, id) pair so
// FetchUnreadSince excludes it for that recipient only.
type Store interface {
	// Persist upserts an event record by ID, including its delivery-status
	// fields.
	Persist(ctx context.Context, ev event.Event) error

	// Get retrieves a single event. Returns ErrEventNotFound when absent.
	Get(ctx context.Context, id uuid.UUID) (*event.Event, error)

	// FetchUnreadSince returns the unread, non-expired events visible to
	// the recipient (targeted at them or broadcast) created after the given
	// instant, ordered by creation time ascending.
	FetchUnreadSince(ctx context.Context, recipient string, since time.Time) ([]event.Event, error)

	// ListPending returns every unread, non-expired event visible to the
	// recipient regardless of age, ordered by creation time ascending. This
	// is the poll interface that makes FAILED_PERSISTED events recoverable.
	ListPending(ctx context.Context, recipient string) ([]event.Event, error)

	// MarkDelivered records a successful delivery.
	MarkDelivered(ctx context.Context, id uuid.UUID) error

	// MarkRead marks events as read for the recipient.
	MarkRead(ctx context.Context, recipient string, ids ...uuid.UUID) error

	// MarkExpired transitions an event to its expired terminal state.
	MarkExpired(ctx context.Context, id uuid.UUID) error

	// PurgeRead deletes read events whose read time is older than the
	// cutoff. Returns the number of events removed.
	PurgeRead(ctx context.Context, olderThan time.Time) (int, error)

	// PurgeExpired deletes events whose expiry has passed. Returns the
	// number of events removed.
	PurgeExpired(ctx context.Context) (int, error)
}
