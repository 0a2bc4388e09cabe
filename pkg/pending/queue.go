package pending

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/pushkit/pkg/event"
)

// Queue buffers events for recipients that have no live streaming
// connection. Every recipient owns an ordered bucket; buckets for different
// recipients never contend with each other.
type Queue struct {
	buckets map[string]*bucket
	limit   int
	mu      sync.RWMutex
}

// bucket holds one recipient's pending events in insertion order.
type bucket struct {
	events []event.Event
	mu     sync.Mutex
}

// Option configures a Queue.
type Option func(*Queue)

// WithPerRecipientLimit caps how many events a single recipient may have
// pending. When the cap is reached the oldest entry is dropped to make room,
// so a recipient that never reconnects cannot grow the buffer unbounded.
// Default is 100.
func WithPerRecipientLimit(limit int) Option {
	return func(q *Queue) {
		if limit > 0 {
			q.limit = limit
		}
	}
}

// NewQueue creates an empty pending queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		buckets: make(map[string]*bucket),
		limit:   100,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) bucket(recipient string, create bool) *bucket {
	q.mu.RLock()
	b, ok := q.buckets[recipient]
	q.mu.RUnlock()
	if ok || !create {
		return b
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if b, ok = q.buckets[recipient]; ok {
		return b
	}
	b = &bucket{}
	q.buckets[recipient] = b
	return b
}

// Append adds an event to the recipient's buffer, preserving insertion
// order. If the recipient is at capacity the oldest pending event is dropped
// and returned so the caller can record its fate.
func (q *Queue) Append(recipient string, ev event.Event) (dropped *event.Event) {
	b := q.bucket(recipient, true)

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) >= q.limit {
		old := b.events[0]
		b.events = append(b.events[:0], b.events[1:]...)
		dropped = &old
	}
	b.events = append(b.events, ev)
	return dropped
}

// Drain removes and returns all pending events for a recipient in the order
// they were appended. Called on reconnect.
func (q *Queue) Drain(recipient string) []event.Event {
	b := q.bucket(recipient, false)
	if b == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) == 0 {
		return nil
	}
	drained := b.events
	b.events = nil
	return drained
}

// Remove deletes specific events from a recipient's buffer, e.g. after an
// explicit read/dismiss action.
func (q *Queue) Remove(recipient string, ids ...uuid.UUID) {
	b := q.bucket(recipient, false)
	if b == nil || len(ids) == 0 {
		return
	}

	idSet := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.events[:0]
	for _, ev := range b.events {
		if _, drop := idSet[ev.ID]; !drop {
			kept = append(kept, ev)
		}
	}
	b.events = kept
}

// Len returns the number of pending events for a recipient.
func (q *Queue) Len(recipient string) int {
	b := q.bucket(recipient, false)
	if b == nil {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Recipients lists every recipient that currently has a bucket, including
// recipients whose bucket was drained earlier. The engine uses this to know
// which offline recipients a persistent broadcast should be parked for.
func (q *Queue) Recipients() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()

	recipients := make([]string, 0, len(q.buckets))
	for r := range q.buckets {
		recipients = append(recipients, r)
	}
	return recipients
}

// Track ensures a bucket exists for the recipient without enqueuing
// anything. Used to remember recipients that connected at least once.
func (q *Queue) Track(recipient string) {
	q.bucket(recipient, true)
}

// ExpireBefore removes every pending event whose expiry has passed at the
// given instant and returns the removed events for terminal-state
// bookkeeping.
func (q *Queue) ExpireBefore(now time.Time) []event.Event {
	q.mu.RLock()
	buckets := make([]*bucket, 0, len(q.buckets))
	for _, b := range q.buckets {
		buckets = append(buckets, b)
	}
	q.mu.RUnlock()

	var expired []event.Event
	for _, b := range buckets {
		b.mu.Lock()
		kept := b.events[:0]
		for _, ev := range b.events {
			if ev.ExpiredAt(now) {
				expired = append(expired, ev)
				continue
			}
			kept = append(kept, ev)
		}
		b.events = kept
		b.mu.Unlock()
	}
	return expired
}
