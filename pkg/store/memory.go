package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/pushkit/pkg/event"
)

// MemoryStore is an in-memory implementation of the Store interface.
// Suitable for development, testing and single-process deployments that do
// not need durability across restarts.
type MemoryStore struct {
	events map[uuid.UUID]event.Event
	// reads tracks per-recipient read state for broadcast events, which are
	// stored once but read independently by every recipient.
	reads map[string]map[uuid.UUID]struct{}
	mu    sync.RWMutex
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[uuid.UUID]event.Event),
		reads:  make(map[string]map[uuid.UUID]struct{}),
	}
}

func (s *MemoryStore) Persist(ctx context.Context, ev event.Event) error {
	if ev.ID == uuid.Nil {
		return ErrEventNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ID] = ev
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	// Return a copy to prevent external mutation of stored data.
	return &ev, nil
}

// readBy reports whether the recipient has read the event. Callers must
// hold at least a read lock.
func (s *MemoryStore) readBy(recipient string, ev event.Event) bool {
	if ev.IsBroadcast() {
		_, ok := s.reads[recipient][ev.ID]
		return ok
	}
	return ev.Read
}

func (s *MemoryStore) visibleUnread(recipient string, since time.Time) []event.Event {
	now := time.Now()
	var out []event.Event
	for _, ev := range s.events {
		if !ev.IsBroadcast() && ev.Target != recipient {
			continue
		}
		if ev.Status == event.StatusExpired || ev.ExpiredAt(now) {
			continue
		}
		if s.readBy(recipient, ev) {
			continue
		}
		if !since.IsZero() && !ev.CreatedAt.After(since) {
			continue
		}
		out = append(out, ev)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *MemoryStore) FetchUnreadSince(ctx context.Context, recipient string, since time.Time) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.visibleUnread(recipient, since), nil
}

func (s *MemoryStore) ListPending(ctx context.Context, recipient string) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.visibleUnread(recipient, time.Time{}), nil
}

func (s *MemoryStore) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return ErrEventNotFound
	}
	ev.MarkDelivered()
	s.events[id] = ev
	return nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, recipient string, ids ...uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		ev, ok := s.events[id]
		if !ok {
			continue
		}
		if ev.IsBroadcast() {
			if s.reads[recipient] == nil {
				s.reads[recipient] = make(map[uuid.UUID]struct{})
			}
			s.reads[recipient][id] = struct{}{}
			continue
		}
		if ev.Target != recipient {
			continue
		}
		ev.MarkRead()
		s.events[id] = ev
	}
	return nil
}

func (s *MemoryStore) MarkExpired(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return ErrEventNotFound
	}
	ev.Status = event.StatusExpired
	s.events[id] = ev
	return nil
}

func (s *MemoryStore) PurgeRead(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, ev := range s.events {
		if ev.Read && ev.ReadAt != nil && ev.ReadAt.Before(olderThan) {
			delete(s.events, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) PurgeExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	purged := 0
	for id, ev := range s.events {
		if ev.Status == event.StatusExpired || ev.ExpiredAt(now) {
			delete(s.events, id)
			for _, reads := range s.reads {
				delete(reads, id)
			}
			purged++
		}
	}
	return purged, nil
}
