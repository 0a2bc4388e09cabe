package event

import (
	"time"

	"github.com/google/uuid"
)

// BroadcastTarget is the sentinel recipient meaning "deliver to everyone".
const BroadcastTarget = ""

// Priority represents the event priority level. It affects UI treatment
// only, never scheduling order.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityCritical
)

// Valid checks if the priority is a known value.
func (p Priority) Valid() bool {
	return p >= PriorityNormal && p <= PriorityCritical
}

// Status represents the delivery status of an event.
type Status string

const (
	StatusQueued          Status = "queued"
	StatusDispatching     Status = "dispatching"
	StatusDelivered       Status = "delivered"
	StatusRetryPending    Status = "retry_pending"
	StatusFailedPersisted Status = "failed_persisted"
	StatusRead            Status = "read"
	StatusExpired         Status = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusFailedPersisted, StatusRead, StatusExpired:
		return true
	}
	return false
}

// Payload carries the user-visible content of an event plus arbitrary
// structured extras.
type Payload struct {
	Title   string         `json:"title,omitempty"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Event is the core domain model. It is immutable once created except for
// the delivery-status fields (Status, Attempt, Read, ReadAt, DeliveredAt).
type Event struct {
	ID          uuid.UUID  `json:"id"`
	Type        string     `json:"type"`
	Payload     Payload    `json:"payload"`
	Target      string     `json:"target,omitempty"` // empty = broadcast
	Priority    Priority   `json:"priority"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"` // nil = never expires
	Persistent  bool       `json:"persistent"`
	Status      Status     `json:"status"`
	Attempt     int        `json:"attempt"`
	Read        bool       `json:"read"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// IsBroadcast returns true if the event targets all recipients.
func (e *Event) IsBroadcast() bool {
	return e.Target == BroadcastTarget
}

// IsExpired returns true if the event has expired.
func (e *Event) IsExpired() bool {
	return e.ExpiredAt(time.Now())
}

// ExpiredAt reports whether the event is expired at the given instant.
func (e *Event) ExpiredAt(now time.Time) bool {
	if e.ExpiresAt == nil {
		return false
	}
	return now.After(*e.ExpiresAt)
}

// MarkRead marks the event as read with the current timestamp.
func (e *Event) MarkRead() {
	e.Read = true
	now := time.Now()
	e.ReadAt = &now
	e.Status = StatusRead
}

// MarkDelivered records a successful delivery.
func (e *Event) MarkDelivered() {
	now := time.Now()
	e.DeliveredAt = &now
	e.Status = StatusDelivered
}

// TransitionTo moves the event to the next status, enforcing that terminal
// states are never left. Returns ErrInvalidTransition on violation.
func (e *Event) TransitionTo(next Status) error {
	// StatusRead is reachable from any state: the client may read an event
	// that was delivered, pending or even failed.
	if e.Status.Terminal() && e.Status != StatusDelivered && next != StatusRead {
		return ErrInvalidTransition
	}
	if e.Status == StatusDelivered && next != StatusRead {
		return ErrInvalidTransition
	}
	e.Status = next
	return nil
}
