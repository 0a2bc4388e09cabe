package event

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when a status change would leave a
	// terminal state.
	ErrInvalidTransition = errors.New("event: invalid status transition")

	// ErrUnknownType is returned by a strict TypeRegistry for event types
	// with no registered validator.
	ErrUnknownType = errors.New("event: unknown event type")
)

// ValidationError is returned when a malformed event is rejected at
// submission time, before it enters the intake queue.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("event: invalid %s: %s", e.Field, e.Reason)
}
