package event

import (
	"fmt"
	"sync"
)

// Validator checks the payload of a specific event type.
type Validator func(Payload) error

// TypeRegistry maps event type names to payload validators. It lets callers
// declare the payload schema each event type expects instead of relying on
// open-ended dispatch over the opaque Data map.
type TypeRegistry struct {
	validators map[string]Validator
	strict     bool
	mu         sync.RWMutex
}

// RegistryOption configures a TypeRegistry.
type RegistryOption func(*TypeRegistry)

// StrictTypes makes Validate reject event types without a registered
// validator with ErrUnknownType, closing the type set to what callers
// declared up front.
func StrictTypes() RegistryOption {
	return func(r *TypeRegistry) {
		r.strict = true
	}
}

// NewTypeRegistry creates an empty type registry.
func NewTypeRegistry(opts ...RegistryOption) *TypeRegistry {
	r := &TypeRegistry{
		validators: make(map[string]Validator),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register associates a validator with an event type. Registering the same
// type twice replaces the previous validator.
func (r *TypeRegistry) Register(eventType string, v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[eventType] = v
}

// Validate runs the validator registered for the event's type. Types without
// a registered validator pass unless the registry is strict: the type set is
// open by default, validators only gate the types a caller chose to
// constrain.
func (r *TypeRegistry) Validate(ev Event) error {
	r.mu.RLock()
	v, ok := r.validators[ev.Type]
	strict := r.strict
	r.mu.RUnlock()

	if !ok {
		if strict {
			return fmt.Errorf("%w: %s", ErrUnknownType, ev.Type)
		}
		return nil
	}
	return v(ev.Payload)
}

// Known reports whether a validator is registered for the type.
func (r *TypeRegistry) Known(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.validators[eventType]
	return ok
}
