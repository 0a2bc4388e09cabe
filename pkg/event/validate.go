package event

// Validate checks that an event is well-formed before it is accepted for
// delivery. A zero ID and CreatedAt are allowed here; the engine fills them
// in at submission.
func Validate(ev Event) error {
	if ev.Type == "" {
		return ValidationError{Field: "type", Reason: "must not be empty"}
	}
	if !ev.Priority.Valid() {
		return ValidationError{Field: "priority", Reason: "unknown priority value"}
	}
	if ev.ExpiresAt != nil && !ev.CreatedAt.IsZero() && ev.ExpiresAt.Before(ev.CreatedAt) {
		return ValidationError{Field: "expires_at", Reason: "must not precede creation time"}
	}
	return nil
}
