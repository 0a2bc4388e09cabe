package store

import "errors"

var (
	// ErrEventNotFound is returned when the requested event does not exist.
	ErrEventNotFound = errors.New("store: event not found")

	// ErrStoreUnavailable wraps transient backend failures. The sweeper and
	// the recovery fetch retry on the next interval instead of failing the
	// live delivery path.
	ErrStoreUnavailable = errors.New("store: backend unavailable")

	// ErrFailedToOpenConnection is returned when all connection attempts to
	// the backend are exhausted.
	ErrFailedToOpenConnection = errors.New("store: failed to open backend connection")

	// ErrFailedToParseConnString is returned when the backend connection
	// string cannot be parsed.
	ErrFailedToParseConnString = errors.New("store: failed to parse connection string")
)
