package sse

import "errors"

var (
	// ErrNoRecipient is returned when the request carries no resolvable
	// recipient identity.
	ErrNoRecipient = errors.New("sse: no recipient in request")
)
