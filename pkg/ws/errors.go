package ws

import "errors"

var (
	// ErrNoRecipient is returned when the request carries no resolvable
	// recipient identity.
	ErrNoRecipient = errors.New("ws: no recipient in request")
)
