package stream

import "errors"

var (
	// ErrSlowConsumer is returned when a transport's buffer is full and the
	// frame cannot be accepted without blocking.
	ErrSlowConsumer = errors.New("stream: consumer too slow, frame dropped")

	// ErrTransportClosed is returned when writing to a closed transport.
	ErrTransportClosed = errors.New("stream: transport is closed")
)
