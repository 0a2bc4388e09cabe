package engine

import "errors"

var (
	// ErrQueueSaturated is returned when the global intake queue is full and
	// the submission is rejected. Persistent events are already stored at
	// that point and remain recoverable; the producer is always signaled.
	ErrQueueSaturated = errors.New("engine: intake queue saturated")

	// ErrShutdown is returned for operations attempted after shutdown began.
	ErrShutdown = errors.New("engine: shutting down")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("engine: already started")

	// ErrNotStarted is returned when Close is called before Start.
	ErrNotStarted = errors.New("engine: not started")

	// ErrShutdownTimeout is returned when workers do not finish within the
	// configured shutdown window.
	ErrShutdownTimeout = errors.New("engine: shutdown timeout exceeded")
)
