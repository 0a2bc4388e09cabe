package stream

import (
	"sync"
)

// Transport abstracts a single streaming session's write side. The registry
// only needs per-write success/failure signaling; framing is left to the
// HTTP/WebSocket layer consuming the frames.
type Transport interface {
	// Write delivers a frame to the session. A non-nil error marks the
	// connection as failed and leads to its removal from the registry.
	Write(Frame) error

	// Close terminates the session and releases resources. Close is
	// idempotent.
	Close() error
}

// ChanTransport is a channel-backed Transport for in-process streaming
// handlers. Writes are non-blocking: a full buffer fails the write with
// ErrSlowConsumer rather than stalling the distributor, mirroring the
// drop-for-slow-consumers behavior of the broadcast fan-out.
type ChanTransport struct {
	frames    chan Frame
	closed    bool
	closeOnce sync.Once
	mu        sync.RWMutex
}

// NewChanTransport creates a channel transport with the given buffer size.
// A minimum buffer of 1 is enforced; a zero buffer would make every write
// blocking and defeat the non-blocking design.
func NewChanTransport(bufferSize int) *ChanTransport {
	return &ChanTransport{
		frames: make(chan Frame, max(bufferSize, 1)),
	}
}

// Frames returns the consumer side of the transport. The channel is closed
// when the transport closes.
func (t *ChanTransport) Frames() <-chan Frame {
	return t.frames
}

// Write enqueues a frame for the consumer. It fails with ErrTransportClosed
// after Close and with ErrSlowConsumer when the buffer is full.
func (t *ChanTransport) Write(f Frame) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return ErrTransportClosed
	}

	select {
	case t.frames <- f:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close closes the frame channel. Safe to call multiple times and
// concurrently with Write.
func (t *ChanTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		close(t.frames)
		t.mu.Unlock()
	})
	return nil
}
