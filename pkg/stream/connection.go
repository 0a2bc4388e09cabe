package stream

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Connection represents one live streaming session owned by the registry
// for its lifetime: created on stream-open, destroyed on stream-close,
// write failure or heartbeat timeout.
type Connection struct {
	recipient string
	streamID  uuid.UUID
	transport Transport
	openedAt  time.Time

	// lastHeartbeatAt holds unix nanoseconds, updated by the heartbeat
	// probe without taking the bucket lock.
	lastHeartbeatAt atomic.Int64
}

func newConnection(recipient string, t Transport) *Connection {
	c := &Connection{
		recipient: recipient,
		streamID:  uuid.New(),
		transport: t,
		openedAt:  time.Now(),
	}
	c.lastHeartbeatAt.Store(time.Now().UnixNano())
	return c
}

// Recipient returns the owning recipient identifier.
func (c *Connection) Recipient() string { return c.recipient }

// StreamID returns the unique identifier of this session.
func (c *Connection) StreamID() uuid.UUID { return c.streamID }

// OpenedAt returns when the session was registered.
func (c *Connection) OpenedAt() time.Time { return c.openedAt }

// LastHeartbeatAt returns the time of the last successful liveness probe.
func (c *Connection) LastHeartbeatAt() time.Time {
	return time.Unix(0, c.lastHeartbeatAt.Load())
}

// Write forwards a frame to the underlying transport.
func (c *Connection) Write(f Frame) error {
	return c.transport.Write(f)
}

// Close closes the underlying transport.
func (c *Connection) Close() error {
	return c.transport.Close()
}

func (c *Connection) heartbeat(now time.Time) error {
	if err := c.transport.Write(HeartbeatFrame()); err != nil {
		return err
	}
	c.lastHeartbeatAt.Store(now.UnixNano())
	return nil
}
