package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry tracks live streaming connections per recipient and fans frames
// out to them. The recipient map is partitioned: every recipient owns a
// bucket with its own mutex, so register/unregister/push for different
// recipients never contend, while mutation of one recipient's connection
// set is serialized against concurrent pushes to that same recipient.
type Registry struct {
	buckets    map[string]*connBucket
	maxStreams int
	closed     bool
	mu         sync.RWMutex
}

type connBucket struct {
	// conns preserves registration order so the oldest stream can be
	// evicted when a recipient exceeds its connection budget.
	conns []*Connection
	mu    sync.Mutex
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMaxStreamsPerRecipient caps concurrent streams per recipient (multiple
// open tabs). At the cap the oldest stream is evicted to make room. Default
// is 5.
func WithMaxStreamsPerRecipient(limit int) RegistryOption {
	return func(r *Registry) {
		if limit > 0 {
			r.maxStreams = limit
		}
	}
}

// NewRegistry creates an empty connection registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		buckets:    make(map[string]*connBucket),
		maxStreams: 5,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) bucket(recipient string) *connBucket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buckets[recipient]
}

// Register creates and tracks a new live connection for the recipient. If
// the recipient is at its stream budget the oldest connection is closed and
// replaced. Returns nil after the registry has been closed.
func (r *Registry) Register(recipient string, t Transport) *Connection {
	conn := newConnection(recipient, t)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = t.Close()
		return nil
	}
	b, ok := r.buckets[recipient]
	if !ok {
		b = &connBucket{}
		r.buckets[recipient] = b
	}
	// The bucket lock is taken before the registry lock is released, so a
	// concurrent Close cannot drain the bucket between the closed check
	// and the insert.
	b.mu.Lock()
	r.mu.Unlock()

	var evicted *Connection
	if len(b.conns) >= r.maxStreams {
		evicted = b.conns[0]
		b.conns = append(b.conns[:0], b.conns[1:]...)
	}
	b.conns = append(b.conns, conn)
	b.mu.Unlock()

	if evicted != nil {
		_ = evicted.Close()
	}
	return conn
}

// Unregister removes a connection and closes its transport. Removing an
// unknown stream is a no-op.
func (r *Registry) Unregister(recipient string, streamID uuid.UUID) {
	b := r.bucket(recipient)
	if b == nil {
		return
	}

	b.mu.Lock()
	var removed *Connection
	for i, c := range b.conns {
		if c.streamID == streamID {
			removed = c
			b.conns = append(b.conns[:i], b.conns[i+1:]...)
			break
		}
	}
	empty := len(b.conns) == 0
	b.mu.Unlock()

	if removed != nil {
		_ = removed.Close()
	}
	if empty {
		r.dropEmptyBucket(recipient)
	}
}

// dropEmptyBucket purges a recipient's bucket once no streams remain, so the
// registry does not grow with every recipient ever seen.
func (r *Registry) dropEmptyBucket(recipient string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.buckets[recipient]; ok {
		b.mu.Lock()
		empty := len(b.conns) == 0
		b.mu.Unlock()
		if empty {
			delete(r.buckets, recipient)
		}
	}
}

// Push attempts to write a frame to every live connection of the recipient.
// Connections whose write fails are pruned and their stream IDs returned;
// the caller decides whether the failure warrants a retry of the event.
func (r *Registry) Push(recipient string, f Frame) (delivered int, failed []uuid.UUID) {
	b := r.bucket(recipient)
	if b == nil {
		return 0, nil
	}

	b.mu.Lock()
	var pruned []*Connection
	kept := b.conns[:0]
	for _, c := range b.conns {
		if err := c.Write(f); err != nil {
			failed = append(failed, c.streamID)
			pruned = append(pruned, c)
			continue
		}
		delivered++
		kept = append(kept, c)
	}
	b.conns = kept
	empty := len(b.conns) == 0
	b.mu.Unlock()

	for _, c := range pruned {
		_ = c.Close()
	}
	if empty {
		r.dropEmptyBucket(recipient)
	}
	return delivered, failed
}

// PushAll writes a frame to every connection of every recipient. A write
// failure on an individual connection prunes that one connection and never
// fails the broadcast as a whole.
func (r *Registry) PushAll(f Frame) (delivered int, pruned int) {
	for _, recipient := range r.Recipients() {
		d, failed := r.Push(recipient, f)
		delivered += d
		pruned += len(failed)
	}
	return delivered, pruned
}

// HeartbeatAll sends a keep-alive frame to every connection, recording the
// probe time on success and pruning connections whose transport write
// fails. This is the sole mechanism for detecting abrupt client disconnects
// that never sent an explicit close.
func (r *Registry) HeartbeatAll() (pruned []*Connection) {
	now := time.Now()
	for _, recipient := range r.Recipients() {
		b := r.bucket(recipient)
		if b == nil {
			continue
		}

		b.mu.Lock()
		kept := b.conns[:0]
		var dead []*Connection
		for _, c := range b.conns {
			if err := c.heartbeat(now); err != nil {
				dead = append(dead, c)
				continue
			}
			kept = append(kept, c)
		}
		b.conns = kept
		empty := len(b.conns) == 0
		b.mu.Unlock()

		for _, c := range dead {
			_ = c.Close()
		}
		pruned = append(pruned, dead...)
		if empty {
			r.dropEmptyBucket(recipient)
		}
	}
	return pruned
}

// Connections returns the number of live streams for a recipient.
func (r *Registry) Connections(recipient string) int {
	b := r.bucket(recipient)
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Recipients lists every recipient with at least one live connection.
func (r *Registry) Recipients() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	recipients := make([]string, 0, len(r.buckets))
	for recipient := range r.buckets {
		recipients = append(recipients, recipient)
	}
	return recipients
}

// Close sends a best-effort final frame to every connection, closes all
// transports and rejects further registrations.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	buckets := make([]*connBucket, 0, len(r.buckets))
	for _, b := range r.buckets {
		buckets = append(buckets, b)
	}
	r.buckets = make(map[string]*connBucket)
	r.mu.Unlock()

	final := CloseFrame()
	for _, b := range buckets {
		b.mu.Lock()
		conns := b.conns
		b.conns = nil
		b.mu.Unlock()

		for _, c := range conns {
			_ = c.Write(final)
			_ = c.Close()
		}
	}
	return nil
}
