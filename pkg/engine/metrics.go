package engine

import "sync/atomic"

// Metrics counts delivery outcomes. All counters are monotonically
// increasing and safe for concurrent use; they are process-local and reset
// on restart.
type Metrics struct {
	submitted  atomic.Uint64
	delivered  atomic.Uint64
	queued     atomic.Uint64
	retried    atomic.Uint64
	failed     atomic.Uint64
	expired    atomic.Uint64
	broadcasts atomic.Uint64
	pruned     atomic.Uint64
}

// Snapshot is a point-in-time copy of the engine counters.
type Snapshot struct {
	Submitted  uint64 `json:"submitted"`
	Delivered  uint64 `json:"delivered"`
	Queued     uint64 `json:"queued"`
	Retried    uint64 `json:"retried"`
	Failed     uint64 `json:"failed"`
	Expired    uint64 `json:"expired"`
	Broadcasts uint64 `json:"broadcasts"`
	Pruned     uint64 `json:"pruned"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Submitted:  m.submitted.Load(),
		Delivered:  m.delivered.Load(),
		Queued:     m.queued.Load(),
		Retried:    m.retried.Load(),
		Failed:     m.failed.Load(),
		Expired:    m.expired.Load(),
		Broadcasts: m.broadcasts.Load(),
		Pruned:     m.pruned.Load(),
	}
}
