// Package stream implements the live-connection registry: it tracks open
// streaming sessions per recipient, fans event frames out to them, probes
// liveness with heartbeat frames, and prunes connections whose writes fail.
//
// The registry is partitioned per recipient so connect/disconnect churn for
// one recipient never blocks pushes to another. Transports are pluggable;
// ChanTransport backs the in-process SSE and WebSocket handlers with a
// non-blocking buffered channel that drops frames for slow consumers
// instead of stalling the distributor.
package stream
