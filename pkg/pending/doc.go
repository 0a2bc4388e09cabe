// Package pending implements the per-recipient holding area for events that
// could not be delivered live because the recipient had no open streaming
// connection. Entries preserve insertion order and are removed by drain (on
// reconnect), by the expiry sweep, or by an explicit read/dismiss.
//
// The queue is partitioned per recipient with a lock per bucket, so
// operations on different recipients never contend.
package pending
