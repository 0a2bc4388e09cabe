// Package event defines the domain model for the pushkit notification
// engine: the Event record with its delivery-status state machine, the
// priority and status enums, and a payload type registry for validating
// typed payload schemas at submission time.
//
// An Event targets either a single recipient or every connected recipient
// (Target == BroadcastTarget). Status transitions are monotonic: once an
// event reaches a terminal state (delivered, failed, read, expired) it never
// re-enters the queue.
package event
