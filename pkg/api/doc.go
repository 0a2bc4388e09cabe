// Package api exposes the delivery engine's provider surface as a JSON
// HTTP API: event submission, read receipts and the pending-event poll.
// Streaming lives in the sse and ws packages; this package
// covers everything request/response shaped.
package api
