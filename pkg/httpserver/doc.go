// Package httpserver provides the HTTP listener for the event delivery
// service: graceful shutdown, signal handling and health probes, tuned for
// long-lived streaming responses (no server-wide write timeout).
package httpserver
