// Package ws exposes the delivery engine over WebSocket.
//
// Frames are sent as JSON text messages; heartbeats become protocol-level
// ping control frames. The socket is one-way: client messages are read only
// to detect disconnection.
package ws
