// Package sse exposes the delivery engine over Server-Sent Events.
//
// The handler registers a channel transport with the engine, replays missed
// events through the engine's recovery path, and pumps frames to the client
// in text/event-stream format. Heartbeats go out as "heartbeat" events so
// intermediaries keep the idle connection open.
//
//	h := sse.NewHandler(eng)
//	r := chi.NewRouter()
//	h.Routes(r)
package sse
