package stream

import (
	"time"

	"github.com/dmitrymomot/pushkit/pkg/event"
)

// FrameKind discriminates the frames flowing through a connection.
type FrameKind string

const (
	FrameEvent     FrameKind = "event"
	FrameHeartbeat FrameKind = "heartbeat"
	FrameClose     FrameKind = "close"
)

// Frame is the unit written to a streaming connection. For event frames the
// Recovered flag distinguishes events replayed after a reconnect from
// freshly created ones, so the consumer can render a passive banner instead
// of a transient toast.
type Frame struct {
	Kind      FrameKind    `json:"kind"`
	Event     *event.Event `json:"event,omitempty"`
	Recovered bool         `json:"recovered,omitempty"`
	SentAt    time.Time    `json:"sent_at"`
}

// EventFrame builds an event frame.
func EventFrame(ev event.Event, recovered bool) Frame {
	return Frame{
		Kind:      FrameEvent,
		Event:     &ev,
		Recovered: recovered,
		SentAt:    time.Now(),
	}
}

// HeartbeatFrame builds a keep-alive frame.
func HeartbeatFrame() Frame {
	return Frame{Kind: FrameHeartbeat, SentAt: time.Now()}
}

// CloseFrame builds the final frame sent on graceful shutdown.
func CloseFrame() Frame {
	return Frame{Kind: FrameClose, SentAt: time.Now()}
}
