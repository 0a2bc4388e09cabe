package logger

import "log/slog"

// Error creates an attribute for a single error under the key "error".
// If err is nil, it returns an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// Recipient records the recipient identifier under the key "recipient".
func Recipient(id string) slog.Attr {
	return slog.String("recipient", id)
}

// EventID records the event identifier under the key "event_id".
// If id is nil, it returns an empty Attr.
func EventID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("event_id", id)
}

// EventType records the event type under the key "event_type".
func EventType(eventType string) slog.Attr {
	return slog.String("event_type", eventType)
}

// StreamID records the stream identifier under the key "stream_id".
// If id is nil, it returns an empty Attr.
func StreamID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("stream_id", id)
}

// Attempt records the delivery attempt count under the key "attempt".
func Attempt(count int) slog.Attr {
	return slog.Int("attempt", count)
}

// Duration records a duration under the key "duration".
func Duration(d any) slog.Attr {
	return slog.Any("duration", d)
}

// Component records the component name under the key "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Count records a generic count under the key "count".
func Count(n int) slog.Attr {
	return slog.Int("count", n)
}
