package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/pushkit/pkg/engine"
	"github.com/dmitrymomot/pushkit/pkg/logger"
	"github.com/dmitrymomot/pushkit/pkg/stream"
)

// RecipientExtractor resolves the recipient identity from the request.
// Production deployments plug in their session or token lookup here.
type RecipientExtractor func(r *http.Request) (string, error)

// Handler streams engine frames to browsers over Server-Sent Events.
type Handler struct {
	engine    *engine.Engine
	logger    *slog.Logger
	recipient RecipientExtractor
}

// Option configures the SSE handler.
type Option func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.logger = log
		}
	}
}

// WithRecipientExtractor overrides how the recipient identity is resolved.
func WithRecipientExtractor(fn RecipientExtractor) Option {
	return func(h *Handler) {
		if fn != nil {
			h.recipient = fn
		}
	}
}

// NewHandler creates an SSE handler bound to the engine. By default the
// recipient is taken from the "recipient" URL parameter.
func NewHandler(eng *engine.Engine, opts ...Option) *Handler {
	h := &Handler{
		engine: eng,
		logger: slog.Default(),
		recipient: func(r *http.Request) (string, error) {
			if id := chi.URLParam(r, "recipient"); id != "" {
				return id, nil
			}
			return "", ErrNoRecipient
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(logger.Component("sse"))
	return h
}

// Routes mounts the stream endpoint on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/stream/{recipient}", h.ServeHTTP)
}

// ServeHTTP upgrades the request to an event stream and pumps frames until
// the client goes away or the engine shuts down.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	recipient, err := h.recipient(r)
	if err != nil {
		http.Error(w, "unknown recipient", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	transport := stream.NewChanTransport(h.engine.StreamBufferSize())
	conn, err := h.engine.Connect(r.Context(), recipient, transport)
	if err != nil {
		http.Error(w, "engine unavailable", http.StatusServiceUnavailable)
		return
	}
	defer func() {
		h.engine.Disconnect(recipient, conn.StreamID())
		transport.Close()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-transport.Frames():
			if !ok {
				return
			}
			if err := writeFrame(w, f); err != nil {
				h.logger.WarnContext(ctx, "sse write failed",
					logger.Recipient(recipient),
					logger.StreamID(conn.StreamID()),
					logger.Error(err),
				)
				return
			}
			flusher.Flush()
			if f.Kind == stream.FrameClose {
				return
			}
		}
	}
}

// writeFrame renders a frame in the text/event-stream format. Event frames
// use the event type as the SSE event name and carry the event id so
// clients can resume with Last-Event-ID. Heartbeats keep intermediaries
// from timing out the idle stream.
func writeFrame(w http.ResponseWriter, f stream.Frame) error {
	switch f.Kind {
	case stream.FrameHeartbeat:
		_, err := fmt.Fprint(w, "event: heartbeat\ndata: keep-alive\n\n")
		return err
	case stream.FrameClose:
		_, err := fmt.Fprint(w, "event: close\ndata: {}\n\n")
		return err
	case stream.FrameEvent:
		data, err := json.Marshal(eventPayload{
			Event:     f.Event,
			Recovered: f.Recovered,
		})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", f.Event.ID, f.Event.Type, data)
		return err
	default:
		return nil
	}
}

type eventPayload struct {
	Event     any  `json:"event"`
	Recovered bool `json:"recovered"`
}
