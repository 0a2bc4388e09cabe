package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/dmitrymomot/pushkit/pkg/engine"
	"github.com/dmitrymomot/pushkit/pkg/logger"
	"github.com/dmitrymomot/pushkit/pkg/stream"
)

const writeTimeout = 10 * time.Second

// RecipientExtractor resolves the recipient identity from the request.
type RecipientExtractor func(r *http.Request) (string, error)

// Handler streams engine frames over a WebSocket connection.
type Handler struct {
	engine    *engine.Engine
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	recipient RecipientExtractor
}

// Option configures the WebSocket handler.
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

// WithCheckOrigin sets the origin check used during the upgrade handshake.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Handler) {
		if fn != nil {
			h.upgrader.CheckOrigin = fn
		}
	}
}

// NewHandler creates a WebSocket handler bound to the engine. By default
// the recipient is taken from the "recipient" URL parameter and
// cross-origin upgrades are rejected.
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
	h.logger = h.logger.With(logger.Component("ws"))
	return h
}

// Routes mounts the WebSocket endpoint on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ws/{recipient}", h.ServeHTTP)
}

// ServeHTTP upgrades the request and pumps frames until the client
// disconnects or the engine shuts down. Client reads are drained in a
// side goroutine only to detect closure; the protocol is one-way.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	recipient, err := h.recipient(r)
	if err != nil {
		http.Error(w, "unknown recipient", http.StatusUnauthorized)
		return
	}

	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed",
			logger.Recipient(recipient),
			logger.Error(err),
		)
		return
	}
	defer sock.Close()

	transport := stream.NewChanTransport(h.engine.StreamBufferSize())
	conn, err := h.engine.Connect(r.Context(), recipient, transport)
	if err != nil {
		return
	}
	defer func() {
		h.engine.Disconnect(recipient, conn.StreamID())
		transport.Close()
	}()

	h.logger.Info("ws stream opened",
		logger.Recipient(recipient),
		logger.StreamID(conn.StreamID()),
	)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := sock.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case f, ok := <-transport.Frames():
			if !ok {
				return
			}
			if err := h.writeFrame(sock, f); err != nil {
				h.logger.Warn("ws write failed",
					logger.Recipient(recipient),
					logger.StreamID(conn.StreamID()),
					logger.Error(err),
				)
				return
			}
			if f.Kind == stream.FrameClose {
				return
			}
		}
	}
}

func (h *Handler) writeFrame(sock *websocket.Conn, f stream.Frame) error {
	deadline := time.Now().Add(writeTimeout)

	if f.Kind == stream.FrameHeartbeat {
		return sock.WriteControl(websocket.PingMessage, nil, deadline)
	}

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := sock.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return sock.WriteMessage(websocket.TextMessage, data)
}
