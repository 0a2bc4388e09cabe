package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dmitrymomot/pushkit/pkg/engine"
	"github.com/dmitrymomot/pushkit/pkg/event"
	"github.com/dmitrymomot/pushkit/pkg/logger"
)

// Handler exposes the engine's provider surface over JSON endpoints:
// submission, read receipts and the pending poll.
type Handler struct {
	engine *engine.Engine
	logger *slog.Logger
}

// Option configures the API handler.
type Option func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.logger = log
		}
	}
}

// NewHandler creates the API handler bound to the engine.
func NewHandler(eng *engine.Engine, opts ...Option) *Handler {
	h := &Handler{
		engine: eng,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the API endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/events", h.submit)
	r.Post("/recipients/{recipient}/read", h.markRead)
	r.Get("/recipients/{recipient}/events", h.listPending)
}

type submitRequest struct {
	Type       string         `json:"type"`
	Target     string         `json:"target,omitempty"`
	Priority   event.Priority `json:"priority,omitempty"`
	Persistent bool           `json:"persistent,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Payload    event.Payload  `json:"payload"`
}

type submitResponse struct {
	ID uuid.UUID `json:"id"`
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := h.engine.Submit(r.Context(), event.Event{
		Type:       req.Type,
		Target:     req.Target,
		Priority:   req.Priority,
		Persistent: req.Persistent,
		ExpiresAt:  req.ExpiresAt,
		Payload:    req.Payload,
	})
	if err != nil {
		var verr event.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusUnprocessableEntity, verr.Error())
		case errors.Is(err, engine.ErrQueueSaturated):
			writeError(w, http.StatusServiceUnavailable, "intake queue is full")
		case errors.Is(err, engine.ErrShutdown):
			writeError(w, http.StatusServiceUnavailable, "engine is shutting down")
		default:
			h.logger.ErrorContext(r.Context(), "submit failed", logger.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to accept event")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{ID: id})
}

type markReadRequest struct {
	IDs []uuid.UUID `json:"ids"`
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	recipient := chi.URLParam(r, "recipient")
	if recipient == "" {
		writeError(w, http.StatusBadRequest, "missing recipient")
		return
	}

	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "no event ids")
		return
	}

	if err := h.engine.MarkManyRead(r.Context(), recipient, req.IDs...); err != nil {
		h.logger.ErrorContext(r.Context(), "mark read failed",
			logger.Recipient(recipient),
			logger.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to mark events read")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listPending(w http.ResponseWriter, r *http.Request) {
	recipient := chi.URLParam(r, "recipient")
	if recipient == "" {
		writeError(w, http.StatusBadRequest, "missing recipient")
		return
	}

	events, err := h.engine.ListPending(r.Context(), recipient)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list pending failed",
			logger.Recipient(recipient),
			logger.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []event.Event{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
