// Package hostapi exposes a running engine to an out-of-process host UI over
// HTTP and a websocket state stream.
package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/supportchat/internal/domain"
	"github.com/ashureev/supportchat/internal/engine"
	"github.com/ashureev/supportchat/internal/middleware"
)

const maxBodyBytes = 64 << 10

// Controller is the engine surface the API drives.
type Controller interface {
	SendMessage(ctx context.Context, text string) (domain.Message, error)
	RetryMessage(ctx context.Context, id int64) error
	EndChat(ctx context.Context) error
	ContinueLater(ctx context.Context) error
	State() engine.State
	Subscribe() (<-chan engine.State, func())
}

// Handler serves the host API.
type Handler struct {
	ctrl           Controller
	allowedOrigins []string
	logger         *slog.Logger
}

// NewHandler creates a Handler. An empty allowedOrigins list allows any origin.
func NewHandler(ctrl Controller, allowedOrigins []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return &Handler{
		ctrl:           ctrl,
		allowedOrigins: allowedOrigins,
		logger:         logger.With("component", "hostapi"),
	}
}

// Router builds the full chi router with middleware.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(h.allowedOrigins))

	h.RegisterRoutes(r)
	r.Get("/ws/state", h.StreamState)
	return r
}

// RegisterRoutes mounts the REST routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/state", h.GetState)
		r.Get("/messages", h.ListMessages)
		r.Post("/messages", h.SendMessage)
		r.Post("/messages/{id}/retry", h.RetryMessage)
		r.Post("/chat/end", h.EndChat)
		r.Post("/chat/continue-later", h.ContinueLater)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// GetState returns the current engine snapshot.
func (h *Handler) GetState(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.ctrl.State())
}

// ListMessages returns the conversation in display order.
func (h *Handler) ListMessages(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"messages": h.ctrl.State().Messages})
}

type sendRequest struct {
	Text string `json:"text"`
}

// SendMessage appends and delivers a user message.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := h.ctrl.SendMessage(r.Context(), req.Text)
	if err != nil {
		h.writeCommandError(w, r, "send", err)
		return
	}
	JSON(w, http.StatusCreated, msg)
}

// RetryMessage re-delivers a failed message.
func (h *Handler) RetryMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		Error(w, http.StatusBadRequest, "invalid message id")
		return
	}

	if err := h.ctrl.RetryMessage(r.Context(), id); err != nil {
		h.writeCommandError(w, r, "retry", err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]any{"id": id, "status": domain.StatusSending})
}

// EndChat ends the conversation. Repeated calls succeed.
func (h *Handler) EndChat(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.EndChat(r.Context()); err != nil {
		h.writeCommandError(w, r, "end", err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"ended": true})
}

// ContinueLater parks the conversation.
func (h *Handler) ContinueLater(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.ContinueLater(r.Context()); err != nil {
		h.writeCommandError(w, r, "continue_later", err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "parked"})
}

func (h *Handler) writeCommandError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrEmptyMessage):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrMessageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrChatEnded),
		errors.Is(err, engine.ErrDeliveryInFlight),
		errors.Is(err, engine.ErrNotRetryable):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrNoSession), errors.Is(err, engine.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("Command failed", "op", op, "error", err,
			"request_id", chiMiddleware.GetReqID(r.Context()))
	}
	Error(w, status, err.Error())
}
