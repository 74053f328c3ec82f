package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"localrag/apps/backend/internal/middleware"
	"localrag/apps/backend/internal/task"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	view, err := h.service.Status(ctx, id)
	if err != nil {
		slog.ErrorContext(ctx, "failed to get task status", "task_id", id, "error", err, "correlationId", middleware.GetCorrelationID(ctx))
		WriteError(ctx, w, err)
		return
	}
	WriteJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": view})
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	slog.InfoContext(ctx, "cancelling task", "task_id", id, "correlationId", middleware.GetCorrelationID(ctx))

	st, err := h.service.Cancel(ctx, id)
	if err != nil {
		WriteError(ctx, w, err)
		return
	}
	WriteJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"task_id": id,
			"status":  st,
			"message": "Task " + id + " has been cancelled",
		},
	})
}

func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	newID, err := h.service.Retry(ctx, id)
	if err != nil {
		WriteError(ctx, w, err)
		return
	}
	WriteJSON(ctx, w, http.StatusAccepted, map[string]interface{}{
		"data": Accepted{
			TaskID:  newID,
			Status:  task.StatusPending,
			Message: "Task " + id + " resubmitted",
		},
	})
}

func (h *Handler) Counts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := h.service.Counts(ctx)
	if err != nil {
		WriteError(ctx, w, err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	WriteJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"data": counts,
		"meta": map[string]int{"count": total},
	})
}

func WriteJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// WriteError maps task errors onto HTTP status codes.
func WriteError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrInvalidInput), errors.Is(err, task.ErrUnknownKind):
		writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
	case errors.Is(err, task.ErrNotFound):
		writeError(ctx, w, "NOT_FOUND", "Task not found", http.StatusNotFound)
	case errors.Is(err, task.ErrNotRetryable):
		writeError(ctx, w, "NOT_RETRYABLE", err.Error(), http.StatusConflict)
	case errors.Is(err, task.ErrAlreadyTerminal):
		writeError(ctx, w, "ALREADY_TERMINAL", err.Error(), http.StatusConflict)
	case errors.Is(err, task.ErrBrokerUnavailable):
		writeError(ctx, w, "BROKER_UNAVAILABLE", err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, task.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(ctx, w, "TIMEOUT", err.Error(), http.StatusGatewayTimeout)
	default:
		writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
