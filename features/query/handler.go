package query

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"localrag/apps/backend/features/tasks"
	"localrag/apps/backend/internal/middleware"
	"localrag/apps/backend/internal/task"
)

type Request struct {
	Question    string `json:"question"`
	Async       bool   `json:"async"`
	TopK        int    `json:"top_k,omitempty"`
	BypassCache bool   `json:"bypass_cache,omitempty"`
	// Priority orders async tasks in the queue; higher runs first.
	Priority int `json:"priority,omitempty"`
}

type BatchRequest struct {
	Questions   []string `json:"questions"`
	TopK        int      `json:"top_k,omitempty"`
	BypassCache bool     `json:"bypass_cache,omitempty"`
	Priority    int      `json:"priority,omitempty"`
}

type Handler struct {
	service *tasks.Service
}

func NewHandler(s *tasks.Service) *Handler {
	return &Handler{service: s}
}

// Query answers inline unless async is set, in which case it returns the
// task id to poll.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		tasks.WriteError(ctx, w, fmt.Errorf("%w: %v", task.ErrInvalidInput, err))
		return
	}
	payload, _ := json.Marshal(task.AnswerQueryPayload{
		Question:    req.Question,
		TopK:        req.TopK,
		BypassCache: req.BypassCache,
	})

	slog.InfoContext(ctx, "query received", "async", req.Async, "length", len(req.Question), "correlationId", middleware.GetCorrelationID(ctx))

	if req.Async {
		id, err := h.service.Submit(ctx, task.KindAnswerQuery, payload, tasks.SubmitOptions{Priority: req.Priority})
		if err != nil {
			tasks.WriteError(ctx, w, err)
			return
		}
		tasks.WriteJSON(ctx, w, http.StatusAccepted, map[string]interface{}{
			"data": tasks.Accepted{TaskID: id, Status: task.StatusPending, Message: "Query submitted for asynchronous processing"},
		})
		return
	}

	answer, err := h.service.RunInline(ctx, task.KindAnswerQuery, payload)
	if err != nil {
		slog.ErrorContext(ctx, "query failed", "error", err)
		tasks.WriteError(ctx, w, err)
		return
	}
	tasks.WriteJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": answer})
}

// Batch always runs through the queue.
func (h *Handler) Batch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		tasks.WriteError(ctx, w, fmt.Errorf("%w: %v", task.ErrInvalidInput, err))
		return
	}
	payload, _ := json.Marshal(task.BatchQueryPayload{
		Questions:   req.Questions,
		TopK:        req.TopK,
		BypassCache: req.BypassCache,
	})

	id, err := h.service.Submit(ctx, task.KindBatchQuery, payload, tasks.SubmitOptions{Priority: req.Priority})
	if err != nil {
		tasks.WriteError(ctx, w, err)
		return
	}
	tasks.WriteJSON(ctx, w, http.StatusAccepted, map[string]interface{}{
		"data": tasks.Accepted{
			TaskID:  id,
			Status:  task.StatusPending,
			Message: fmt.Sprintf("Batch of %d queries submitted for processing", len(req.Questions)),
		},
	})
}
