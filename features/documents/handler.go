package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"localrag/apps/backend/features/tasks"
	"localrag/apps/backend/internal/middleware"
	"localrag/apps/backend/internal/rag"
	"localrag/apps/backend/internal/task"
)

type ProcessRequest struct {
	Documents     []task.Document `json:"documents,omitempty"`
	Directory     string          `json:"directory,omitempty"`
	ClearExisting *bool           `json:"clear_existing,omitempty"`
	Async         *bool           `json:"async,omitempty"`
	ChunkSize     int             `json:"chunk_size,omitempty"`
	ChunkOverlap  int             `json:"chunk_overlap,omitempty"`
	Priority      int             `json:"priority,omitempty"`
}

type ClearRequest struct {
	ClearCache bool `json:"clear_cache,omitempty"`
	Async      bool `json:"async,omitempty"`
	Priority   int  `json:"priority,omitempty"`
}

// Directory summarises the configured documents directory.
type Directory interface {
	Stats(ctx context.Context) (rag.DirectoryStats, error)
}

type Handler struct {
	service *tasks.Service
	dir     Directory
}

func NewHandler(s *tasks.Service, dir Directory) *Handler {
	return &Handler{service: s, dir: dir}
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, err := h.dir.Stats(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to read documents directory", "error", err)
		tasks.WriteError(ctx, w, err)
		return
	}
	tasks.WriteJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": st})
}

// Process indexes inline documents or the documents directory. clear_existing
// and async both default to true.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ProcessRequest
	if err := decodeOptional(r, &req); err != nil {
		tasks.WriteError(ctx, w, err)
		return
	}
	async := req.Async == nil || *req.Async
	payload, _ := json.Marshal(task.ProcessDocumentsPayload{
		Documents:     req.Documents,
		Directory:     req.Directory,
		ClearExisting: req.ClearExisting == nil || *req.ClearExisting,
		ChunkSize:     req.ChunkSize,
		ChunkOverlap:  req.ChunkOverlap,
	})

	slog.InfoContext(ctx, "document processing requested",
		"documents", len(req.Documents), "directory", req.Directory, "async", async,
		"correlationId", middleware.GetCorrelationID(ctx))

	h.dispatch(w, r, task.KindProcessDocuments, payload, async, req.Priority, "Document processing submitted for asynchronous execution")
}

func (h *Handler) ClearIndex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ClearRequest
	if err := decodeOptional(r, &req); err != nil {
		tasks.WriteError(ctx, w, err)
		return
	}
	payload, _ := json.Marshal(task.ClearIndexPayload{ClearCache: req.ClearCache})

	slog.InfoContext(ctx, "index clear requested", "clear_cache", req.ClearCache, "async", req.Async,
		"correlationId", middleware.GetCorrelationID(ctx))

	h.dispatch(w, r, task.KindClearIndex, payload, req.Async, req.Priority, "Index clearing submitted for asynchronous execution")
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, kind task.Kind, payload json.RawMessage, async bool, priority int, accepted string) {
	ctx := r.Context()
	if async {
		id, err := h.service.Submit(ctx, kind, payload, tasks.SubmitOptions{Priority: priority})
		if err != nil {
			tasks.WriteError(ctx, w, err)
			return
		}
		tasks.WriteJSON(ctx, w, http.StatusAccepted, map[string]interface{}{
			"data": tasks.Accepted{TaskID: id, Status: task.StatusPending, Message: accepted},
		})
		return
	}

	out, err := h.service.RunInline(ctx, kind, payload)
	if err != nil {
		slog.ErrorContext(ctx, "inline task failed", "kind", kind, "error", err)
		tasks.WriteError(ctx, w, err)
		return
	}
	tasks.WriteJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": out})
}

// decodeOptional accepts an empty body as the zero request.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: %v", task.ErrInvalidInput, err)
}
