package system

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"localrag/apps/backend/internal/cache"
	"localrag/apps/backend/internal/middleware"
	"localrag/apps/backend/internal/rag"
	"localrag/apps/backend/internal/retrieval"
	"localrag/apps/backend/internal/task"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type TaskCounter interface {
	Counts(ctx context.Context) (map[task.Status]int, error)
}

type IndexStats interface {
	Stats() retrieval.Stats
}

type CacheStore interface {
	Stats(ctx context.Context) cache.Stats
	Clear(ctx context.Context) (int64, error)
}

type DocumentStats interface {
	Stats(ctx context.Context) (rag.DirectoryStats, error)
}

// Info is static build and wiring information reported by GET /system/info.
type Info struct {
	Name              string    `json:"name"`
	Version           string    `json:"version"`
	Database          string    `json:"database"`
	SnapshotBackend   string    `json:"snapshot_backend"`
	Embedder          string    `json:"embedder"`
	WorkerConcurrency int       `json:"worker_concurrency"`
	WakeHints         bool      `json:"wake_hints"`
	StartedAt         time.Time `json:"started_at"`
}

type Handler struct {
	db    Pinger
	tasks TaskCounter
	index IndexStats
	cache CacheStore
	docs  DocumentStats
	info  Info
}

func NewHandler(db Pinger, tasks TaskCounter, index IndexStats, c CacheStore, docs DocumentStats, info Info) *Handler {
	return &Handler{db: db, tasks: tasks, index: index, cache: c, docs: docs, info: info}
}

type StatsResponse struct {
	Documents    rag.DirectoryStats  `json:"documents"`
	Index        retrieval.Stats     `json:"index"`
	Cache        cache.Stats         `json:"cache"`
	Tasks        map[task.Status]int `json:"tasks"`
	SystemStatus string              `json:"system_status"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := http.StatusOK
	components := map[string]string{
		"database": "ok",
		"index":    string(h.index.Stats().State),
	}
	if err := h.db.Ping(ctx); err != nil {
		slog.WarnContext(ctx, "health check failed", "error", err)
		components["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}
	h.write(ctx, w, status, map[string]interface{}{
		"data": map[string]interface{}{"status": overall, "components": components},
	})
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	slog.InfoContext(ctx, "getting stats", "correlationId", correlationID)

	counts, err := h.tasks.Counts(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count tasks", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count tasks", http.StatusInternalServerError)
		return
	}

	docs, err := h.docs.Stats(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to read documents directory", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to read documents directory", http.StatusInternalServerError)
		return
	}

	index := h.index.Stats()
	resp := StatsResponse{
		Documents:    docs,
		Index:        index,
		Cache:        h.cache.Stats(ctx),
		Tasks:        counts,
		SystemStatus: systemStatus(index.State),
	}
	h.write(ctx, w, http.StatusOK, map[string]interface{}{"data": resp})
}

func systemStatus(s retrieval.State) string {
	switch s {
	case retrieval.StateReady:
		return "ready"
	case retrieval.StateIndexing:
		return "indexing"
	case retrieval.StateClearing:
		return "clearing"
	}
	return "no_documents"
}

func (h *Handler) GetInfo(w http.ResponseWriter, r *http.Request) {
	h.write(r.Context(), w, http.StatusOK, map[string]interface{}{"data": h.info})
}

func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	n, err := h.cache.Clear(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to clear cache", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	slog.InfoContext(ctx, "cache cleared", "items_removed", n)
	h.write(ctx, w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{"items_removed": n, "message": "Cache cleared"},
	})
}

func (h *Handler) write(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
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
