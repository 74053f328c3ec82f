package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"localrag/apps/backend/internal/cache"
	"localrag/apps/backend/internal/retrieval"
	"localrag/apps/backend/internal/task"
	"localrag/apps/backend/internal/worker"
)

type ProcessResult struct {
	DocumentsProcessed int              `json:"documents_processed"`
	ChunksIndexed      int              `json:"chunks_indexed"`
	Documents          []DocumentResult `json:"documents"`
	IndexCleared       bool             `json:"index_cleared"`
	Message            string           `json:"message"`
}

type DocumentResult struct {
	ID       string   `json:"id"`
	ChunkIDs []string `json:"chunk_ids"`
}

type BatchResult struct {
	TotalQuestions int       `json:"total_questions"`
	Results        []*Answer `json:"results"`
	Message        string    `json:"message"`
}

type ClearResult struct {
	ChunksRemoved       int    `json:"chunks_removed"`
	CacheEntriesRemoved int64  `json:"cache_entries_removed"`
	Message             string `json:"message"`
}

// Handlers implements every task kind. The same methods serve the worker
// pool and the synchronous request path.
type Handlers struct {
	engine   *retrieval.Engine
	answerer *Answerer
	cache    cache.Cache
	loader   *DirectoryLoader
}

func NewHandlers(engine *retrieval.Engine, answerer *Answerer, c cache.Cache, loader *DirectoryLoader) *Handlers {
	return &Handlers{engine: engine, answerer: answerer, cache: c, loader: loader}
}

func (h *Handlers) Register(reg *worker.Registry) {
	reg.Register(task.KindProcessDocuments, worker.HandlerFunc(h.ProcessDocuments))
	reg.Register(task.KindAnswerQuery, worker.HandlerFunc(h.AnswerQuery))
	reg.Register(task.KindBatchQuery, worker.HandlerFunc(h.BatchQuery))
	reg.Register(task.KindClearIndex, worker.HandlerFunc(h.ClearIndex))
}

func (h *Handlers) ProcessDocuments(ctx context.Context, exec *worker.Execution, raw json.RawMessage) (any, error) {
	p, err := task.Decode[task.ProcessDocumentsPayload](raw)
	if err != nil {
		return nil, task.Permanent(err)
	}

	docs := make([]retrieval.Document, 0, len(p.Documents))
	for _, d := range p.Documents {
		docs = append(docs, retrieval.Document{ID: d.ID, Text: d.Text, Source: d.Source, Metadata: d.Metadata})
	}
	if h.loader != nil && (p.Directory != "" || len(p.Documents) == 0) {
		exec.SetProgress(ctx, 5, "loading documents")
		loaded, err := h.loader.Load(p.Directory)
		if err != nil {
			return nil, err
		}
		docs = append(docs, loaded...)
	}

	end := h.engine.BeginIndexing()
	defer end()

	// Nothing is published until every document is embedded, so a cancelled
	// or failed run leaves the index as it was, clear_existing included.
	out := &ProcessResult{Documents: []DocumentResult{}}
	prepared := make([]retrieval.DocumentChunks, 0, len(docs))
	if len(docs) > 0 {
		exec.SetProgress(ctx, 10, fmt.Sprintf("processing %d documents", len(docs)))
	}
	for i, doc := range docs {
		if err := exec.Checkpoint(); err != nil {
			return nil, err
		}
		dc, err := h.engine.Prepare(ctx, doc, retrieval.IngestOptions{
			ChunkSize:    p.ChunkSize,
			ChunkOverlap: p.ChunkOverlap,
			BeforeChunk: func(done, total int) error {
				if err := exec.Checkpoint(); err != nil {
					return err
				}
				pct := 10 + (80*i+80*done/max(total, 1))/len(docs)
				exec.SetProgress(ctx, pct, fmt.Sprintf("embedding %s chunk %d of %d", doc.ID, done+1, total))
				return nil
			},
		})
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, dc)
		out.Documents = append(out.Documents, DocumentResult{ID: doc.ID, ChunkIDs: dc.ChunkIDs()})
		out.DocumentsProcessed++
		out.ChunksIndexed += len(dc.Chunks)
	}

	if err := exec.Checkpoint(); err != nil {
		return nil, err
	}
	if len(prepared) == 0 && !p.ClearExisting {
		out.Message = "no documents found to process"
		return out, nil
	}
	exec.SetProgress(ctx, 95, "publishing index")
	if err := h.engine.Commit(ctx, prepared, p.ClearExisting); err != nil {
		return nil, err
	}
	out.IndexCleared = p.ClearExisting
	if len(prepared) == 0 {
		out.Message = "no documents found to process"
		return out, nil
	}
	out.Message = fmt.Sprintf("successfully processed %d documents", out.DocumentsProcessed)
	slog.InfoContext(ctx, "documents processed", "documents", out.DocumentsProcessed, "chunks", out.ChunksIndexed)
	return out, nil
}

func (h *Handlers) AnswerQuery(ctx context.Context, exec *worker.Execution, raw json.RawMessage) (any, error) {
	p, err := task.Decode[task.AnswerQueryPayload](raw)
	if err != nil {
		return nil, task.Permanent(err)
	}
	exec.SetProgress(ctx, 10, "checking cache")
	answer, err := h.answerer.Answer(ctx, p.Question, AnswerOptions{
		TopK:        p.TopK,
		BypassCache: p.BypassCache,
		OnStage:     func(pct int, msg string) { exec.SetProgress(ctx, pct, msg) },
	})
	if err != nil {
		return nil, err
	}
	if err := exec.Checkpoint(); err != nil {
		return nil, err
	}
	exec.SetProgress(ctx, 90, "finalizing response")
	return answer, nil
}

func (h *Handlers) BatchQuery(ctx context.Context, exec *worker.Execution, raw json.RawMessage) (any, error) {
	p, err := task.Decode[task.BatchQueryPayload](raw)
	if err != nil {
		return nil, task.Permanent(err)
	}
	n := len(p.Questions)
	out := &BatchResult{TotalQuestions: n, Results: make([]*Answer, 0, n)}
	for i, q := range p.Questions {
		if err := exec.Checkpoint(); err != nil {
			return nil, err
		}
		exec.SetProgress(ctx, i*90/n, fmt.Sprintf("processing question %d of %d", i+1, n))
		answer, err := h.answerer.Answer(ctx, q, AnswerOptions{TopK: p.TopK, BypassCache: p.BypassCache})
		if err != nil {
			return nil, fmt.Errorf("question %d: %w", i+1, err)
		}
		out.Results = append(out.Results, answer)
	}
	exec.SetProgress(ctx, 95, "finalizing batch results")
	out.Message = fmt.Sprintf("successfully processed %d questions", n)
	return out, nil
}

func (h *Handlers) ClearIndex(ctx context.Context, exec *worker.Execution, raw json.RawMessage) (any, error) {
	p, err := task.Decode[task.ClearIndexPayload](raw)
	if err != nil {
		return nil, task.Permanent(err)
	}
	exec.SetProgress(ctx, 50, "clearing search index")
	removed, err := h.engine.Clear(ctx)
	if err != nil {
		return nil, err
	}
	out := &ClearResult{ChunksRemoved: removed, Message: "search index cleared"}
	if p.ClearCache && h.cache != nil {
		n, err := h.cache.Clear(ctx)
		if err != nil {
			return nil, fmt.Errorf("clear cache: %w", err)
		}
		out.CacheEntriesRemoved = n
		out.Message = "search index and cache cleared"
	}
	return out, nil
}
