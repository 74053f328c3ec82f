package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"localrag/apps/backend/internal/cache"
	"localrag/apps/backend/internal/retrieval"
	"localrag/apps/backend/internal/task"
)

const (
	SourceCache     = "cache"
	SourceGenerated = "generated"
)

type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Index is the part of the retrieval engine the answer path reads.
type Index interface {
	Search(ctx context.Context, query string, k int) ([]retrieval.SearchResult, error)
	Version() string
	TopK() int
}

type Reference struct {
	DocID      string  `json:"doc_id"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float32 `json:"score"`
}

type Answer struct {
	Question         string      `json:"question"`
	Answer           string      `json:"answer"`
	Source           string      `json:"source"`
	ProcessingTimeMs int64       `json:"processing_time_ms"`
	RetrievedChunks  int         `json:"retrieved_chunks"`
	ContextUsed      bool        `json:"context_used"`
	References       []Reference `json:"references,omitempty"`
}

// cachedAnswer is what the cache holds; per-request fields are filled on read.
type cachedAnswer struct {
	Answer          string      `json:"answer"`
	RetrievedChunks int         `json:"retrieved_chunks"`
	ContextUsed     bool        `json:"context_used"`
	References      []Reference `json:"references,omitempty"`
}

type AnswerOptions struct {
	TopK        int
	BypassCache bool
	// OnStage reports progress while an answer is being computed. It is not
	// called on a cache hit.
	OnStage func(pct int, msg string)
}

type Answerer struct {
	index     Index
	generator Generator
	cache     cache.Cache
}

// NewAnswerer wires the answer path. c may be nil to disable caching.
func NewAnswerer(index Index, generator Generator, c cache.Cache) *Answerer {
	return &Answerer{index: index, generator: generator, cache: c}
}

// CacheKey fingerprints a question together with everything that changes its
// answer, including the current index contents.
func (a *Answerer) CacheKey(question string, topK int) string {
	return cache.Fingerprint(string(task.KindAnswerQuery), question, map[string]any{
		"top_k": topK,
		"index": a.index.Version(),
	})
}

func (a *Answerer) Answer(ctx context.Context, question string, opts AnswerOptions) (*Answer, error) {
	start := time.Now()
	k := opts.TopK
	if k <= 0 {
		k = a.index.TopK()
	}
	stage := opts.OnStage
	if stage == nil {
		stage = func(int, string) {}
	}

	compute := func(ctx context.Context) ([]byte, error) {
		stage(30, "searching for relevant documents")
		results, err := a.index.Search(ctx, question, k)
		if err != nil {
			return nil, fmt.Errorf("search: %w", err)
		}

		stage(60, "generating response")
		text, err := a.generator.Generate(ctx, BuildPrompt(question, results))
		if err != nil {
			return nil, fmt.Errorf("generate answer: %w", err)
		}

		ca := cachedAnswer{
			Answer:          strings.TrimSpace(text),
			RetrievedChunks: len(results),
			ContextUsed:     len(results) > 0,
		}
		for _, r := range results {
			ca.References = append(ca.References, Reference{DocID: r.DocID, ChunkIndex: r.ChunkIndex, Score: r.Score})
		}
		return json.Marshal(ca)
	}

	var (
		raw []byte
		hit bool
		err error
	)
	if a.cache != nil {
		raw, hit, err = a.cache.GetOrCompute(ctx, a.CacheKey(question, k), opts.BypassCache, compute)
	} else {
		raw, err = compute(ctx)
	}
	if err != nil {
		return nil, err
	}

	var ca cachedAnswer
	if err := json.Unmarshal(raw, &ca); err != nil {
		return nil, fmt.Errorf("decode cached answer: %w", err)
	}
	out := &Answer{
		Question:         question,
		Answer:           ca.Answer,
		Source:           SourceGenerated,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		RetrievedChunks:  ca.RetrievedChunks,
		ContextUsed:      ca.ContextUsed,
		References:       ca.References,
	}
	if hit {
		out.Source = SourceCache
	}
	return out, nil
}

// BuildPrompt joins the retrieved chunks into the context block. Without
// context the question is asked on its own.
func BuildPrompt(question string, results []retrieval.SearchResult) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, r.Text)
	}
	joined := strings.Join(parts, "\n")
	if joined == "" {
		return fmt.Sprintf("Question: %s\nAnswer:", question)
	}
	return fmt.Sprintf("Context: %s\n\nQuestion: %s\nAnswer:", joined, question)
}
