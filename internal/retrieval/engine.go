package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"localrag/apps/backend/internal/metrics"
	"localrag/apps/backend/internal/task"
	"localrag/apps/backend/internal/text"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SnapshotStore persists the index so it survives restarts.
type SnapshotStore interface {
	ReplaceDocument(ctx context.Context, docID string, chunks []Chunk) error
	Clear(ctx context.Context) error
	Load(ctx context.Context) ([]Chunk, error)
}

// BatchSnapshotStore is implemented by stores that can persist a whole
// Commit in one transaction. Other stores get Clear and ReplaceDocument calls
// in sequence.
type BatchSnapshotStore interface {
	ApplyBatch(ctx context.Context, replaceAll bool, docs []DocumentChunks) error
}

type State string

const (
	StateEmpty    State = "EMPTY"
	StateIndexing State = "INDEXING"
	StateReady    State = "READY"
	StateClearing State = "CLEARING"
)

const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
	DefaultTopK         = 3
)

var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

var chunkNamespace = uuid.MustParse("6f1c3c1e-4d0e-4b55-9f43-1f0a8f3b2c7d")

type Options struct {
	ChunkSize    int
	ChunkOverlap int
	TopK         int
	Strategy     text.Strategy
}

type Document struct {
	ID       string
	Text     string
	Source   string
	Metadata map[string]string
}

type IngestOptions struct {
	ChunkSize    int
	ChunkOverlap int
	// BeforeChunk runs ahead of each embedding call. Returning an error stops
	// the ingest before anything is published.
	BeforeChunk func(done, total int) error
	// BeforeCommit runs once every chunk is embedded, right before Ingest
	// publishes. Returning an error discards the document.
	BeforeCommit func() error
}

// DocumentChunks is an embedded document that search cannot see until it is
// passed to Commit.
type DocumentChunks struct {
	DocID  string
	Chunks []Chunk
}

func (d DocumentChunks) ChunkIDs() []string {
	ids := make([]string, len(d.Chunks))
	for i, c := range d.Chunks {
		ids[i] = c.ID
	}
	return ids
}

type SearchResult struct {
	Chunk
	Score float32 `json:"score"`
}

type DocumentStats struct {
	ID     string `json:"id"`
	Chunks int    `json:"chunks"`
}

type Stats struct {
	State        State           `json:"state"`
	TotalVectors int             `json:"total_vectors"`
	Dimension    int             `json:"dimension"`
	Documents    []DocumentStats `json:"documents"`
	TopK         int             `json:"top_k"`
	ChunkSize    int             `json:"chunk_size"`
	ChunkOverlap int             `json:"chunk_overlap"`
	Strategy     text.Strategy   `json:"strategy"`
	Version      string          `json:"version"`
}

type Engine struct {
	embedder  Embedder
	snapshots SnapshotStore
	queryLog  *QueryLogger
	opts      Options
	now       func() time.Time

	snap atomic.Pointer[snapshot]

	// writeMu serialises publishers; readers only load snap.
	writeMu sync.Mutex
	seq     int64

	stateMu  sync.Mutex
	state    State
	indexing int
}

func NewEngine(embedder Embedder, snapshots SnapshotStore, queryLog *QueryLogger, opts Options) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		opts.ChunkOverlap = min(DefaultChunkOverlap, opts.ChunkSize/2)
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if !opts.Strategy.Valid() {
		opts.Strategy = text.StrategyFixed
	}
	e := &Engine{
		embedder:  embedder,
		snapshots: snapshots,
		queryLog:  queryLog,
		opts:      opts,
		now:       time.Now,
		state:     StateEmpty,
	}
	e.snap.Store(newSnapshot(nil))
	return e
}

// Restore loads the persisted snapshot. It is meant to run once before the
// engine serves traffic.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.snapshots == nil {
		return 0, nil
	}
	chunks, err := e.snapshots.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load index snapshot: %w", err)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	for _, c := range chunks {
		e.seq = max(e.seq, c.Seq)
	}
	e.publish(newSnapshot(chunks))

	e.stateMu.Lock()
	if e.indexing == 0 {
		e.state = readyOrEmpty(len(chunks))
	}
	e.stateMu.Unlock()

	slog.Info("index restored", "chunks", len(chunks))
	return len(chunks), nil
}

// BeginIndexing marks an ingest in flight. The returned func must be called
// once the ingest finishes, whatever its outcome.
func (e *Engine) BeginIndexing() func() {
	e.stateMu.Lock()
	e.indexing++
	e.state = StateIndexing
	e.stateMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.stateMu.Lock()
			defer e.stateMu.Unlock()
			e.indexing--
			if e.indexing == 0 && e.state != StateClearing {
				e.state = readyOrEmpty(len(e.snap.Load().chunks))
			}
		})
	}
}

// Ingest chunks and embeds doc, then atomically replaces any chunks
// previously indexed under doc.ID. It returns the new chunk ids.
func (e *Engine) Ingest(ctx context.Context, doc Document, opts IngestOptions) ([]string, error) {
	prepared, err := e.Prepare(ctx, doc, opts)
	if err != nil {
		return nil, err
	}
	if opts.BeforeCommit != nil {
		if err := opts.BeforeCommit(); err != nil {
			return nil, err
		}
	}
	if err := e.Commit(ctx, []DocumentChunks{prepared}, false); err != nil {
		return nil, err
	}
	return prepared.ChunkIDs(), nil
}

// Prepare chunks and embeds doc without touching the index.
func (e *Engine) Prepare(ctx context.Context, doc Document, opts IngestOptions) (DocumentChunks, error) {
	if strings.TrimSpace(doc.ID) == "" {
		return DocumentChunks{}, task.Permanent(fmt.Errorf("%w: document id is required", task.ErrInvalidInput))
	}
	size, overlap := e.opts.ChunkSize, e.opts.ChunkOverlap
	if opts.ChunkSize > 0 {
		size = opts.ChunkSize
		overlap = max(opts.ChunkOverlap, 0)
	}

	segments := text.Chunk(e.opts.Strategy, doc.Text, size, overlap)
	created := e.now().UTC()
	chunks := make([]Chunk, 0, len(segments))
	for i, seg := range segments {
		if opts.BeforeChunk != nil {
			if err := opts.BeforeChunk(i, len(segments)); err != nil {
				return DocumentChunks{}, err
			}
		}
		if err := ctx.Err(); err != nil {
			return DocumentChunks{}, err
		}
		vec, err := e.embedder.Embed(ctx, seg.Text)
		if err != nil {
			return DocumentChunks{}, fmt.Errorf("embed chunk %d of %s: %w", i, doc.ID, err)
		}
		if len(vec) == 0 {
			return DocumentChunks{}, task.Permanent(fmt.Errorf("embed chunk %d of %s: empty vector", i, doc.ID))
		}
		if len(chunks) > 0 && len(vec) != len(chunks[0].Vector) {
			return DocumentChunks{}, task.Permanent(fmt.Errorf("%w: chunk %d has %d dimensions, want %d",
				ErrDimensionMismatch, i, len(vec), len(chunks[0].Vector)))
		}
		chunks = append(chunks, Chunk{
			ID:         chunkID(doc.ID, i),
			DocID:      doc.ID,
			ChunkIndex: i,
			Text:       seg.Text,
			Start:      seg.Start,
			End:        seg.End,
			Vector:     normalize(vec),
			Metadata:   chunkMetadata(doc),
			CreatedAt:  created,
		})
	}
	return DocumentChunks{DocID: doc.ID, Chunks: chunks}, nil
}

// Commit publishes docs in a single snapshot swap. Each document replaces
// whatever was indexed under its id; with replaceAll every other document is
// dropped in the same swap. When a document id repeats, the last one wins.
func (e *Engine) Commit(ctx context.Context, docs []DocumentChunks, replaceAll bool) error {
	docs = lastPerDocument(docs)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	current := e.snap.Load()
	if err := checkDimensions(current, docs, replaceAll); err != nil {
		return err
	}
	for _, d := range docs {
		for i := range d.Chunks {
			e.seq++
			d.Chunks[i].Seq = e.seq
		}
	}
	if err := e.persist(ctx, docs, replaceAll); err != nil {
		return err
	}
	next := current.replacing(docs, replaceAll)
	e.publish(next)

	e.stateMu.Lock()
	if e.indexing == 0 {
		e.state = readyOrEmpty(len(next.chunks))
	}
	e.stateMu.Unlock()

	chunks := 0
	for _, d := range docs {
		chunks += len(d.Chunks)
	}
	slog.Debug("index committed", "documents", len(docs), "chunks", chunks, "replace_all", replaceAll)
	return nil
}

// persist must be called with writeMu held.
func (e *Engine) persist(ctx context.Context, docs []DocumentChunks, replaceAll bool) error {
	if e.snapshots == nil {
		return nil
	}
	if batch, ok := e.snapshots.(BatchSnapshotStore); ok {
		if err := batch.ApplyBatch(ctx, replaceAll, docs); err != nil {
			return fmt.Errorf("persist index batch: %w", err)
		}
		return nil
	}
	if replaceAll {
		if err := e.snapshots.Clear(ctx); err != nil {
			return fmt.Errorf("clear index snapshot: %w", err)
		}
	}
	for _, d := range docs {
		if err := e.snapshots.ReplaceDocument(ctx, d.DocID, d.Chunks); err != nil {
			return fmt.Errorf("persist %s: %w", d.DocID, err)
		}
	}
	return nil
}

func lastPerDocument(docs []DocumentChunks) []DocumentChunks {
	last := make(map[string]int, len(docs))
	for i, d := range docs {
		last[d.DocID] = i
	}
	if len(last) == len(docs) {
		return docs
	}
	out := make([]DocumentChunks, 0, len(last))
	for i, d := range docs {
		if last[d.DocID] == i {
			out = append(out, d)
		}
	}
	return out
}

// checkDimensions rejects a commit whose vectors disagree with each other or
// with the chunks that survive it.
func checkDimensions(current *snapshot, docs []DocumentChunks, replaceAll bool) error {
	dim := 0
	for _, d := range docs {
		if len(d.Chunks) == 0 {
			continue
		}
		n := len(d.Chunks[0].Vector)
		if dim == 0 {
			dim = n
		} else if n != dim {
			return task.Permanent(fmt.Errorf("%w: document %s has %d dimensions, batch has %d",
				ErrDimensionMismatch, d.DocID, n, dim))
		}
	}
	if dim == 0 || replaceAll || current.dim == 0 || current.dim == dim {
		return nil
	}
	replaced := make(map[string]bool, len(docs))
	for _, d := range docs {
		replaced[d.DocID] = true
	}
	for id := range current.docs {
		if !replaced[id] {
			return task.Permanent(fmt.Errorf("%w: documents have %d dimensions, index has %d",
				ErrDimensionMismatch, dim, current.dim))
		}
	}
	return nil
}

// Search returns the k chunks most similar to query, best first. k <= 0 uses
// the configured TopK.
func (e *Engine) Search(ctx context.Context, query string, k int) ([]SearchResult, error) {
	start := time.Now()
	if k <= 0 {
		k = e.opts.TopK
	}
	snap := e.snap.Load()
	if len(snap.chunks) == 0 {
		e.logQuery(ctx, snap, query, k, 0, 0, start)
		return []SearchResult{}, nil
	}

	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vec) != snap.dim {
		return nil, task.Permanent(fmt.Errorf("%w: query has %d dimensions, index has %d",
			ErrDimensionMismatch, len(vec), snap.dim))
	}

	results := snap.topK(normalize(vec), k)
	var top float32
	if len(results) > 0 {
		top = results[0].Score
	}
	metrics.SearchDuration.Observe(time.Since(start).Seconds())
	e.logQuery(ctx, snap, query, k, len(results), top, start)
	return results, nil
}

// Clear drops every chunk from memory and from the snapshot store. It returns
// how many chunks were removed.
func (e *Engine) Clear(ctx context.Context) (int, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.stateMu.Lock()
	e.state = StateClearing
	e.stateMu.Unlock()

	removed := len(e.snap.Load().chunks)
	var err error
	if e.snapshots != nil {
		err = e.snapshots.Clear(ctx)
	}
	if err == nil {
		e.publish(newSnapshot(nil))
	}

	e.stateMu.Lock()
	switch {
	case e.indexing > 0:
		e.state = StateIndexing
	default:
		e.state = readyOrEmpty(len(e.snap.Load().chunks))
	}
	e.stateMu.Unlock()

	if err != nil {
		return 0, fmt.Errorf("clear index snapshot: %w", err)
	}
	slog.Info("index cleared", "chunks", removed)
	return removed, nil
}

func (e *Engine) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

// Version identifies the indexed content. It changes whenever a document is
// added, replaced or cleared.
func (e *Engine) Version() string {
	return e.snap.Load().version
}

func (e *Engine) Len() int {
	return len(e.snap.Load().chunks)
}

func (e *Engine) TopK() int {
	return e.opts.TopK
}

func (e *Engine) Stats() Stats {
	snap := e.snap.Load()
	docs := make([]DocumentStats, 0, len(snap.docs))
	seen := make(map[string]bool, len(snap.docs))
	for _, c := range snap.chunks {
		if seen[c.DocID] {
			continue
		}
		seen[c.DocID] = true
		docs = append(docs, DocumentStats{ID: c.DocID, Chunks: snap.docs[c.DocID]})
	}
	return Stats{
		State:        e.State(),
		TotalVectors: len(snap.chunks),
		Dimension:    snap.dim,
		Documents:    docs,
		TopK:         e.opts.TopK,
		ChunkSize:    e.opts.ChunkSize,
		ChunkOverlap: e.opts.ChunkOverlap,
		Strategy:     e.opts.Strategy,
		Version:      snap.version,
	}
}

// publish must be called with writeMu held.
func (e *Engine) publish(s *snapshot) {
	e.snap.Store(s)
	metrics.IndexChunks.Set(float64(len(s.chunks)))
}

func (e *Engine) logQuery(ctx context.Context, snap *snapshot, query string, k, hits int, top float32, start time.Time) {
	if e.queryLog == nil {
		return
	}
	e.queryLog.Log(ctx, QueryLogEntry{
		Query:        query,
		TopK:         k,
		NumResults:   hits,
		TopScore:     top,
		IndexVersion: snap.version,
		Duration:     time.Since(start),
	})
}

func readyOrEmpty(chunks int) State {
	if chunks > 0 {
		return StateReady
	}
	return StateEmpty
}

func chunkID(docID string, index int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s#%d", docID, index))).String()
}

func chunkMetadata(doc Document) map[string]string {
	meta := make(map[string]string, len(doc.Metadata)+1)
	for k, v := range doc.Metadata {
		meta[k] = v
	}
	if doc.Source != "" {
		meta["source"] = doc.Source
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
