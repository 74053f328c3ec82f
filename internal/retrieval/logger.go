package retrieval

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"localrag/apps/backend/internal/middleware"
)

// QueryLogEntry is one line of the JSONL search log.
type QueryLogEntry struct {
	Timestamp    time.Time     `json:"timestamp"`
	Query        string        `json:"query"`
	TopK         int           `json:"top_k"`
	NumResults   int           `json:"num_results"`
	TopScore     float32       `json:"top_score"`
	IndexVersion string        `json:"index_version"`
	Duration     time.Duration `json:"duration_ns"`
	LatencyMs    int64         `json:"latency_ms"`

	CorrelationID string `json:"correlation_id,omitempty"`
	TaskID        string `json:"task_id,omitempty"`
}

// QueryLogger appends search entries as JSON lines. It is safe for
// concurrent use.
type QueryLogger struct {
	mu    sync.Mutex
	enc   *json.Encoder
	close func() error
	now   func() time.Time
}

func NewQueryLogger(w io.Writer) *QueryLogger {
	return &QueryLogger{enc: json.NewEncoder(w), close: func() error { return nil }, now: time.Now}
}

// NewFileQueryLogger tees entries to stdout and to the file at path,
// creating its directory when needed.
func NewFileQueryLogger(path string) (*QueryLogger, error) {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) // #nosec G304 -- path comes from config
	if err != nil {
		return nil, err
	}
	l := NewQueryLogger(io.MultiWriter(os.Stdout, f))
	l.close = f.Close
	return l, nil
}

// Log stamps the entry, fills the request and task ids carried by ctx and
// writes it.
func (l *QueryLogger) Log(ctx context.Context, entry QueryLogEntry) {
	entry.Timestamp = l.now().UTC()
	entry.LatencyMs = entry.Duration.Milliseconds()
	if entry.CorrelationID == "" {
		entry.CorrelationID = middleware.GetCorrelationID(ctx)
	}
	if entry.TaskID == "" {
		entry.TaskID = middleware.GetTaskID(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(entry); err != nil {
		slog.ErrorContext(ctx, "failed to write query log entry", "error", err)
	}
}

func (l *QueryLogger) Close() error {
	return l.close()
}
