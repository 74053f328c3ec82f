package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localrag/apps/backend/internal/middleware"
)

func TestQueryLogger_ConcurrentWritesStayWholeLines(t *testing.T) {
	var buf bytes.Buffer
	logger := NewQueryLogger(&buf)

	const writers, perWriter = 20, 50
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				logger.Log(context.Background(), QueryLogEntry{Query: "test", Duration: time.Millisecond})
			}
		}()
	}
	wg.Wait()

	dec := json.NewDecoder(&buf)
	count := 0
	for dec.More() {
		var entry QueryLogEntry
		require.NoError(t, dec.Decode(&entry), "entry %d", count)
		assert.Equal(t, int64(1), entry.LatencyMs)
		count++
	}
	assert.Equal(t, writers*perWriter, count)
}

func TestQueryLogger_StampsEntry(t *testing.T) {
	var buf bytes.Buffer
	logger := NewQueryLogger(&buf)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	logger.now = func() time.Time { return fixed }

	ctx := middleware.WithTaskID(middleware.WithCorrelationID(context.Background(), "corr"), "task")
	logger.Log(ctx, QueryLogEntry{Query: "q", TopK: 4, IndexVersion: "v1", Duration: 2500 * time.Microsecond})
	logger.Log(ctx, QueryLogEntry{Query: "q", TaskID: "explicit"})

	dec := json.NewDecoder(&buf)
	var first, second QueryLogEntry
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))

	assert.True(t, fixed.Equal(first.Timestamp))
	assert.Equal(t, time.UTC, first.Timestamp.Location())
	assert.Equal(t, int64(2), first.LatencyMs)
	assert.Equal(t, 4, first.TopK)
	assert.Equal(t, "v1", first.IndexVersion)
	assert.Equal(t, "corr", first.CorrelationID)
	assert.Equal(t, "task", first.TaskID)
	assert.Equal(t, "explicit", second.TaskID)
}

func TestNewFileQueryLogger_AppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "queries.jsonl")

	for _, q := range []string{"one", "two"} {
		l, err := NewFileQueryLogger(path)
		require.NoError(t, err)
		l.Log(context.Background(), QueryLogEntry{Query: q})
		require.NoError(t, l.Close())
	}

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(raw), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[1]), `"query":"two"`)
}
