package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localrag/apps/backend/internal/app"
	"localrag/apps/backend/internal/config"
)

const corpus = `Workers lease tasks from the broker for a visibility timeout. ` +
	`A worker that stops heartbeating loses its lease and the task is delivered again. ` +
	`The answer cache is keyed by the normalised question and the index version.`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		DBDriver:                   config.DBDriverSQLite,
		DBPath:                     filepath.Join(dir, "localrag.db"),
		SnapshotBackend:            config.SnapshotSQL,
		LocalEmbedderDim:           64,
		DocumentsDir:               filepath.Join(dir, "documents"),
		ChunkSize:                  120,
		ChunkOverlap:               20,
		ChunkStrategy:              "fixed",
		TopK:                       3,
		CacheSize:                  100,
		CacheShards:                4,
		CacheTTL:                   time.Hour,
		WorkerConcurrency:          2,
		VisibilityTimeout:          5 * time.Second,
		HeartbeatInterval:          time.Second,
		PollInterval:               20 * time.Millisecond,
		MaxPollInterval:            100 * time.Millisecond,
		ReapInterval:               time.Second,
		MaxAttempts:                3,
		TaskTimeout:                time.Minute,
		QueryLogPath:               filepath.Join(dir, "logs", "query.log"),
		ServerPort:                 0,
		BootstrapRetryAttempts:     1,
		BootstrapRetryDelaySeconds: 0,
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *app.App {
	t.Helper()
	ctx := context.Background()
	deps, err := app.Bootstrap(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(deps.Close)

	a, err := app.New(ctx, cfg, deps)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, reader))
	var out map[string]interface{}
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w.Code, out
}

func data(t *testing.T, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	d, ok := body["data"].(map[string]interface{})
	require.True(t, ok, "response has no data object: %v", body)
	return d
}

func TestApp_SynchronousFlow(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	h := a.Handler

	code, body := do(t, h, "GET", "/system/health", "")
	assert.Equal(t, http.StatusOK, code)

	procReq, _ := json.Marshal(map[string]interface{}{
		"documents": []map[string]string{{"id": "leases.txt", "text": corpus}},
		"async":     false,
	})
	code, body = do(t, h, "POST", "/documents/process", string(procReq))
	require.Equal(t, http.StatusOK, code, "%v", body)
	assert.EqualValues(t, 1, data(t, body)["documents_processed"])
	assert.Greater(t, data(t, body)["chunks_indexed"].(float64), float64(0))

	q := `{"question":"What happens when a worker stops heartbeating?","async":false}`
	code, body = do(t, h, "POST", "/query", q)
	require.Equal(t, http.StatusOK, code, "%v", body)
	first := data(t, body)
	assert.Equal(t, "generated", first["source"])
	assert.Equal(t, true, first["context_used"])
	assert.NotEmpty(t, first["answer"])

	code, body = do(t, h, "POST", "/query", q)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cache", data(t, body)["source"])
	assert.Equal(t, first["answer"], data(t, body)["answer"])

	code, body = do(t, h, "GET", "/system/stats", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", data(t, body)["system_status"])

	code, body = do(t, h, "GET", "/system/info", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "local-hash", data(t, body)["embedder"])

	code, _ = do(t, h, "POST", "/documents/clear-index", `{"clear_cache":true}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, a.Engine.Len())

	code, body = do(t, h, "POST", "/query", `{"question":"","async":false}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", body["error"].(map[string]interface{})["code"])

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "localrag_http_requests_total")
}

func TestApp_AsyncThroughWorkers(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	h := a.Handler

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, app.RoleWorker) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("app did not stop")
		}
	})

	procReq, _ := json.Marshal(map[string]interface{}{
		"documents": []map[string]string{{"id": "leases.txt", "text": corpus}},
	})
	code, body := do(t, h, "POST", "/documents/process", string(procReq))
	require.Equal(t, http.StatusAccepted, code, "%v", body)
	procID := data(t, body)["task_id"].(string)
	waitFor(t, h, "/documents/task/"+procID, "SUCCESS")

	code, body = do(t, h, "POST", "/query/batch", `{"questions":["What is leased?","How is the cache keyed?"]}`)
	require.Equal(t, http.StatusAccepted, code, "%v", body)
	batchID := data(t, body)["task_id"].(string)
	view := waitFor(t, h, "/tasks/"+batchID, "SUCCESS")
	assert.EqualValues(t, 100, view["progress"])
	result := view["result"].(map[string]interface{})
	assert.EqualValues(t, 2, result["total_questions"])

	code, body = do(t, h, "GET", "/tasks", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, data(t, body)["SUCCESS"])
}

func waitFor(t *testing.T, h http.Handler, path, status string) map[string]interface{} {
	t.Helper()
	var view map[string]interface{}
	require.Eventually(t, func() bool {
		code, body := do(t, h, "GET", path, "")
		if code != http.StatusOK {
			return false
		}
		view = body["data"].(map[string]interface{})
		return view["status"] == status
	}, 10*time.Second, 20*time.Millisecond)
	return view
}
