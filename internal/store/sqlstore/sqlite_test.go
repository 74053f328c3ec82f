package sqlstore_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localrag/apps/backend/internal/broker"
	"localrag/apps/backend/internal/broker/brokertest"
	"localrag/apps/backend/internal/cache"
	"localrag/apps/backend/internal/results"
	"localrag/apps/backend/internal/results/resultstest"
	"localrag/apps/backend/internal/retrieval"
	"localrag/apps/backend/internal/settings"
	"localrag/apps/backend/internal/store/sqlstore"
	"localrag/apps/backend/internal/task"
)

func openSQLite(t *testing.T, path string, opts ...sqlstore.Option) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.OpenSQLite(path, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newSQLite(t *testing.T, opts ...sqlstore.Option) *sqlstore.Store {
	return openSQLite(t, filepath.Join(t.TempDir(), "localrag.db"), opts...)
}

func TestSQLiteBroker(t *testing.T) {
	brokertest.Run(t, func(t *testing.T, now func() time.Time) broker.Store {
		return newSQLite(t, sqlstore.WithClock(now))
	})
}

func TestSQLiteResults(t *testing.T) {
	resultstest.Run(t, func(t *testing.T) results.Store {
		return newSQLite(t).Results()
	})
}

func TestSQLite_MigrateIsIdempotent(t *testing.T) {
	s := newSQLite(t)
	assert.NoError(t, s.Migrate())
}

func TestSQLite_StateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "localrag.db")
	ctx := context.Background()

	s, err := sqlstore.OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Migrate())

	id, err := s.Enqueue(ctx, task.NewTask{Kind: task.KindAnswerQuery, Payload: json.RawMessage(`{"question":"q"}`)})
	require.NoError(t, err)
	leased, err := s.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.NoError(t, s.Results().Put(ctx, task.Result{TaskID: id, Status: task.StatusSuccess, Progress: 100, Payload: json.RawMessage(`{"answer":"a"}`)}))
	require.NoError(t, s.Ack(ctx, id, leased.LeaseToken, task.StatusSuccess))
	pending, err := s.Enqueue(ctx, task.NewTask{Kind: task.KindClearIndex})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := openSQLite(t, path)

	got, err := reopened.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, got.Status)

	res, err := reopened.Results().Get(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":"a"}`, string(res.Payload))

	next, err := reopened.Lease(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, pending, next.ID)
}

func TestSQLiteCache(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	c := newSQLite(t, sqlstore.WithClock(clock)).Cache()
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, cache.Entry{Key: "fresh", Value: []byte("v1"), ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, c.Put(ctx, cache.Entry{Key: "stale", Value: []byte("v2"), ExpiresAt: now.Add(-time.Second)}))
	require.NoError(t, c.Put(ctx, cache.Entry{Key: "old", Value: []byte("v3"), ExpiresAt: now.Add(-time.Hour)}))

	e, ok, err := c.Get(ctx, "fresh")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", string(e.Value))
	assert.True(t, e.ExpiresAt.Equal(now.Add(time.Hour)))

	_, ok, err = c.Get(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, ok, "expired rows read as a miss")

	n, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	purged, err := c.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged, "stale was already deleted lazily, only old remains")

	require.NoError(t, c.Put(ctx, cache.Entry{Key: "fresh", Value: []byte("v1b"), ExpiresAt: now.Add(2 * time.Hour)}))
	e, ok, err = c.Get(ctx, "fresh")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1b", string(e.Value))

	cleared, err := c.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)
}

func TestSQLiteCache_BehindTiered(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	s := newSQLite(t, sqlstore.WithClock(clock))
	ctx := context.Background()

	l1, err := cache.NewLRU(16, 1)
	require.NoError(t, err)
	first := cache.NewTiered(l1, s.Cache(), time.Hour, cache.WithClock(clock))
	require.NoError(t, first.Put(ctx, "k", []byte("persisted")))

	// A fresh process starts with an empty L1 and must find the value in L2.
	l1b, err := cache.NewLRU(16, 1)
	require.NoError(t, err)
	second := cache.NewTiered(l1b, s.Cache(), time.Hour, cache.WithClock(clock))
	v, ok, err := second.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "persisted", string(v))
	assert.Equal(t, 1, l1b.Len(), "L2 hit is promoted")
}

func TestSQLiteSnapshot(t *testing.T) {
	snap := newSQLite(t).Snapshots()
	ctx := context.Background()

	chunks := []retrieval.Chunk{
		{ID: "d1-0", DocID: "d1", ChunkIndex: 0, Seq: 1, Text: "alpha", Start: 0, End: 5, Vector: []float32{1, 0, -0.5}},
		{ID: "d1-1", DocID: "d1", ChunkIndex: 1, Seq: 2, Text: "beta", Start: 4, End: 8, Vector: []float32{0.25, 0.75, 0}, Metadata: map[string]string{"source": "a.txt"}},
	}
	require.NoError(t, snap.ReplaceDocument(ctx, "d1", chunks))
	require.NoError(t, snap.ReplaceDocument(ctx, "d2", []retrieval.Chunk{
		{ID: "d2-0", DocID: "d2", ChunkIndex: 0, Seq: 3, Text: "gamma", End: 5, Vector: []float32{0, 1, 0}},
	}))

	loaded, err := snap.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, []string{"d1-0", "d1-1", "d2-0"}, []string{loaded[0].ID, loaded[1].ID, loaded[2].ID})
	assert.Equal(t, []float32{1, 0, -0.5}, loaded[0].Vector)
	assert.Equal(t, "a.txt", loaded[1].Metadata["source"])
	assert.Equal(t, 4, loaded[1].Start)

	// Re-ingesting a document replaces its chunks.
	require.NoError(t, snap.ReplaceDocument(ctx, "d1", []retrieval.Chunk{
		{ID: "d1-0b", DocID: "d1", ChunkIndex: 0, Seq: 4, Text: "alpha2", End: 6, Vector: []float32{1, 1, 1}},
	}))
	loaded, err = snap.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "d2-0", loaded[0].ID)
	assert.Equal(t, "d1-0b", loaded[1].ID)

	require.NoError(t, snap.Clear(ctx))
	loaded, err = snap.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestSQLiteSnapshot_ApplyBatch(t *testing.T) {
	snap := newSQLite(t).Snapshots()
	ctx := context.Background()

	require.NoError(t, snap.ReplaceDocument(ctx, "old", []retrieval.Chunk{
		{ID: "old-0", DocID: "old", Seq: 1, Text: "stale", Vector: []float32{1}},
	}))
	require.NoError(t, snap.ReplaceDocument(ctx, "keep", []retrieval.Chunk{
		{ID: "keep-0", DocID: "keep", Seq: 2, Text: "kept", Vector: []float32{1}},
	}))

	require.NoError(t, snap.ApplyBatch(ctx, false, []retrieval.DocumentChunks{
		{DocID: "old", Chunks: []retrieval.Chunk{{ID: "old-1", DocID: "old", Seq: 3, Text: "fresh", Vector: []float32{1}}}},
	}))
	loaded, err := snap.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep-0", "old-1"}, []string{loaded[0].ID, loaded[1].ID})

	require.NoError(t, snap.ApplyBatch(ctx, true, []retrieval.DocumentChunks{
		{DocID: "a", Chunks: []retrieval.Chunk{{ID: "a-0", DocID: "a", Seq: 4, Text: "a", Vector: []float32{1}}}},
		{DocID: "b", Chunks: []retrieval.Chunk{{ID: "b-0", DocID: "b", Seq: 5, Text: "b", Vector: []float32{1}}}},
	}))
	loaded, err = snap.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, []string{"a-0", "b-0"}, []string{loaded[0].ID, loaded[1].ID})

	require.NoError(t, snap.ApplyBatch(ctx, true, nil))
	loaded, err = snap.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestSQLiteSettings(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)
	repo := s.Settings()

	got, err := repo.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, &settings.Settings{}, got)

	require.NoError(t, repo.Update(ctx, &settings.Settings{GeminiAPIKey: "key-12345678", GenerationModel: "gemini-1.5-pro"}))

	got, err = repo.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "key-12345678", got.GeminiAPIKey)
	assert.Equal(t, "gemini-1.5-pro", got.GenerationModel)

	svc := settings.NewService(repo, settings.Settings{GenerationModel: "fallback"})
	require.NoError(t, svc.Update(ctx, &settings.Settings{GeminiAPIKey: "****5678"}))
	merged, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "key-12345678", merged.GeminiAPIKey)
	assert.Equal(t, "fallback", merged.GenerationModel)
}
