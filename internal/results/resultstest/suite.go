// Package resultstest holds behavioural tests shared by every results.Store.
package resultstest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localrag/apps/backend/internal/results"
	"localrag/apps/backend/internal/task"
)

func Run(t *testing.T, newStore func(t *testing.T) results.Store) {
	t.Run("GetUnknown", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "missing")
		assert.True(t, errors.Is(err, task.ErrNotFound))
	})

	t.Run("UpsertKeepsLatest", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, task.Result{TaskID: "t1", Status: task.StatusRunning, Progress: 30, Message: "embedding chunks"}))
		require.NoError(t, s.Put(ctx, task.Result{TaskID: "t1", Status: task.StatusRunning, Progress: 30, Message: "embedding chunks"}))
		require.NoError(t, s.Put(ctx, task.Result{
			TaskID:   "t1",
			Status:   task.StatusSuccess,
			Progress: 100,
			Payload:  json.RawMessage(`{"answer":"42"}`),
		}))

		got, err := s.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, task.StatusSuccess, got.Status)
		assert.Equal(t, 100, got.Progress)
		assert.Empty(t, got.Message)
		assert.JSONEq(t, `{"answer":"42"}`, string(got.Payload))
		assert.False(t, got.UpdatedAt.IsZero())
	})

	t.Run("ErrorRecorded", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, task.Result{TaskID: "t2", Status: task.StatusFailure, Progress: 150, Error: "corrupt document"}))

		got, err := s.Get(ctx, "t2")
		require.NoError(t, err)
		assert.Equal(t, "corrupt document", got.Error)
		assert.Equal(t, 100, got.Progress)
	})

	t.Run("Clear", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, task.Result{TaskID: "a", Status: task.StatusSuccess}))
		require.NoError(t, s.Put(ctx, task.Result{TaskID: "b", Status: task.StatusSuccess}))

		n, err := s.Clear(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		_, err = s.Get(ctx, "a")
		assert.True(t, errors.Is(err, task.ErrNotFound))
	})
}
