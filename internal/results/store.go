package results

import (
	"context"
	"sync"
	"time"

	"localrag/apps/backend/internal/task"
)

// Store persists the observable outcome of each task. Put is an upsert keyed
// by task id; Get returns task.ErrNotFound for ids never written.
type Store interface {
	Put(ctx context.Context, r task.Result) error
	Get(ctx context.Context, taskID string) (*task.Result, error)
	Clear(ctx context.Context) (int64, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	results map[string]task.Result
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[string]task.Result)}
}

func (m *MemoryStore) Put(ctx context.Context, r task.Result) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	r.Progress = task.ClampProgress(r.Progress)
	r.Payload = append([]byte(nil), r.Payload...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[r.TaskID] = r
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, taskID string) (*task.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[taskID]
	if !ok {
		return nil, task.ErrNotFound
	}
	return &r, nil
}

func (m *MemoryStore) Clear(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.results))
	m.results = make(map[string]task.Result)
	return n, nil
}
