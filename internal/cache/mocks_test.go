package cache_test

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"localrag/apps/backend/internal/cache"
)

type MockPersistent struct{ mock.Mock }

func (m *MockPersistent) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(cache.Entry), args.Bool(1), args.Error(2)
}

func (m *MockPersistent) Put(ctx context.Context, e cache.Entry) error {
	return m.Called(ctx, e).Error(0)
}

func (m *MockPersistent) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func (m *MockPersistent) Clear(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockPersistent) Len(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockPersistent) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Unix(1_700_000_000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
