package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"localrag/apps/backend/internal/cache"
)

func newTiered(t *testing.T, l2 cache.Persistent, c *clock) *cache.Tiered {
	t.Helper()
	l1, err := cache.NewLRU(128, 4)
	require.NoError(t, err)
	return cache.NewTiered(l1, l2, time.Hour, cache.WithClock(c.Now))
}

func TestTiered_PutThenGetWithinTTL(t *testing.T) {
	c := newClock()
	l2 := new(MockPersistent)
	l2.On("Put", mock.Anything, mock.MatchedBy(func(e cache.Entry) bool {
		return e.Key == "k" && string(e.Value) == "v" && e.ExpiresAt.Equal(c.Now().Add(time.Hour))
	})).Return(nil).Once()
	tc := newTiered(t, l2, c)
	ctx := context.Background()

	require.NoError(t, tc.Put(ctx, "k", []byte("v")))

	c.Advance(59 * time.Minute)
	got, ok, err := tc.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(got))
	l2.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
	l2.AssertExpectations(t)
}

func TestTiered_ExpiresAfterTTL(t *testing.T) {
	c := newClock()
	l2 := new(MockPersistent)
	l2.On("Put", mock.Anything, mock.Anything).Return(nil)
	l2.On("Get", mock.Anything, "k").Return(cache.Entry{}, false, nil).Once()
	tc := newTiered(t, l2, c)
	ctx := context.Background()

	require.NoError(t, tc.Put(ctx, "k", []byte("v")))
	c.Advance(time.Hour + time.Second)

	_, ok, err := tc.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	l2.AssertExpectations(t)
}

func TestTiered_L2HitPromotesToL1(t *testing.T) {
	c := newClock()
	l2 := new(MockPersistent)
	stored := cache.Entry{Key: "k", Value: []byte("from-disk"), CreatedAt: c.Now(), ExpiresAt: c.Now().Add(10 * time.Minute)}
	l2.On("Get", mock.Anything, "k").Return(stored, true, nil).Once()
	tc := newTiered(t, l2, c)
	ctx := context.Background()

	got, ok, err := tc.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "from-disk", string(got))

	got, ok, err = tc.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "from-disk", string(got))
	l2.AssertNumberOfCalls(t, "Get", 1)

	// Promotion keeps the remaining TTL rather than granting a fresh one.
	c.Advance(11 * time.Minute)
	l2.On("Get", mock.Anything, "k").Return(cache.Entry{}, false, nil).Once()
	_, ok, err = tc.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	stats := tc.Stats(context.Background())
	assert.Equal(t, uint64(1), stats.L1Hits)
	assert.Equal(t, uint64(1), stats.L2Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestTiered_L2ErrorSurfacesFromGet(t *testing.T) {
	l2 := new(MockPersistent)
	l2.On("Get", mock.Anything, "k").Return(cache.Entry{}, false, errors.New("disk I/O error"))
	tc := newTiered(t, l2, newClock())

	_, _, err := tc.Get(context.Background(), "k")
	assert.Error(t, err)
}

func TestTiered_Clear(t *testing.T) {
	l2 := new(MockPersistent)
	l2.On("Put", mock.Anything, mock.Anything).Return(nil)
	l2.On("Clear", mock.Anything).Return(int64(2), nil).Once()
	l2.On("Get", mock.Anything, mock.Anything).Return(cache.Entry{}, false, nil)
	tc := newTiered(t, l2, newClock())
	ctx := context.Background()

	require.NoError(t, tc.Put(ctx, "a", []byte("1")))
	require.NoError(t, tc.Put(ctx, "b", []byte("2")))

	n, err := tc.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, ok, err := tc.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
	l2.AssertExpectations(t)
}

func TestTiered_GetOrCompute(t *testing.T) {
	tc := newTiered(t, nil, newClock())
	ctx := context.Background()
	var calls atomic.Int32
	compute := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("answer"), nil
	}

	v, hit, err := tc.GetOrCompute(ctx, "q", false, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "answer", string(v))

	v, hit, err = tc.GetOrCompute(ctx, "q", false, compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "answer", string(v))
	assert.Equal(t, int32(1), calls.Load())

	_, hit, err = tc.GetOrCompute(ctx, "q", true, compute)
	require.NoError(t, err)
	assert.False(t, hit, "bypass always recomputes")
	assert.Equal(t, int32(2), calls.Load())
}

func TestTiered_GetOrComputeDoesNotCacheErrors(t *testing.T) {
	tc := newTiered(t, nil, newClock())
	ctx := context.Background()

	_, _, err := tc.GetOrCompute(ctx, "q", false, func(context.Context) ([]byte, error) {
		return nil, errors.New("model offline")
	})
	assert.Error(t, err)

	_, ok, err := tc.Get(ctx, "q")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTiered_GetOrComputeCollapsesConcurrentMisses(t *testing.T) {
	tc := newTiered(t, nil, newClock())
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})
	compute := func(context.Context) ([]byte, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return []byte("shared"), nil
	}

	var wg sync.WaitGroup
	results := make([]string, 8)
	wg.Add(1)
	go func() {
		defer wg.Done()
		v, _, err := tc.GetOrCompute(ctx, "q", false, compute)
		assert.NoError(t, err)
		results[0] = string(v)
	}()
	<-started
	for i := 1; i < len(results); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := tc.GetOrCompute(ctx, "q", false, compute)
			assert.NoError(t, err)
			results[i] = string(v)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, "shared", r)
	}
}

func TestTiered_GetOrComputeOutlivesLeaderCancellation(t *testing.T) {
	tc := newTiered(t, nil, newClock())

	release := make(chan struct{})
	started := make(chan struct{})
	var computeErr atomic.Value
	compute := func(ctx context.Context) ([]byte, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			computeErr.Store(err)
		}
		return []byte("shared"), nil
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() {
		_, _, err := tc.GetOrCompute(leaderCtx, "q", false, compute)
		leaderDone <- err
	}()
	<-started

	followerDone := make(chan string, 1)
	go func() {
		v, _, err := tc.GetOrCompute(context.Background(), "q", false, compute)
		assert.NoError(t, err)
		followerDone <- string(v)
	}()

	cancelLeader()
	select {
	case err := <-leaderDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("leader did not stop waiting after cancellation")
	}

	close(release)
	select {
	case v := <-followerDone:
		assert.Equal(t, "shared", v)
	case <-time.After(2 * time.Second):
		t.Fatal("follower never received the shared value")
	}
	assert.Nil(t, computeErr.Load(), "compute context must not follow the leader")

	v, ok, err := tc.Get(context.Background(), "q")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "shared", string(v))
}

func TestTiered_GetOrComputeBoundsDetachedCompute(t *testing.T) {
	l1, err := cache.NewLRU(16, 1)
	require.NoError(t, err)
	tc := cache.NewTiered(l1, nil, time.Hour, cache.WithComputeTimeout(20*time.Millisecond))

	_, _, err = tc.GetOrCompute(context.Background(), "q", false, func(ctx context.Context) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
