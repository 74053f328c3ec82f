package cache_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localrag/apps/backend/internal/cache"
)

func entry(key, value string, ttl time.Duration) cache.Entry {
	now := time.Now()
	return cache.Entry{Key: key, Value: []byte(value), CreatedAt: now, ExpiresAt: now.Add(ttl)}
}

func TestLRU_PutGet(t *testing.T) {
	l, err := cache.NewLRU(64, 4)
	require.NoError(t, err)

	l.Put(entry("a", "1", time.Hour))
	got, ok := l.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", string(got.Value))

	_, ok = l.Get("missing")
	assert.False(t, ok)
}

func TestLRU_ExpiredEntryIsMiss(t *testing.T) {
	l, err := cache.NewLRU(8, 1)
	require.NoError(t, err)

	l.Put(entry("stale", "v", -time.Second))
	_, ok := l.Get("stale")
	assert.False(t, ok)
	assert.Equal(t, 0, l.Len(), "expired entries are removed on read")
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	l, err := cache.NewLRU(2, 1)
	require.NoError(t, err)

	l.Put(entry("a", "1", time.Hour))
	l.Put(entry("b", "2", time.Hour))
	_, _ = l.Get("a")
	l.Put(entry("c", "3", time.Hour))

	_, ok := l.Get("b")
	assert.False(t, ok, "b was least recently used")
	_, ok = l.Get("a")
	assert.True(t, ok)
	_, ok = l.Get("c")
	assert.True(t, ok)
}

func TestLRU_Capacity(t *testing.T) {
	l, err := cache.NewLRU(1000, 16)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, l.Capacity(), 1000)

	for i := 0; i < 5000; i++ {
		l.Put(entry(fmt.Sprintf("k%d", i), "v", time.Hour))
	}
	assert.LessOrEqual(t, l.Len(), l.Capacity())

	assert.Equal(t, l.Len(), l.Purge())
	assert.Equal(t, 0, l.Len())
}

func TestLRU_RejectsZeroSize(t *testing.T) {
	_, err := cache.NewLRU(0, 4)
	assert.Error(t, err)
}

func TestLRU_ConcurrentAccess(t *testing.T) {
	l, err := cache.NewLRU(256, 16)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", (g*31+i)%300)
				l.Put(entry(key, key, time.Hour))
				if e, ok := l.Get(key); ok {
					assert.Equal(t, key, string(e.Value))
				}
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, l.Len(), l.Capacity())
}
