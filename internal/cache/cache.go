package cache

import (
	"context"
	"time"
)

// Entry is a cached value with its absolute expiry.
type Entry struct {
	Key       string
	Value     []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// Persistent is the slower, durable tier. Get reports expired entries as a
// miss and may delete them.
type Persistent interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, e Entry) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) (int64, error)
	Len(ctx context.Context) (int64, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Cache is what request paths depend on: one read-through/write-through
// object regardless of how many tiers sit behind it.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	GetOrCompute(ctx context.Context, key string, bypass bool, compute func(context.Context) ([]byte, error)) ([]byte, bool, error)
	Clear(ctx context.Context) (int64, error)
	Stats(ctx context.Context) Stats
}

type Stats struct {
	L1Items   int     `json:"l1_items"`
	L1MaxSize int     `json:"l1_max_size"`
	L2Items   int64   `json:"l2_items"`
	L1Hits    uint64  `json:"l1_hits"`
	L2Hits    uint64  `json:"l2_hits"`
	Misses    uint64  `json:"misses"`
	HitRatio  float64 `json:"hit_ratio"`
	TTLHours  float64 `json:"ttl_hours"`
}
