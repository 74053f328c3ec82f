package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"localrag/apps/backend/internal/metrics"
)

// Tiered is the composite cache: L1 in memory, optional L2 persistent.
// Reads go L1 then L2 (promoting hits), writes go to both.
type Tiered struct {
	l1    *LRU
	l2    Persistent
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	computeTimeout time.Duration

	l1Hits atomic.Uint64
	l2Hits atomic.Uint64
	misses atomic.Uint64
}

type Option func(*Tiered)

// DefaultComputeTimeout bounds a shared compute once it no longer follows the
// context of the caller that started it.
const DefaultComputeTimeout = 5 * time.Minute

func WithClock(now func() time.Time) Option {
	return func(t *Tiered) { t.now = now }
}

func WithComputeTimeout(d time.Duration) Option {
	return func(t *Tiered) { t.computeTimeout = d }
}

// NewTiered composes l1 and l2. l2 may be nil for a memory-only cache.
func NewTiered(l1 *LRU, l2 Persistent, ttl time.Duration, opts ...Option) *Tiered {
	t := &Tiered{l1: l1, l2: l2, ttl: ttl, now: time.Now, computeTimeout: DefaultComputeTimeout}
	for _, opt := range opts {
		opt(t)
	}
	l1.now = t.now
	return t
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if e, ok := t.l1.Get(key); ok {
		t.l1Hits.Add(1)
		metrics.CacheLookups.WithLabelValues("l1_hit").Inc()
		return e.Value, true, nil
	}
	if t.l2 != nil {
		e, ok, err := t.l2.Get(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if ok && !e.Expired(t.now()) {
			t.l1.Put(e)
			t.l2Hits.Add(1)
			metrics.CacheLookups.WithLabelValues("l2_hit").Inc()
			return e.Value, true, nil
		}
	}
	t.misses.Add(1)
	metrics.CacheLookups.WithLabelValues("miss").Inc()
	return nil, false, nil
}

func (t *Tiered) Put(ctx context.Context, key string, value []byte) error {
	now := t.now()
	e := Entry{Key: key, Value: value, CreatedAt: now, ExpiresAt: now.Add(t.ttl)}
	t.l1.Put(e)
	if t.l2 != nil {
		return t.l2.Put(ctx, e)
	}
	return nil
}

// GetOrCompute returns the cached value for key, or runs compute and stores
// its result. Concurrent misses on the same key share one compute call, which
// runs detached from any single caller (bounded by the compute timeout); each
// caller stops waiting when its own ctx ends. bypass skips the lookup but
// still refreshes both tiers. The boolean reports whether the value came from
// the cache.
func (t *Tiered) GetOrCompute(ctx context.Context, key string, bypass bool, compute func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	if bypass {
		metrics.CacheLookups.WithLabelValues("bypass").Inc()
	} else {
		v, ok, err := t.Get(ctx, key)
		if err != nil {
			slog.WarnContext(ctx, "cache lookup failed, recomputing", "key", key, "error", err)
		} else if ok {
			return v, true, nil
		}
	}

	ch := t.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.computeTimeout)
		defer cancel()
		val, err := compute(fctx)
		if err != nil {
			return nil, err
		}
		if err := t.Put(fctx, key, val); err != nil {
			slog.WarnContext(fctx, "cache write failed", "key", key, "error", err)
		}
		return val, nil
	})
	select {
	case <-ctx.Done():
		return nil, false, context.Cause(ctx)
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.([]byte), false, nil
	}
}

// Clear empties both tiers and returns how many entries were removed.
func (t *Tiered) Clear(ctx context.Context) (int64, error) {
	n := int64(t.l1.Purge())
	if t.l2 != nil {
		m, err := t.l2.Clear(ctx)
		if err != nil {
			return n, err
		}
		n = max(n, m)
	}
	return n, nil
}

// PurgeExpired drops expired L2 rows. L1 entries expire lazily on read.
func (t *Tiered) PurgeExpired(ctx context.Context) (int64, error) {
	if t.l2 == nil {
		return 0, nil
	}
	return t.l2.PurgeExpired(ctx, t.now())
}

func (t *Tiered) Stats(ctx context.Context) Stats {
	s := Stats{
		L1Items:   t.l1.Len(),
		L1MaxSize: t.l1.Capacity(),
		L1Hits:    t.l1Hits.Load(),
		L2Hits:    t.l2Hits.Load(),
		Misses:    t.misses.Load(),
		TTLHours:  t.ttl.Hours(),
	}
	if total := s.L1Hits + s.L2Hits + s.Misses; total > 0 {
		s.HitRatio = float64(s.L1Hits+s.L2Hits) / float64(total)
	}
	if t.l2 != nil {
		if n, err := t.l2.Len(ctx); err == nil {
			s.L2Items = n
		} else {
			slog.WarnContext(ctx, "failed to count persistent cache entries", "error", err)
		}
	}
	return s
}

var _ Cache = (*Tiered)(nil)
