package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"localrag/apps/backend/internal/cache"
)

// Cache returns the persistent cache tier backed by the cache_entries table.
func (s *Store) Cache() *CacheStore {
	return &CacheStore{s: s}
}

type CacheStore struct {
	s *Store
}

// Get treats an expired row as a miss and deletes it.
func (c *CacheStore) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	var (
		e                  cache.Entry
		created, expiresAt int64
	)
	err := c.s.queryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&e.Key, &e.Value, &created, &expiresAt)
	}, `SELECT key, value, created_at, expires_at FROM cache_entries WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, unavailable(err)
	}
	e.CreatedAt = fromMillis(created)
	e.ExpiresAt = fromMillis(expiresAt)

	if !e.ExpiresAt.After(c.s.now()) {
		if err := c.Delete(ctx, key); err != nil {
			return cache.Entry{}, false, err
		}
		return cache.Entry{}, false, nil
	}
	return e, true, nil
}

func (c *CacheStore) Put(ctx context.Context, e cache.Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = c.s.now()
	}
	_, err := c.s.exec(ctx, `INSERT INTO cache_entries (key, value, created_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		e.Key, e.Value, e.CreatedAt.UnixMilli(), e.ExpiresAt.UnixMilli())
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (c *CacheStore) Delete(ctx context.Context, key string) error {
	if _, err := c.s.exec(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return unavailable(err)
	}
	return nil
}

func (c *CacheStore) Clear(ctx context.Context) (int64, error) {
	res, err := c.s.exec(ctx, `DELETE FROM cache_entries`)
	if err != nil {
		return 0, unavailable(err)
	}
	return res.RowsAffected()
}

func (c *CacheStore) Len(ctx context.Context) (int64, error) {
	var n int64
	err := c.s.queryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&n)
	}, `SELECT COUNT(*) FROM cache_entries WHERE expires_at > ?`, c.s.millis())
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (c *CacheStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := c.s.exec(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, unavailable(err)
	}
	return res.RowsAffected()
}
