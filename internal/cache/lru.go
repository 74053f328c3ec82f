package cache

import (
	"hash/fnv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultShards = 16

// LRU is the in-memory tier: a fixed number of independently locked LRU
// shards so concurrent readers rarely contend.
type LRU struct {
	shards []*lru.Cache[string, Entry]
	size   int
	now    func() time.Time
}

// NewLRU builds an LRU holding at most size entries spread over shards.
func NewLRU(size, shards int) (*LRU, error) {
	if shards <= 0 {
		shards = DefaultShards
	}
	if size < shards {
		shards = max(size, 1)
	}
	per := (size + shards - 1) / shards

	l := &LRU{shards: make([]*lru.Cache[string, Entry], shards), size: per * shards, now: time.Now}
	for i := range l.shards {
		c, err := lru.New[string, Entry](per)
		if err != nil {
			return nil, err
		}
		l.shards[i] = c
	}
	return l, nil
}

func (l *LRU) shard(key string) *lru.Cache[string, Entry] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// Get returns the live entry for key. Expired entries are removed.
func (l *LRU) Get(key string) (Entry, bool) {
	s := l.shard(key)
	e, ok := s.Get(key)
	if !ok {
		return Entry{}, false
	}
	if e.Expired(l.now()) {
		s.Remove(key)
		return Entry{}, false
	}
	return e, true
}

func (l *LRU) Put(e Entry) {
	l.shard(e.Key).Add(e.Key, e)
}

func (l *LRU) Remove(key string) {
	l.shard(key).Remove(key)
}

func (l *LRU) Purge() int {
	n := 0
	for _, s := range l.shards {
		n += s.Len()
		s.Purge()
	}
	return n
}

func (l *LRU) Len() int {
	n := 0
	for _, s := range l.shards {
		n += s.Len()
	}
	return n
}

// Capacity is the total number of entries the shards can hold.
func (l *LRU) Capacity() int {
	return l.size
}
