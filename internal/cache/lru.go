package cache

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUWithTTL is a size-bounded, thread-safe LRU cache whose entries expire
// after a default TTL or a per-entry TTL. Expired entries are treated as
// misses and removed lazily or by CleanupExpired.
type LRUWithTTL[K comparable, V any] struct {
	cache   *lru.Cache[K, *ttlEntry[V]]
	ttl     time.Duration
	mu      sync.Mutex
	hits    atomic.Uint64
	misses  atomic.Uint64
	evicted atomic.Uint64
}

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time // zero means no expiration
}

func (e *ttlEntry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewLRUWithTTL creates a cache holding at most size entries. ttl is the
// default lifetime used by Set; 0 means entries never expire.
//
//	c, err := NewLRUWithTTL[string, *api.RetrievalGrade](10000, time.Hour)
//	c.Set(key, grade)
//	if g, ok := c.Get(key); ok { ... }
func NewLRUWithTTL[K comparable, V any](size int, ttl time.Duration) (*LRUWithTTL[K, V], error) {
	c, err := lru.New[K, *ttlEntry[V]](size)
	if err != nil {
		return nil, err
	}
	return &LRUWithTTL[K, V]{cache: c, ttl: ttl}, nil
}

// Get returns the value for key if present and not expired.
func (c *LRUWithTTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	entry, ok := c.cache.Get(key)
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	if entry.expired(time.Now()) {
		c.cache.Remove(key)
		c.misses.Add(1)
		return zero, false
	}

	c.hits.Add(1)
	return entry.value, true
}

// Set stores value with the default TTL.
func (c *LRUWithTTL[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value with its own lifetime; ttl <= 0 never expires.
// The least recently used entry is evicted when the cache is full.
func (c *LRUWithTTL[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &ttlEntry[V]{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	if c.cache.Add(key, entry) {
		c.evicted.Add(1)
	}
}

// Delete removes key.
func (c *LRUWithTTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(key)
}

// Len returns the number of entries, including expired ones not yet removed.
func (c *LRUWithTTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

// Clear removes all entries.
func (c *LRUWithTTL[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Evicted uint64  `json:"evicted"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns current cache statistics.
func (c *LRUWithTTL[K, V]) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	hitRate := 0.0
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return Stats{
		Hits:    hits,
		Misses:  misses,
		Evicted: c.evicted.Load(),
		Size:    c.Len(),
		HitRate: hitRate,
	}
}

// ResetStats zeroes the hit, miss and eviction counters.
func (c *LRUWithTTL[K, V]) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.evicted.Store(0)
}

// CleanupExpired removes all expired entries and returns how many were
// removed. It is O(n).
func (c *LRUWithTTL[K, V]) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, key := range c.cache.Keys() {
		if entry, ok := c.cache.Peek(key); ok && entry.expired(now) {
			c.cache.Remove(key)
			removed++
		}
	}
	return removed
}
