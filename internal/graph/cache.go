package graph

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/polygraph-io/polygraph/internal/metrics"
	"github.com/polygraph-io/polygraph/pkg/models"
)

// Cache status labels reported on full-graph reads.
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheBypass = "bypass"
)

// DefaultCacheTTL bounds how long a full-graph read stays servable
// without touching the backend.
const DefaultCacheTTL = 300 * time.Second

// defaultCacheSize caps the number of graphs held at once. One entry per
// (database, graph) key; overwrite semantics.
const defaultCacheSize = 128

// Cache holds the last full-graph read per (database, graph) key, bounded
// by a TTL. Each adapter instance owns its own Cache so adapters stay
// testable in isolation; nothing here is process-global. The underlying
// LRU locks internally, so a set or invalidate is atomic with respect to
// concurrent reads of the same key.
type Cache struct {
	lru *expirable.LRU[string, *models.GraphData]

	hits     atomic.Int64
	misses   atomic.Int64
	bypasses atomic.Int64
}

// NewCache creates a Cache with the given TTL. A non-positive TTL falls
// back to DefaultCacheTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		lru: expirable.NewLRU[string, *models.GraphData](defaultCacheSize, nil, ttl),
	}
}

func cacheKey(db, graphID string) string {
	return db + "|" + graphID
}

// Get returns the cached snapshot for the key, if present and unexpired.
// Counters are updated as a side effect.
func (c *Cache) Get(db, graphID string) (*models.GraphData, bool) {
	data, ok := c.lru.Get(cacheKey(db, graphID))
	if ok {
		c.hits.Add(1)
		metrics.CacheHits.Inc()
	} else {
		c.misses.Add(1)
		metrics.CacheMisses.Inc()
	}
	return data, ok
}

// Set stores a snapshot, replacing any previous value for the key.
func (c *Cache) Set(db, graphID string, data *models.GraphData) {
	c.lru.Add(cacheKey(db, graphID), data)
}

// Invalidate drops the entry for the key. Returns true if one was present.
func (c *Cache) Invalidate(db, graphID string) bool {
	return c.lru.Remove(cacheKey(db, graphID))
}

// RecordBypass counts a read that deliberately skipped the cache.
func (c *Cache) RecordBypass() {
	c.bypasses.Add(1)
	metrics.CacheBypasses.Inc()
}

// Flush drops every entry and returns the keys that were cleared.
func (c *Cache) Flush() []string {
	keys := c.lru.Keys()
	c.lru.Purge()
	return keys
}

// Stats reports counters and current contents.
func (c *Cache) Stats() models.CacheStats {
	keys := c.lru.Keys()
	return models.CacheStats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Bypasses:    c.bypasses.Load(),
		CachedCount: len(keys),
		Keys:        keys,
	}
}
