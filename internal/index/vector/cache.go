package vector

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"columnist/internal/domain"
)

// CacheStats receives embedder cache outcomes, typically the engine's
// metrics tracker.
type CacheStats interface {
	CacheHit()
	CacheMiss()
}

// CachedEmbedder wraps a per-table embedder registry with an LRU cache
// keyed (table, text). Cached vectors are copied on the way in and out so
// the cache never shares a mutable buffer with the substrate or a caller.
type CachedEmbedder struct {
	mu        sync.RWMutex
	embedders map[string]domain.Embedder
	cache     *lru.Cache[uint64, []float32]
	stats     CacheStats
}

// NewCachedEmbedder creates a registry with maxEntries cache capacity.
func NewCachedEmbedder(maxEntries int, stats CacheStats) (*CachedEmbedder, error) {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	cache, err := lru.New[uint64, []float32](maxEntries)
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{
		embedders: make(map[string]domain.Embedder),
		cache:     cache,
		stats:     stats,
	}, nil
}

// Register installs (or replaces) the embedder for table.
func (c *CachedEmbedder) Register(table string, e domain.Embedder) {
	c.mu.Lock()
	c.embedders[table] = e
	c.mu.Unlock()
}

// Has reports whether table has a registered embedder.
func (c *CachedEmbedder) Has(table string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.embedders[table]
	return ok
}

// Embed returns the vector for (table, text), consulting the cache first.
func (c *CachedEmbedder) Embed(ctx context.Context, table, text string) ([]float32, error) {
	c.mu.RLock()
	e, ok := c.embedders[table]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrEmbedderNotFound, table)
	}

	key := cacheKey(table, text)
	if vec, hit := c.cache.Get(key); hit {
		if c.stats != nil {
			c.stats.CacheHit()
		}
		out := make([]float32, len(vec))
		copy(out, vec)
		return out, nil
	}
	if c.stats != nil {
		c.stats.CacheMiss()
	}

	vec, err := e.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEmbedding, err)
	}

	stored := make([]float32, len(vec))
	copy(stored, vec)
	c.cache.Add(key, stored)

	out := make([]float32, len(vec))
	copy(out, vec)
	return out, nil
}

// Purge empties the cache, e.g. after an import replaced table contents.
func (c *CachedEmbedder) Purge() { c.cache.Purge() }

func cacheKey(table, text string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(table))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return h.Sum64()
}
