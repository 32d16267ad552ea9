// Package ristretto provides an in-process embedding cache so repeated
// texts are embedded at most once per process.
package ristretto

import (
	"github.com/dgraph-io/ristretto/v2"
)

// Cache stores embedding vectors keyed by their source text.
type Cache struct {
	c *ristretto.Cache[string, []float32]
}

// New creates an embedding cache. maxCostBytes is the maximum total size of
// cached vectors in bytes.
func New(maxCostBytes int64) (*Cache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: maxCostBytes / 100 * 10, // ~10x expected items
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

// Get returns the cached vector for text, if present.
func (c *Cache) Get(text string) ([]float32, bool) {
	return c.c.Get(text)
}

// Set caches a vector, costed at 4 bytes per dimension.
func (c *Cache) Set(text string, vec []float32) {
	c.c.Set(text, vec, int64(4*len(vec)))
}

// Close shuts down the cache and releases resources.
func (c *Cache) Close() {
	c.c.Close()
}
