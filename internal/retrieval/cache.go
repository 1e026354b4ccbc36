package retrieval

import (
	"fmt"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/agentic-task-fabric/internal/envelope"
)

// Cache holds assembled envelopes keyed by the query shape. It is
// process-local and empty after restart; concurrent identical queries may
// both miss.
type Cache struct {
	inner *ristretto.Cache[string, envelope.Envelope]
}

// NewCache sizes a ristretto cache for maxItems envelopes.
func NewCache(maxItems int64) (*Cache, error) {
	if maxItems <= 0 {
		maxItems = 1024
	}
	inner, err := ristretto.NewCache(&ristretto.Config[string, envelope.Envelope]{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval cache: %w", err)
	}
	return &Cache{inner: inner}, nil
}

// Key derives the stable cache key for a query shape.
func (c *Cache) Key(filters map[string]interface{}, limit, offset int) (string, error) {
	return envelope.RowHash(map[string]interface{}{
		"filters": filters,
		"limit":   limit,
		"offset":  offset,
	})
}

// Get returns the cached envelope for key.
func (c *Cache) Get(key string) (envelope.Envelope, bool) {
	return c.inner.Get(key)
}

// Put stores env under key, waiting for the write to land so an immediate
// identical query hits.
func (c *Cache) Put(key string, env envelope.Envelope) {
	c.inner.Set(key, env, 1)
	c.inner.Wait()
}

// Close releases the cache's background resources.
func (c *Cache) Close() {
	c.inner.Close()
}
