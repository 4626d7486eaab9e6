// Package ristretto implements the cache port using dgraph-io/ristretto as an
// in-process cache for conversation history and verified bearer tokens.
package ristretto

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/yyup/aistream/internal/port/cache"
)

// Cache wraps a ristretto cache.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

var _ cache.Cache = (*Cache)(nil)

// New creates a ristretto-backed cache. maxCostBytes is the maximum total
// size of cached values in bytes.
func New(maxCostBytes int64) (*Cache, error) {
	counters := max(maxCostBytes/100*10, 1000) // ~10x expected items
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: counters,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

// Get retrieves a value from the cache.
func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores a value with the given TTL. It waits for the write buffer so a
// following Get observes the value, unless the admission policy rejected it.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if c.c.SetWithTTL(key, value, int64(len(value)), ttl) {
		c.c.Wait()
	}
	return nil
}

// Delete removes a value from the cache.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Close shuts down the cache and releases resources.
func (c *Cache) Close() {
	c.c.Close()
}
