// Package tiered implements a two-level (L1 + L2) cache adapter.
package tiered

import (
	"context"
	"log/slog"
	"time"

	"github.com/yyup/aistream/internal/port/cache"
)

var _ cache.Cache = (*Cache)(nil)

// Cache combines an L1 (in-process) and L2 (shared) cache.
// Get checks L1 first, then L2 (backfilling L1 on L2 hit).
// Set and Delete operate on both levels. L2 failures are logged and
// degrade to L1 only; a cache outage never fails the caller.
type Cache struct {
	l1     cache.Cache
	l2     cache.Cache
	l1Max  time.Duration
	logger *slog.Logger
}

// New creates a tiered cache. L1 entries live at most l1Max so that a
// Delete issued by another instance is observed within that bound.
func New(l1, l2 cache.Cache, l1Max time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1Max: l1Max, logger: slog.Default()}
}

// Get checks L1, then L2. On L2 hit, backfills L1.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		return val, true, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil {
		c.logger.WarnContext(ctx, "l2 cache get failed", "key", key, "error", err)
		return nil, false, nil
	}
	if found {
		_ = c.l1.Set(ctx, key, val, c.l1Max)
		return val, true, nil
	}
	return nil, false, nil
}

// Set writes to both levels.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l1.Set(ctx, key, value, c.l1TTL(ttl)); err != nil {
		return err
	}
	if err := c.l2.Set(ctx, key, value, ttl); err != nil {
		c.logger.WarnContext(ctx, "l2 cache set failed", "key", key, "error", err)
	}
	return nil
}

// Delete removes from both levels. An L2 failure is returned so callers
// know other instances may still serve the old value.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	return c.l2.Delete(ctx, key)
}

func (c *Cache) l1TTL(ttl time.Duration) time.Duration {
	if c.l1Max > 0 && (ttl <= 0 || ttl > c.l1Max) {
		return c.l1Max
	}
	return ttl
}
