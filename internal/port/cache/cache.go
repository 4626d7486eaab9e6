// Package cache defines the port interface for caching.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Cache is the port interface for key-value caching.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// GetJSON reads key and decodes it into a T. A nil cache always misses.
func GetJSON[T any](ctx context.Context, c Cache, key string) (T, bool, error) {
	var v T
	if c == nil {
		return v, false, nil
	}
	data, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return v, false, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return v, true, nil
}

// SetJSON encodes v and stores it under key. A nil cache is a no-op.
func SetJSON[T any](ctx context.Context, c Cache, key string, v T, ttl time.Duration) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl)
}
