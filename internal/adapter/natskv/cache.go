// Package natskv implements the cache port on a NATS JetStream KV bucket,
// shared by every aistream instance connected to the same NATS cluster.
package natskv

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/yyup/aistream/internal/port/cache"
)

var _ cache.Cache = (*Cache)(nil)

// Cache wraps a NATS JetStream KeyValue store.
type Cache struct {
	kv jetstream.KeyValue
}

// New creates a KV-backed cache. Entry lifetime is the bucket TTL.
func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv}
}

// kvKey maps a cache key onto the KV key alphabet. Conversation ids are
// caller supplied and may hold any character.
func kvKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// Get retrieves a value. Missing and deleted keys are a miss.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	entry, err := c.kv.Get(ctx, kvKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Value(), true, nil
}

// Set stores a value. The ttl argument is ignored in favour of the bucket TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	_, err := c.kv.Put(ctx, kvKey(key), value)
	return err
}

// Delete removes a value.
func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, kvKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}
