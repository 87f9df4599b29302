package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// BodyHash is the canonical request hash stored next to an idempotency key
// so a replay with a different body can be rejected instead of silently
// answered from the first request.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// IdempotencyCache is the hot-path key→hash cache, 24h TTL.
type IdempotencyCache interface {
	Get(ctx context.Context, key string) (hash string, ok bool, err error)
	Set(ctx context.Context, key, hash string) error
}

const idempotencyTTL = 24 * time.Hour

func idempotencyKey(key string) string { return "idempotency:dispatch:" + key }

type RedisIdempotencyCache struct {
	client *redis.Client
}

func NewRedisIdempotencyCache(client *redis.Client) *RedisIdempotencyCache {
	return &RedisIdempotencyCache{client: client}
}

func (c *RedisIdempotencyCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, idempotencyKey(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *RedisIdempotencyCache) Set(ctx context.Context, key, hash string) error {
	return c.client.Set(ctx, idempotencyKey(key), hash, idempotencyTTL).Err()
}

// MemoryIdempotencyCache backs tests and dependency-free runs.
type MemoryIdempotencyCache struct {
	mu     sync.Mutex
	hashes map[string]string
}

func NewMemoryIdempotencyCache() *MemoryIdempotencyCache {
	return &MemoryIdempotencyCache{hashes: make(map[string]string)}
}

func (c *MemoryIdempotencyCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hashes[key]
	return h, ok, nil
}

func (c *MemoryIdempotencyCache) Set(_ context.Context, key, hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hashes[key] = hash
	return nil
}
