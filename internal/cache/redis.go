package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis is a Cache backed by a Redis/Valkey-compatible server, for
// deployments that share a requirement cache across engine processes.
type Redis struct {
	client    *redis.Client
	keyPrefix string
	ctx       context.Context
}

// NewRedis parses url and pings the server before returning, failing fast
// on a bad connection string rather than on the first cache miss.
func NewRedis(url, keyPrefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Redis{client: client, keyPrefix: keyPrefix, ctx: context.Background()}, nil
}

func (r *Redis) key(k string) string { return r.keyPrefix + k }

// Get implements Cache.
func (r *Redis) Get(key string) (any, bool) {
	raw, err := r.client.Get(r.ctx, r.key(key)).Bytes()
	if err != nil {
		return nil, false
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false
	}
	return value, true
}

// Set implements Cache.
func (r *Redis) Set(key string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	r.client.Set(r.ctx, r.key(key), raw, ttl)
}

// Invalidate implements Cache.
func (r *Redis) Invalidate(key string) {
	r.client.Del(r.ctx, r.key(key))
}

// InvalidateAll deletes every key under this cache's prefix by scanning
// with a cursor, avoiding Redis's blocking KEYS command.
func (r *Redis) InvalidateAll() {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(r.ctx, cursor, r.keyPrefix+"*", 100).Result()
		if err != nil {
			return
		}
		if len(keys) > 0 {
			r.client.Del(r.ctx, keys...)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
