// Package eventcache provides a Redis-backed fast path for webhook
// deduplication. It fronts the durable processed-event registry; cache
// misses and cache outages degrade to the registry, never to double
// processing.
package eventcache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL keeps dedup keys alive well past any provider retry window.
const DefaultTTL = 72 * time.Hour

// Cache marks webhook event ids as seen using SETNX semantics.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New builds a Cache from a Redis URL. Connection is verified eagerly
// so a misconfigured cache fails at startup rather than on first event.
func New(ctx context.Context, redisURL string, ttl time.Duration) (*Cache, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	options.DialTimeout = 5 * time.Second
	options.ReadTimeout = 3 * time.Second
	options.WriteTimeout = 3 * time.Second

	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, ttl: ttl}, nil
}

// MarkSeen records the (provider, event id) pair, reporting true on
// first sight.
func (cache *Cache) MarkSeen(ctx context.Context, provider string, eventID string) (bool, error) {
	return cache.client.SetNX(ctx, cacheKey(provider, eventID), 1, cache.ttl).Result()
}

// Close releases the underlying Redis client.
func (cache *Cache) Close() error {
	return cache.client.Close()
}

func cacheKey(provider string, eventID string) string {
	return fmt.Sprintf("webhook:seen:%s:%s", provider, eventID)
}
