package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces all keys written by the L2 tier.
const DefaultRedisPrefix = "marketpulse:cache:"

// RedisTier is the shared L2 tier. Expiry is delegated to Redis key TTLs.
type RedisTier struct {
	client *redis.Client
	prefix string
}

// NewRedisTier wraps a go-redis client.
func NewRedisTier(client *redis.Client, prefix string) *RedisTier {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisTier{client: client, prefix: prefix}
}

// NewRedisTierFromURL parses a redis:// URL and pings the server.
func NewRedisTierFromURL(ctx context.Context, url, prefix string) (*RedisTier, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisTier(client, prefix), nil
}

func (r *RedisTier) makeKey(key string) string {
	return r.prefix + key
}

// Get reads a value and its remaining TTL in one round trip.
func (r *RedisTier) Get(ctx context.Context, key string) (Item, bool, error) {
	k := r.makeKey(key)
	pipe := r.client.Pipeline()
	get := pipe.Get(ctx, k)
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Item{}, false, fmt.Errorf("redis get %s: %w", k, err)
	}

	value, err := get.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Item{}, false, nil
		}
		return Item{}, false, fmt.Errorf("redis get %s: %w", k, err)
	}

	item := Item{Value: value}
	if remaining := ttl.Val(); remaining > 0 {
		item.ExpiresAt = time.Now().Add(remaining)
	}
	return item, true, nil
}

// Set writes a value with a TTL.
func (r *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.makeKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (r *RedisTier) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.makeKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Flush removes every key under the tier prefix.
func (r *RedisTier) Flush(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis flush: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(batch) > 0 {
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis flush: %w", err)
		}
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisTier) Close() error {
	return r.client.Close()
}
