package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "entitlement:"

// Cache stores projected entitlements. It is derived state: every entry can
// be rebuilt from the subscription tables.
//
// SetIfAbsent never replaces an existing entry. Read-through fills use it so
// that a value read before a write committed cannot overwrite the value the
// writer's recompute stored.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type RedisCache struct {
	rdb redis.Cmdable
}

func NewRedisCache(rdb redis.Cmdable) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.SetNX(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

func premiumKey(userID string) string {
	return keyPrefix + "premium:" + userID
}

func tierKey(subscriberID, authorID string) string {
	return keyPrefix + "tier:" + subscriberID + ":" + authorID
}
