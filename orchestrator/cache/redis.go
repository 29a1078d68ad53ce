package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/pacnpal/polly-sub001/orchestrator/observability"
)

// RedisCache backs the cache layer with a Redis instance.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection. Callers treat
// a returned error as "run without Redis", not as fatal.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisCache{client: client}, nil
}

func (c *RedisCache) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		observability.CacheMisses.WithLabelValues("redis").Inc()
		return false, nil
	}
	if err != nil {
		observability.CacheErrors.WithLabelValues("redis").Inc()
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		// A corrupt entry is dropped, not surfaced; the DB read repopulates it.
		logrus.WithError(err).WithField("key", key).Warn("dropping corrupt cache entry")
		_ = c.client.Del(ctx, key).Err()
		return false, nil
	}
	observability.CacheHits.WithLabelValues("redis").Inc()
	return true, nil
}

func (c *RedisCache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		observability.CacheErrors.WithLabelValues("redis").Inc()
		return err
	}
	return nil
}

func (c *RedisCache) SetNX(ctx context.Context, key string, v any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	won, err := c.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		observability.CacheErrors.WithLabelValues("redis").Inc()
		return false, err
	}
	return won, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		observability.CacheErrors.WithLabelValues("redis").Inc()
		return err
	}
	return nil
}

func (c *RedisCache) DeletePrefix(ctx context.Context, prefix string) error {
	iter := c.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		observability.CacheErrors.WithLabelValues("redis").Inc()
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
