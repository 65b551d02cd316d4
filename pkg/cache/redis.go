package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RedisCache is a Redis-backed cache shared across broker instances.
//
// All backend failures degrade to misses or are swallowed after logging;
// the interface exposes no error path for them.
type RedisCache struct {
	client *redis.Client
	log    *logrus.Entry
}

// NewRedisCache connects to Redis at the given URL
// (redis://[:password@]host:port/db) and verifies the connection.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{
		client: client,
		log:    logrus.WithField("component", "cache.redis"),
	}, nil
}

// Get returns the value for key, treating any backend error as a miss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		missesTotal.WithLabelValues("redis").Inc()
		return nil, false
	}
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache read failed, degrading to miss")
		degradedTotal.WithLabelValues("redis", "get").Inc()
		missesTotal.WithLabelValues("redis").Inc()
		return nil, false
	}
	hitsTotal.WithLabelValues("redis").Inc()
	return data, true
}

// Set stores value under key for ttl. Failures are logged and swallowed.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache write failed")
		degradedTotal.WithLabelValues("redis", "set").Inc()
	}
}

// Delete removes key. Failures are logged and swallowed.
func (c *RedisCache) Delete(ctx context.Context, key string) {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache delete failed")
		degradedTotal.WithLabelValues("redis", "delete").Inc()
	}
}

// DeleteByPrefix removes every key starting with prefix using SCAN to avoid
// blocking the server on large keyspaces.
func (c *RedisCache) DeleteByPrefix(ctx context.Context, prefix string) {
	var cursor uint64
	pattern := prefix + "*"
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			c.log.WithError(err).WithField("prefix", prefix).Warn("cache scan failed")
			degradedTotal.WithLabelValues("redis", "delete_prefix").Inc()
			return
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.log.WithError(err).WithField("prefix", prefix).Warn("cache prefix delete failed")
				degradedTotal.WithLabelValues("redis", "delete_prefix").Inc()
				return
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

// Client exposes the underlying Redis client for health probes.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
