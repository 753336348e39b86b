package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/edubot/edubot/metrics"
)

type redisCache struct {
	client *redis.Client
	cfg    config
}

var _ Cache = (*redisCache)(nil)

// NewRedis returns a Cache backed by Redis, for deployments where several
// bot instances share one memoization store. Values are msgpack-encoded;
// read them back with GetTyped. The caller owns the redis.Client
// lifecycle, so Close does not touch the client.
func NewRedis(client *redis.Client, opts ...Option) Cache {
	return &redisCache{client: client, cfg: applyOptions(opts)}
}

func (c *redisCache) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *redisCache) prefixKey(key string) string {
	if c.cfg.prefix == "" {
		return key
	}
	return c.cfg.prefix + ":" + key
}

func (c *redisCache) Get(ctx context.Context, key string) (bool, any, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	k := c.prefixKey(key)
	data, err := c.client.HGet(qctx, k, "v").Bytes()
	if err == redis.Nil {
		c.cfg.metrics.ObserveCacheLookup(metrics.CacheMiss)
		return false, nil, nil
	}
	if err != nil {
		c.cfg.metrics.ObserveCacheLookup(metrics.CacheError)
		return false, nil, err
	}
	// Increment hits (fire-and-forget, don't fail the Get).
	c.client.HIncrBy(qctx, k, "h", 1)
	c.cfg.metrics.ObserveCacheLookup(metrics.CacheHit)
	return true, data, nil
}

func (c *redisCache) Set(ctx context.Context, key string, val any, expires time.Duration) error {
	if expires <= 0 {
		expires = c.cfg.defaultExpires
	}
	data, err := msgpack.Marshal(val)
	if err != nil {
		return err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	k := c.prefixKey(key)
	pipe := c.client.Pipeline()
	pipe.HSet(qctx, k, "v", data, "h", 0)
	pipe.Expire(qctx, k, expires)
	_, err = pipe.Exec(qctx)
	return err
}

func (c *redisCache) Hits(ctx context.Context, key string) (bool, int) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	hits, err := c.client.HGet(qctx, c.prefixKey(key), "h").Int()
	if err != nil {
		return false, 0
	}
	return true, hits
}

func (c *redisCache) Expire(ctx context.Context, key string) (bool, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	result, err := c.client.Del(qctx, c.prefixKey(key)).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// Close is a no-op; the caller owns the redis.Client lifecycle.
func (c *redisCache) Close(_ context.Context) error {
	return nil
}
