package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/edubot/edubot/logger"
	"github.com/edubot/edubot/metrics"
)

// Cache is a bounded, thread-safe key/value store. Implementations must be
// safe to call from any goroutine, including a dispatcher's worker.
type Cache interface {
	// Get retrieves a value from the cache and bumps its recency.
	Get(ctx context.Context, key string) (bool, any, error)

	// Set stores a value with a TTL. If expires <= 0, the cache's
	// configured default TTL is used.
	Set(ctx context.Context, key string, val any, expires time.Duration) error

	// Hits returns the number of times a key has been read.
	Hits(ctx context.Context, key string) (bool, int)

	// Expire removes a key from the cache. It is a no-op for absent keys.
	Expire(ctx context.Context, key string) (bool, error)

	// Close shuts down the cache, flushing any pending persistence work.
	Close(ctx context.Context) error
}

// GetTyped retrieves a typed value from the cache.
// For in-memory caches, it performs a direct type assertion.
// For serialized caches (like Redis), it deserializes from []byte using msgpack.
func GetTyped[T any](ctx context.Context, c Cache, key string) (bool, T, error) {
	found, val, err := c.Get(ctx, key)
	if !found || err != nil {
		var zero T
		return false, zero, err
	}
	if typed, ok := val.(T); ok {
		return true, typed, nil
	}
	if data, ok := val.([]byte); ok {
		var result T
		if err := msgpack.Unmarshal(data, &result); err != nil {
			var zero T
			return false, zero, fmt.Errorf("cache: failed to unmarshal value: %w", err)
		}
		return true, result, nil
	}
	var zero T
	return false, zero, fmt.Errorf("cache: cannot convert value of type %T to %T", val, *new(T))
}

// DefaultExpires is the default TTL for cached values.
const DefaultExpires = 24 * time.Hour

// DefaultQueryTimeout is the per-operation timeout for cache backends that
// perform I/O (Redis). Prevents indefinite hangs on unresponsive storage.
const DefaultQueryTimeout = 5 * time.Second

// DefaultMaxSize bounds the LRU backend when no size is configured.
const DefaultMaxSize = 1000

// config holds the resolved configuration for a cache implementation.
type config struct {
	defaultExpires time.Duration
	queryTimeout   time.Duration
	expiryCheck    time.Duration
	maxSize        int
	snapshotPath   string
	snapshotEvery  int
	prefix         string
	log            logger.Logger
	metrics        *metrics.Recorder
}

// Option configures a Cache implementation.
type Option func(*config)

func defaultConfig() config {
	return config{
		defaultExpires: DefaultExpires,
		queryTimeout:   DefaultQueryTimeout,
		expiryCheck:    time.Minute,
		maxSize:        DefaultMaxSize,
		snapshotEvery:  32,
		log:            logger.NewConsoleLogger(logger.LevelNone),
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithExpires sets the default TTL for cached values. This is used when
// Set is called with expires <= 0. Defaults to DefaultExpires (24 hours).
func WithExpires(d time.Duration) Option {
	return func(c *config) { c.defaultExpires = d }
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed caches.
// Defaults to DefaultQueryTimeout (5 seconds).
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithExpiryCheck sets the interval for background expired entry cleanup
// in the LRU backend. Defaults to 1 minute.
func WithExpiryCheck(d time.Duration) Option {
	return func(c *config) { c.expiryCheck = d }
}

// WithMaxSize bounds the number of entries held by the LRU backend. When
// an insert would exceed the bound, the least-recently-used entry is
// evicted. Defaults to DefaultMaxSize.
func WithMaxSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithSnapshot enables crash-safe persistence for the LRU backend: the
// cache is loaded from path at construction and written back to it in the
// background and on Close.
func WithSnapshot(path string) Option {
	return func(c *config) { c.snapshotPath = path }
}

// WithSnapshotEvery sets how many Sets accumulate before the background
// flusher writes a snapshot. Defaults to 32.
func WithSnapshotEvery(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.snapshotEvery = n
		}
	}
}

// WithPrefix sets the key prefix for namespacing cache keys.
// Applies to the Redis backend. Defaults to empty (no prefix).
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// WithLogger sets the logger used for persistence and lifecycle events.
func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithMetrics publishes lookup, eviction and size observations to the
// recorder. A nil recorder records nothing.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(c *config) { c.metrics = rec }
}

// CacheConfig configures the Exec helper.
type CacheConfig struct {
	// Expires is the TTL for cached values. Defaults to the cache's
	// configured TTL if zero.
	Expires time.Duration
	// Key is the cache key. Required.
	Key string
}

// Invoker is a function that produces a value of type T.
// The bool return indicates whether a value was found. Return false to signal
// "not found" without caching a zero value.
type Invoker[T any] func(ctx context.Context) (T, bool, error)

// Exec is a cache-aside helper. It checks the cache for config.Key first.
// On a cache hit, it returns the cached value with found=true.
// On a cache miss, it calls invoke to produce the value. If invoke returns
// found=true, the value is stored in the cache and returned with found=true.
// If invoke returns found=false, nothing is cached and found=false is returned.
// If the cache Set fails after a successful invoke, the value is still
// returned (the Set error is swallowed since the primary operation succeeded).
func Exec[T any](ctx context.Context, config CacheConfig, c Cache, invoke Invoker[T]) (bool, T, error) {
	found, val, err := GetTyped[T](ctx, c, config.Key)
	if err != nil {
		var zero T
		return false, zero, err
	}
	if found {
		return true, val, nil
	}

	result, ok, err := invoke(ctx)
	if err != nil {
		var zero T
		return false, zero, err
	}
	if !ok {
		var zero T
		return false, zero, nil
	}

	_ = c.Set(ctx, config.Key, result, config.Expires)

	return true, result, nil
}
