package gateway

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"

	"github.com/edubot/edubot/cache"
	"github.com/edubot/edubot/dispatch"
	"github.com/edubot/edubot/logger"
)

// Gateway composes a Cache and a Dispatcher for repeatable remote calls:
// cache hits return immediately, misses are serialized through the
// dispatcher and memoized. Non-repeatable calls (message sends, deletes)
// bypass the Gateway and go straight to Dispatcher.Submit.
type Gateway struct {
	cache      cache.Cache
	dispatcher *dispatch.Dispatcher
	group      singleflight.Group
	log        logger.Logger
}

// New returns a Gateway over the given cache and dispatcher. Both remain
// independently usable.
func New(c cache.Cache, d *dispatch.Dispatcher, log logger.Logger) *Gateway {
	return &Gateway{
		cache:      c,
		dispatcher: d,
		log:        log.WithPrefix("gateway"),
	}
}

// Dispatcher exposes the underlying dispatcher for non-cacheable calls.
func (g *Gateway) Dispatcher() *dispatch.Dispatcher {
	return g.dispatcher
}

// GetOrCompute returns the cached value for key, or executes compute
// through the dispatcher and caches the result. Concurrent calls for the
// same key are collapsed into a single execution. Cache I/O problems are
// logged and treated as misses; they never fail the call.
func (g *Gateway) GetOrCompute(ctx context.Context, key string, expires time.Duration, compute dispatch.Operation) (any, error) {
	if found, val, err := g.cache.Get(ctx, key); err == nil && found {
		return val, nil
	} else if err != nil {
		g.log.Warn("cache get failed for %s, computing: %s", key, err)
	}

	val, err, _ := g.group.Do(key, func() (any, error) {
		// A flight that started before us may have already populated the
		// cache; the dispatcher queue is the expensive path.
		if found, val, err := g.cache.Get(ctx, key); err == nil && found {
			return val, nil
		}
		val, err := g.dispatcher.Submit(ctx, compute)
		if err != nil {
			return nil, err
		}
		if err := g.cache.Set(ctx, key, val, expires); err != nil {
			g.log.Warn("cache set failed for %s: %s", key, err)
		}
		return val, nil
	})
	return val, err
}

// GetOrComputeTyped is a typed wrapper over Gateway.GetOrCompute.
func GetOrComputeTyped[T any](ctx context.Context, g *Gateway, key string, expires time.Duration, compute func(ctx context.Context) (T, error)) (T, error) {
	if found, val, err := cache.GetTyped[T](ctx, g.cache, key); err == nil && found {
		return val, nil
	}
	val, err := g.GetOrCompute(ctx, key, expires, func(ctx context.Context) (any, error) {
		return compute(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	typed, ok := val.(T)
	if !ok {
		// Values can come back in serialized form from shared backends.
		if found, decoded, err := cache.GetTyped[T](ctx, g.cache, key); err == nil && found {
			return decoded, nil
		}
		var zero T
		return zero, errors.Newf("gateway: cached value for %s has type %T, want %T", key, val, zero)
	}
	return typed, nil
}

// Status is a pollable snapshot of gateway progress, for callers that
// used to thread UI callbacks into the network layer.
type Status struct {
	QueueDepth int
	InFlight   bool
	State      dispatch.State
}

// Status reports the dispatcher's current workload.
func (g *Gateway) Status() Status {
	return Status{
		QueueDepth: g.dispatcher.QueueDepth(),
		InFlight:   g.dispatcher.InFlight(),
		State:      g.dispatcher.State(),
	}
}
