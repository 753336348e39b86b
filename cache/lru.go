package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/edubot/edubot/metrics"
)

// entry is a single cached value plus the bookkeeping the LRU needs.
type entry struct {
	key        string
	object     any
	createdAt  time.Time
	lastAccess time.Time
	expires    time.Time
	hits       int
}

type lruCache struct {
	ctx       context.Context
	cancel    context.CancelFunc
	mutex     sync.Mutex
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config

	// order holds *entry values, most recently used at the front.
	order *list.List
	items map[string]*list.Element

	// dirty counts Sets since the last snapshot; flushCh wakes the
	// background goroutine when the threshold is reached.
	dirty   int
	flushCh chan struct{}

	hitCount      uint64
	missCount     uint64
	evictionCount uint64
}

var _ Cache = (*lruCache)(nil)

// NewLRU returns a bounded in-memory Cache with least-recently-used
// eviction. When WithSnapshot is configured, previously persisted entries
// are loaded at construction (a missing or corrupt snapshot starts empty)
// and the cache is written back in the background and on Close.
func NewLRU(parent context.Context, opts ...Option) Cache {
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(parent)
	c := &lruCache{
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
		order:   list.New(),
		items:   make(map[string]*list.Element),
		flushCh: make(chan struct{}, 1),
	}
	if cfg.snapshotPath != "" {
		c.loadSnapshot()
	}
	c.waitGroup.Add(1)
	go c.run()
	return c
}

func (c *lruCache) Get(_ context.Context, key string) (bool, any, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	elem, ok := c.items[key]
	if !ok {
		c.missCount++
		c.cfg.metrics.ObserveCacheLookup(metrics.CacheMiss)
		return false, nil, nil
	}
	ent := elem.Value.(*entry)
	if ent.expires.Before(time.Now()) {
		c.removeLocked(elem)
		c.missCount++
		c.cfg.metrics.ObserveCacheLookup(metrics.CacheMiss)
		return false, nil, nil
	}
	ent.hits++
	ent.lastAccess = time.Now()
	c.order.MoveToFront(elem)
	c.hitCount++
	c.cfg.metrics.ObserveCacheLookup(metrics.CacheHit)
	return true, ent.object, nil
}

func (c *lruCache) Set(_ context.Context, key string, val any, expires time.Duration) error {
	if expires <= 0 {
		expires = c.cfg.defaultExpires
	}
	now := time.Now()
	c.mutex.Lock()
	if elem, ok := c.items[key]; ok {
		ent := elem.Value.(*entry)
		ent.object = val
		ent.expires = now.Add(expires)
		ent.lastAccess = now
		ent.hits = 0
		c.order.MoveToFront(elem)
	} else {
		ent := &entry{
			key:        key,
			object:     val,
			createdAt:  now,
			lastAccess: now,
			expires:    now.Add(expires),
		}
		c.items[key] = c.order.PushFront(ent)
		for len(c.items) > c.cfg.maxSize {
			c.evictLocked()
		}
	}
	c.dirty++
	needFlush := c.cfg.snapshotPath != "" && c.dirty >= c.cfg.snapshotEvery
	c.cfg.metrics.SetCacheSize(len(c.items))
	c.mutex.Unlock()
	if needFlush {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (c *lruCache) Hits(_ context.Context, key string) (bool, int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if elem, ok := c.items[key]; ok {
		return true, elem.Value.(*entry).hits
	}
	return false, 0
}

func (c *lruCache) Expire(_ context.Context, key string) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	elem, ok := c.items[key]
	if ok {
		c.removeLocked(elem)
	}
	return ok, nil
}

func (c *lruCache) Close(_ context.Context) error {
	c.once.Do(func() {
		c.cancel()
		c.waitGroup.Wait()
		if c.cfg.snapshotPath != "" {
			c.saveSnapshot()
		}
	})
	return nil
}

// Stats reports counters for observability. The counters survive eviction
// and expiry; Size reflects the live entry count.
type Stats struct {
	Size      int
	MaxSize   int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Stats returns a point-in-time snapshot of the cache counters.
func (c *lruCache) Stats() Stats {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return Stats{
		Size:      len(c.items),
		MaxSize:   c.cfg.maxSize,
		Hits:      c.hitCount,
		Misses:    c.missCount,
		Evictions: c.evictionCount,
	}
}

// evictLocked removes the entry with the oldest last access. Callers hold
// the mutex.
func (c *lruCache) evictLocked() {
	tail := c.order.Back()
	if tail == nil {
		return
	}
	c.removeLocked(tail)
	c.evictionCount++
	c.cfg.metrics.ObserveCacheEviction()
}

func (c *lruCache) removeLocked(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*entry).key)
}

func (c *lruCache) run() {
	defer c.waitGroup.Done()
	ticker := time.NewTicker(c.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.flushCh:
			c.saveSnapshot()
		case <-ticker.C:
			c.removeExpired()
			if c.cfg.snapshotPath != "" && c.pendingWrites() > 0 {
				c.saveSnapshot()
			}
		}
	}
}

func (c *lruCache) removeExpired() {
	now := time.Now()
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var next *list.Element
	for elem := c.order.Front(); elem != nil; elem = next {
		next = elem.Next()
		if elem.Value.(*entry).expires.Before(now) {
			c.removeLocked(elem)
		}
	}
	c.cfg.metrics.SetCacheSize(len(c.items))
}

func (c *lruCache) pendingWrites() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.dirty
}
