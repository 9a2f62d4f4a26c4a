package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"medrefd/internal/domain"
)

// Producer computes the value for a cache key. It receives a context detached
// from any single caller's cancellation; it is expected to bound itself with
// its own timeout.
type Producer func(ctx context.Context) (domain.ResolutionResult, error)

type entry struct {
	value     domain.ResolutionResult
	fetchedAt time.Time
	ttl       time.Duration
}

func (e entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.After(e.fetchedAt.Add(e.ttl))
}

// Cache is a TTL-bounded store of resolved results with single-flight
// semantics: concurrent callers for the same key share one producer
// execution. Failed productions are never cached.
type Cache struct {
	ttl     atomic.Int64 // nanoseconds
	metrics domain.Metrics
	logger  *zap.Logger
	now     func() time.Time

	group   singleflight.Group
	mu      sync.Mutex
	entries map[string]entry
}

type Options struct {
	TTL     time.Duration
	Metrics domain.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

func New(opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Duration(domain.DefaultCacheTTLSeconds) * time.Second
	}
	c := &Cache{
		metrics: opts.Metrics,
		logger:  logger.Named("cache"),
		now:     now,
		entries: make(map[string]entry),
	}
	c.ttl.Store(int64(ttl))
	return c
}

// SetTTL replaces the TTL applied to entries stored from now on.
func (c *Cache) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		c.ttl.Store(int64(ttl))
	}
}

// GetOrFetch returns the cached value for key, or runs producer to obtain it.
// At most one producer runs per key at any time; every concurrent caller for
// the same key receives that single execution's outcome. A caller whose
// context ends while waiting abandons the wait without canceling the shared
// producer.
func (c *Cache) GetOrFetch(ctx context.Context, key string, producer Producer) (domain.ResolutionResult, error) {
	if v, ok := c.lookup(key); ok {
		c.observe(domain.CacheOutcomeHit)
		return v, nil
	}

	produceCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		// A racing caller may have stored the entry between our lookup
		// and joining the flight.
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		value, err := producer(produceCtx)
		if err != nil {
			return domain.ResolutionResult{}, err
		}
		c.store(key, value)
		return value, nil
	})

	select {
	case <-ctx.Done():
		return domain.ResolutionResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.ResolutionResult{}, res.Err
		}
		if res.Shared {
			c.observe(domain.CacheOutcomeShared)
		} else {
			c.observe(domain.CacheOutcomeMiss)
		}
		return res.Val.(domain.ResolutionResult), nil
	}
}

// Invalidate removes the resolved entry for key, if any. An in-flight
// producer for the key is unaffected.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len reports the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RunJanitor evicts expired entries every interval until ctx ends.
func (c *Cache) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Duration(domain.DefaultCacheJanitorSeconds) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := c.evictExpired()
			if evicted > 0 {
				c.logger.Debug("evicted expired entries", zap.Int("count", evicted))
			}
		}
	}
}

func (c *Cache) evictExpired() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			evicted++
		}
	}
	return evicted
}

func (c *Cache) lookup(key string) (domain.ResolutionResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.expired(c.now()) {
		return domain.ResolutionResult{}, false
	}
	return e.value, true
}

func (c *Cache) store(key string, value domain.ResolutionResult) {
	c.mu.Lock()
	c.entries[key] = entry{
		value:     value,
		fetchedAt: c.now(),
		ttl:       time.Duration(c.ttl.Load()),
	}
	c.mu.Unlock()
}

func (c *Cache) observe(outcome domain.CacheOutcome) {
	if c.metrics != nil {
		c.metrics.ObserveCache(outcome)
	}
}
