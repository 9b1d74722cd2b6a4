package cache

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Key builds a cache key from an entity kind, id and optional variant,
// e.g. Key("user", "42") -> "user:42", Key("user", "42", "public") ->
// "user:42:public".
func Key(kind, id string, variant ...string) string {
	parts := append([]string{kind, id}, variant...)
	return strings.Join(parts, ":")
}

type entry struct {
	value      any
	insertedAt time.Time
}

// EntityCache is a read-through LRU cache for hot entity reads. Concurrent
// loads for the same missing key are coalesced into a single loader call;
// everyone blocks on that one result. Loader errors propagate to all
// coalesced callers and are never cached.
type EntityCache struct {
	lru      *lru.Cache[string, entry]
	group    singleflight.Group
	capacity int
	ttl      time.Duration // zero disables expiry

	startedAt time.Time

	hits          atomic.Int64
	misses        atomic.Int64
	invalidations atomic.Int64
	coalesced     atomic.Int64
	total         atomic.Int64
}

func New(capacity int, ttl time.Duration) (*EntityCache, error) {
	store, err := lru.New[string, entry](capacity)
	if err != nil {
		return nil, err
	}
	return &EntityCache{
		lru:       store,
		capacity:  capacity,
		ttl:       ttl,
		startedAt: time.Now(),
	}, nil
}

// Loader fills a missing key. It runs at most once per key at any time.
type Loader func(ctx context.Context) (any, error)

// GetOrLoad returns the cached value for key, filling it through loader on
// a miss. At most one loader runs per key process-wide; callers arriving
// while a load is in flight share its result.
func (c *EntityCache) GetOrLoad(ctx context.Context, key string, loader Loader) (any, error) {
	c.total.Add(1)

	if v, ok := c.lookup(key); ok {
		c.hits.Add(1)
		return v, nil
	}
	c.misses.Add(1)

	executed := false
	v, err, _ := c.group.Do(key, func() (any, error) {
		executed = true
		// Double-check: another flight may have filled the key between our
		// lookup and entering the group.
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		val, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, entry{value: val, insertedAt: time.Now()})
		return val, nil
	})
	if !executed {
		c.coalesced.Add(1)
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (c *EntityCache) lookup(key string) (any, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && time.Since(e.insertedAt) > c.ttl {
		c.lru.Remove(key)
		return nil, false
	}
	return e.value, true
}

// Invalidate removes one key immediately. An in-flight load for the key is
// forgotten so the next caller loads fresh.
func (c *EntityCache) Invalidate(key string) {
	c.group.Forget(key)
	if c.lru.Remove(key) {
		c.invalidations.Add(1)
	}
}

// InvalidateByPrefix removes every key under a prefix, e.g. all projections
// of one entity ("user:42") or a whole entity kind ("user").
func (c *EntityCache) InvalidateByPrefix(prefix string) int {
	p := prefix + ":"
	removed := 0
	for _, key := range c.lru.Keys() {
		if key == prefix || strings.HasPrefix(key, p) {
			c.group.Forget(key)
			if c.lru.Remove(key) {
				removed++
			}
		}
	}
	c.invalidations.Add(int64(removed))
	return removed
}

// Len returns the current number of cached entries.
func (c *EntityCache) Len() int {
	return c.lru.Len()
}

// Stats is the read-only wire shape of the cache counters.
type Stats struct {
	Hits              int64   `json:"hits"`
	Misses            int64   `json:"misses"`
	HitRate           float64 `json:"hitRate"`
	Invalidations     int64   `json:"invalidations"`
	CoalescedRequests int64   `json:"coalescedRequests"`
	TotalRequests     int64   `json:"totalRequests"`
	UptimeSeconds     float64 `json:"uptimeSeconds"`
	Size              int     `json:"size"`
	Capacity          int     `json:"capacity"`
	Utilization       float64 `json:"utilization"`
}

func (c *EntityCache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	var hitRate float64
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	size := c.lru.Len()
	var utilization float64
	if c.capacity > 0 {
		utilization = float64(size) / float64(c.capacity)
	}

	return Stats{
		Hits:              hits,
		Misses:            misses,
		HitRate:           hitRate,
		Invalidations:     c.invalidations.Load(),
		CoalescedRequests: c.coalesced.Load(),
		TotalRequests:     c.total.Load(),
		UptimeSeconds:     time.Since(c.startedAt).Seconds(),
		Size:              size,
		Capacity:          c.capacity,
		Utilization:       utilization,
	}
}
