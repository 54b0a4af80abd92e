package plans

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// CachedRegistry fronts another Registry with an expiring LRU. Concurrent
// misses for the same ID share one upstream lookup. Misses are not cached.
type CachedRegistry struct {
	next  Registry
	cache *expirable.LRU[string, *Plan]
	group singleflight.Group
}

// NewCachedRegistry wraps next with a cache of size entries living ttl.
func NewCachedRegistry(next Registry, size int, ttl time.Duration) *CachedRegistry {
	if size <= 0 {
		size = 64
	}
	return &CachedRegistry{
		next:  next,
		cache: expirable.NewLRU[string, *Plan](size, nil, ttl),
	}
}

// GetPlan implements Registry.
func (c *CachedRegistry) GetPlan(ctx context.Context, id string) (*Plan, error) {
	if p, ok := c.cache.Get(id); ok {
		return p.Clone(), nil
	}

	v, err, _ := c.group.Do(id, func() (interface{}, error) {
		p, err := c.next.GetPlan(ctx, id)
		if err != nil {
			return nil, err
		}
		c.cache.Add(id, p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Plan).Clone(), nil
}

// Invalidate drops a cached plan.
func (c *CachedRegistry) Invalidate(id string) {
	c.cache.Remove(id)
}

var _ Registry = (*CachedRegistry)(nil)
