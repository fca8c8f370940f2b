package plugin

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

const defaultCacheSize = 16

// RegistryCache holds finished registries keyed by CacheKey. Concurrent
// misses on one key share a single build; different keys build in parallel.
type RegistryCache struct {
	entries *lru.Cache[string, *Registry]
	group   singleflight.Group
}

// NewRegistryCache creates a cache holding at most size registries.
func NewRegistryCache(size int) *RegistryCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	entries, err := lru.New[string, *Registry](size)
	if err != nil {
		// lru.New only fails for a non-positive size.
		panic(err)
	}
	return &RegistryCache{entries: entries}
}

// Get returns the cached registry for key.
func (c *RegistryCache) Get(key string) (*Registry, bool) {
	return c.entries.Get(key)
}

// GetOrBuild returns the cached registry for key, building and storing it on
// a miss. hit reports whether the registry came from the cache.
func (c *RegistryCache) GetOrBuild(key string, build func() *Registry) (reg *Registry, hit bool) {
	if reg, ok := c.entries.Get(key); ok {
		return reg, true
	}
	v, _, _ := c.group.Do(key, func() (any, error) {
		if reg, ok := c.entries.Get(key); ok {
			return reg, nil
		}
		reg := build()
		c.entries.Add(key, reg)
		return reg, nil
	})
	return v.(*Registry), false
}

// Invalidate drops key. A build already in flight for key still completes.
func (c *RegistryCache) Invalidate(key string) {
	c.group.Forget(key)
	c.entries.Remove(key)
}

// Purge drops every cached registry.
func (c *RegistryCache) Purge() {
	c.entries.Purge()
}

// Len returns the number of cached registries.
func (c *RegistryCache) Len() int {
	return c.entries.Len()
}
