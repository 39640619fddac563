// Package cache is a process scoped LRU for read queries, keyed by a
// canonical query signature and invalidated explicitly by scope.
package cache

import (
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize is the entry budget used when none is configured.
const DefaultSize = 1024

// Cache wraps an LRU. A nil or disabled Cache is a valid no-op.
type Cache struct {
	entries *lru.Cache[string, any]
}

// New builds a cache holding up to size entries. A size of zero or less
// disables caching.
func New(size int) (*Cache, error) {
	if size <= 0 {
		return &Cache{}, nil
	}
	entries, err := lru.New[string, any](size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries}, nil
}

// Key renders "scope:k1=v1&k2=v2" with arguments sorted by name, so equal
// queries map to one entry regardless of argument order.
func Key(scope string, args map[string]string) string {
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+args[name])
	}
	return scope + ":" + strings.Join(parts, "&")
}

func (c *Cache) enabled() bool {
	return c != nil && c.entries != nil
}

// Get returns the cached value for key.
func (c *Cache) Get(key string) (any, bool) {
	if !c.enabled() {
		return nil, false
	}
	return c.entries.Get(key)
}

// Add stores value under key.
func (c *Cache) Add(key string, value any) {
	if !c.enabled() {
		return
	}
	c.entries.Add(key, value)
}

// Invalidate drops every entry in the given scopes.
func (c *Cache) Invalidate(scopes ...string) int {
	if !c.enabled() {
		return 0
	}
	removed := 0
	for _, key := range c.entries.Keys() {
		for _, scope := range scopes {
			if strings.HasPrefix(key, scope+":") {
				if c.entries.Remove(key) {
					removed++
				}
				break
			}
		}
	}
	return removed
}

// Purge empties the cache.
func (c *Cache) Purge() {
	if c.enabled() {
		c.entries.Purge()
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	if !c.enabled() {
		return 0
	}
	return c.entries.Len()
}

// Load returns the cached T for key or calls load and caches its result.
// Errors are never cached.
func Load[T any](c *Cache, key string, load func() (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	c.Add(key, v)
	return v, nil
}
