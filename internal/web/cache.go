package web

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// responseCache is a small LRU with per-entry expiry, used to keep
// rapid health polls from re-collecting system stats.
type responseCache struct {
	lru *lru.Cache
	ttl time.Duration
}

type cacheEntry struct {
	value   interface{}
	expires time.Time
}

func newResponseCache(size int, ttl time.Duration) (*responseCache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &responseCache{lru: c, ttl: ttl}, nil
}

func (c *responseCache) get(key string) (interface{}, bool) {
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	entry := v.(cacheEntry)
	if time.Now().After(entry.expires) {
		c.lru.Remove(key)
		return nil, false
	}
	return entry.value, true
}

func (c *responseCache) set(key string, value interface{}) {
	c.lru.Add(key, cacheEntry{value: value, expires: time.Now().Add(c.ttl)})
}
