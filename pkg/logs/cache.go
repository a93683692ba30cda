package logs

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cacheEntry struct {
	results []Entry
	at      time.Time
}

// queryCache short-circuits repeated searches for a TTL window, wrapping
// hashicorp/golang-lru/v2 the way it's used elsewhere in the corpus as
// the standard bounded-cache primitive.
type queryCache struct {
	lru *lru.Cache[string, cacheEntry]
	ttl time.Duration
}

func newQueryCache(size int, ttl time.Duration) *queryCache {
	if size <= 0 {
		size = 100
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c, _ := lru.New[string, cacheEntry](size)
	return &queryCache{lru: c, ttl: ttl}
}

func (c *queryCache) get(key string) ([]Entry, bool) {
	entry, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if time.Since(entry.at) > c.ttl {
		c.lru.Remove(key)
		return nil, false
	}
	return entry.results, true
}

func (c *queryCache) put(key string, results []Entry) {
	c.lru.Add(key, cacheEntry{results: results, at: time.Now()})
}
