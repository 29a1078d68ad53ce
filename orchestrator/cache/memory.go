package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/pacnpal/polly-sub001/orchestrator/observability"
)

const (
	memoryCacheSize = 4096
	// Entries can carry shorter per-call TTLs than the LRU-wide ceiling;
	// expiry is re-checked on read.
	memoryCacheMaxTTL = 30 * time.Minute
)

type memoryEntry struct {
	data    []byte
	expires time.Time
}

// MemoryCache is the in-process fallback used when Redis is not configured or
// unreachable. Single-process only: token single-use guarantees hold because
// the orchestrator runs as one instance.
type MemoryCache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, memoryEntry]
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		lru: expirable.NewLRU[string, memoryEntry](memoryCacheSize, nil, memoryCacheMaxTTL),
	}
}

func (c *MemoryCache) GetJSON(_ context.Context, key string, out any) (bool, error) {
	c.mu.Lock()
	entry, ok := c.lru.Get(key)
	if ok && !entry.expires.IsZero() && time.Now().After(entry.expires) {
		c.lru.Remove(key)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		observability.CacheMisses.WithLabelValues("memory").Inc()
		return false, nil
	}
	if err := json.Unmarshal(entry.data, out); err != nil {
		return false, nil
	}
	observability.CacheHits.WithLabelValues("memory").Inc()
	return true, nil
}

func (c *MemoryCache) SetJSON(_ context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.lru.Add(key, memoryEntry{data: data, expires: deadline(ttl)})
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) SetNX(_ context.Context, key string, v any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.lru.Get(key); ok {
		if entry.expires.IsZero() || time.Now().Before(entry.expires) {
			return false, nil
		}
		c.lru.Remove(key)
	}
	c.lru.Add(key, memoryEntry{data: data, expires: deadline(ttl)})
	return true, nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	c.lru.Remove(key)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) DeletePrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.lru.Remove(key)
		}
	}
	return nil
}

func (c *MemoryCache) Close() error { return nil }

func deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
