package keycheck

import (
	"context"
	"sync"

	"github.com/howard-nolan/thesisgate/internal/provider"
)

type cacheKey struct {
	provider provider.ID
	apiKey   string
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]Entry
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[cacheKey]Entry)}
}

func (c *MemoryCache) Get(_ context.Context, p provider.ID, apiKey string) (Entry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cacheKey{p, apiKey}]
	return e, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, p provider.ID, apiKey string, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{p, apiKey}] = e
	return nil
}

func (c *MemoryCache) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	return nil
}

// Len reports the number of stored verdicts, stale ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
