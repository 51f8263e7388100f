// Package legacy keeps tokens for the older vehicle API, which authenticates
// token refreshes with a pre-encoded HTTP Basic credential instead of the
// authorization-code flow.
package legacy

import (
	"sync"

	"github.com/go-authgate/vehicle-link/token"
)

// Entry is a cached token together with the credentials that produced it.
type Entry struct {
	Token      token.Token
	Password   string
	LoginToken string
}

// Cache stores entries keyed by account.
type Cache interface {
	Get(key string) (Entry, bool)
	Put(key string, e Entry)
	Delete(key string)
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]Entry)}
}

func (c *MemoryCache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

func (c *MemoryCache) Put(key string, e Entry) {
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of cached entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
