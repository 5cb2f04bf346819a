package auth

import (
	"sync"
	"time"
)

// ActiveTokenCache tracks the jti of every token that is currently valid.
// A token whose jti is absent is treated as revoked: validation fails
// closed for anything the cache has never seen. Entries expire on their
// own alongside the token they shadow.
type ActiveTokenCache struct {
	mu      sync.RWMutex
	entries map[string]time.Time // jti -> expiry
	done    chan struct{}
	once    sync.Once
}

// NewActiveTokenCache creates a cache and starts its background cleanup
// loop. Call Close to stop the loop.
func NewActiveTokenCache() *ActiveTokenCache {
	c := &ActiveTokenCache{
		entries: make(map[string]time.Time),
		done:    make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Add registers a jti as active until expiresAt.
func (c *ActiveTokenCache) Add(jti string, expiresAt time.Time) {
	if jti == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[jti] = expiresAt
}

// Remove revokes a jti. Removing an unknown jti is a no-op.
func (c *ActiveTokenCache) Remove(jti string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, jti)
}

// IsActive reports whether a jti is registered and not yet expired.
func (c *ActiveTokenCache) IsActive(jti string) bool {
	c.mu.RLock()
	expiry, ok := c.entries[jti]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	return time.Now().Before(expiry)
}

// Count returns the number of tracked entries, expired or not.
func (c *ActiveTokenCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot returns a copy of the active set, jti to expiry. Mutating
// the returned map does not touch the cache.
func (c *ActiveTokenCache) Snapshot() map[string]time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]time.Time, len(c.entries))
	for jti, expiry := range c.entries {
		out[jti] = expiry
	}
	return out
}

// Close stops the cleanup loop. Safe to call more than once.
func (c *ActiveTokenCache) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *ActiveTokenCache) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *ActiveTokenCache) removeExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for jti, expiry := range c.entries {
		if now.After(expiry) {
			delete(c.entries, jti)
		}
	}
}
