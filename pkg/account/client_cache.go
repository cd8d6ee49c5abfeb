package account

import "sync"

// ClientCache is an externally-owned map from cache key to constructed client
// handle. Entries are populated at most once per key and never evicted. A
// mutex guards the map itself; construction happens outside the lock, so two
// goroutines racing on first access may both construct a client, with the
// second write winning. That duplicate work is accepted.
type ClientCache struct {
	mu      sync.RWMutex
	clients map[string]any
}

func NewClientCache() *ClientCache {
	return &ClientCache{clients: map[string]any{}}
}

func (c *ClientCache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	client, ok := c.clients[key]
	return client, ok
}

func (c *ClientCache) Put(key string, client any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[key] = client
}

// Len returns the number of cached handles.
func (c *ClientCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.clients)
}
