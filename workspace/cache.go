package workspace

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Handle is a cached workspace entry: an agent's overlay plus the KV
// namespace bound to it. The cache owns neither the underlying afero
// directories nor any OS resources beyond memory, so eviction has no close
// step beyond dropping the reference — unlike a file-descriptor cache, there
// is nothing to flush.
type Handle struct {
	AgentID string
	Overlay *Overlay
	KV      *KV
}

// Cache is the Workspace Cache: a bounded LRU of recently-touched agent
// workspace handles, avoiding repeated overlay/KV construction for agents
// still within their working set.
type Cache struct {
	mu    sync.Mutex
	inner *lru.Cache[string, *Handle]
}

// NewCache creates a workspace handle cache holding at most size entries.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = 1
	}
	inner, err := lru.New[string, *Handle](size)
	if err != nil {
		return nil, err
	}
	return &Cache{inner: inner}, nil
}

// Get returns the cached handle for agentID, if present.
func (c *Cache) Get(agentID string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Get(agentID)
}

// Put inserts or replaces the handle for agentID, evicting the least
// recently used entry if the cache is full.
func (c *Cache) Put(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Add(h.AgentID, h)
}

// Evict drops agentID's handle, if cached.
func (c *Cache) Evict(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Remove(agentID)
}

// Len reports the number of handles currently cached (wired to the
// cairn_workspace_cache_size metrics gauge).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Len()
}
