package taxon

import "sync"

// AncestorCache maps a taxon id to its derived ranks. Entries are written
// once and never evicted.
type AncestorCache struct {
	mu      sync.RWMutex
	entries map[int64]Ranks
}

// NewAncestorCache creates an empty cache.
func NewAncestorCache() *AncestorCache {
	return &AncestorCache{entries: make(map[int64]Ranks)}
}

// Load returns the cached ranks of a taxon.
func (c *AncestorCache) Load(taxonID int64) (Ranks, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.entries[taxonID]
	return r, ok
}

// LoadOrStore returns the existing entry if present, otherwise it stores
// and returns ranks. The loaded result is true if the value was present.
func (c *AncestorCache) LoadOrStore(taxonID int64, ranks Ranks) (Ranks, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[taxonID]; ok {
		return existing, true
	}
	c.entries[taxonID] = ranks
	return ranks, false
}

// Len returns the number of cached taxa.
func (c *AncestorCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
