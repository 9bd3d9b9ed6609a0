package dataset

import "sync"

// Cache is a shared key-value store of decoded samples, visible to all data-loading
// workers. It is constructed once, before any worker starts, and handed to the
// Dataset; implementations must be safe for concurrent use.
type Cache interface {
	Get(key string) (Sample, bool)
	Put(key string, sample Sample)
}

// NewMemCache returns the default in-memory Cache, backed by a sync.Map.
func NewMemCache() Cache {
	return &memCache{}
}

type memCache struct {
	m sync.Map
}

func (c *memCache) Get(key string) (Sample, bool) {
	value, found := c.m.Load(key)
	if !found {
		return Sample{}, false
	}
	return value.(Sample), true
}

func (c *memCache) Put(key string, sample Sample) {
	c.m.Store(key, sample)
}
