package plan

import (
	"sync"

	"github.com/notargets/MeshLoop/dataset"
)

type cacheKey struct {
	name      string
	set       dataset.SetID
	signature uint64
	blockSize int
	strategy  Strategy
}

// CacheStats counts lookups
type CacheStats struct {
	Hits     int
	Misses   int
	Rebuilds int // misses caused by a set generation change
}

// Cache stores one plan per (kernel name, signature, block size). A stored plan
// is rebuilt when its set has been resized since it was built.
type Cache struct {
	mu    sync.Mutex
	plans map[cacheKey]*Plan
	stats CacheStats
}

func NewCache() *Cache {
	return &Cache{plans: make(map[cacheKey]*Plan)}
}

// Get returns the cached plan for the loop or builds and stores a new one.
// hit is true when no build was needed.
func (c *Cache) Get(name string, set *dataset.Set, args []Arg, cfg Config) (p *Plan, hit bool, err error) {
	k := cacheKey{
		name:      name,
		set:       set.ID(),
		signature: Signature(args),
		blockSize: cfg.BlockSize,
		strategy:  cfg.Strategy,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.plans[k]; ok {
		if p.Generation == set.Generation() {
			c.stats.Hits++
			return p, true, nil
		}
		c.stats.Rebuilds++
	}
	c.stats.Misses++
	if p, err = Build(name, set, args, cfg); err != nil {
		return nil, false, err
	}
	c.plans[k] = p
	return p, false, nil
}

// Len is the number of stored plans
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.plans)
}

func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Plans returns the stored plans, for diagnostics
func (c *Cache) Plans() []*Plan {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	return out
}
