package macro

import (
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache memoises generated maps. Maps are immutable, so a cached pointer can be
// shared by every world that uses the same seed and parameters.
type Cache struct {
	c *ristretto.Cache[string, *Map]
}

func NewCache(maxMaps int64) (*Cache, error) {
	if maxMaps <= 0 {
		maxMaps = 16
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, *Map]{
		NumCounters: maxMaps * 10,
		MaxCost:     maxMaps,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("macro cache: %w", err)
	}
	return &Cache{c: c}, nil
}

func cacheKey(seed uint64, depth int, p Params) string {
	return fmt.Sprintf("%d|%d|%+v", seed, depth, p)
}

// Get returns the cached map for the inputs, generating it on a miss.
func (c *Cache) Get(seed uint64, depth int, p Params) *Map {
	p.normalize()
	key := cacheKey(seed, depth, p)
	if m, ok := c.c.Get(key); ok {
		return m
	}
	m := Generate(seed, depth, p)
	c.c.Set(key, m, 1)
	c.c.Wait()
	return m
}

func (c *Cache) Close() {
	c.c.Close()
}
