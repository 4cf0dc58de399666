package engine

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ModuleCache stores compiled modules by content hash. The engine holds one
// module reference per cached entry; a cache must call Module.release when
// it drops an entry, whether by eviction, removal or Purge.
type ModuleCache interface {
	Get(key Hash) (*Module, bool)
	Add(key Hash, m *Module)
	Remove(key Hash)
	Len() int
	Purge()
}

// MapCache never evicts. Entries live until Purge.
type MapCache struct {
	entries map[Hash]*Module
	mu      sync.RWMutex
}

func NewMapCache() *MapCache {
	return &MapCache{entries: make(map[Hash]*Module)}
}

func (c *MapCache) Get(key Hash) (*Module, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.entries[key]
	return m, ok
}

func (c *MapCache) Add(key Hash, m *Module) {
	c.mu.Lock()
	prev, ok := c.entries[key]
	c.entries[key] = m
	c.mu.Unlock()
	if ok && prev != m {
		prev.release()
	}
}

func (c *MapCache) Remove(key Hash) {
	c.mu.Lock()
	m, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	if ok {
		m.release()
	}
}

func (c *MapCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MapCache) Purge() {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[Hash]*Module)
	c.mu.Unlock()
	for _, m := range entries {
		m.release()
	}
}

// LRUCache keeps the most recently used modules. An evicted module is
// released by the cache, and its compiled code is closed once the last
// instance created from it closes.
type LRUCache struct {
	lru     *lru.Cache[Hash, *Module]
	onEvict func(Hash, *Module)
}

// NewLRUCache creates an LRU cache of size modules. onEvict, if non-nil, is
// called for every evicted entry after it has been released.
func NewLRUCache(size int, onEvict func(Hash, *Module)) (*LRUCache, error) {
	c := &LRUCache{onEvict: onEvict}
	l, err := lru.NewWithEvict(size, func(key Hash, m *Module) {
		m.release()
		if c.onEvict != nil {
			c.onEvict(key, m)
		}
	})
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

func (c *LRUCache) Get(key Hash) (*Module, bool) {
	return c.lru.Get(key)
}

func (c *LRUCache) Add(key Hash, m *Module) {
	if prev, ok := c.lru.Peek(key); ok {
		if prev == m {
			return
		}
		// replacing a value does not run the eviction callback
		c.lru.Remove(key)
	}
	c.lru.Add(key, m)
}

func (c *LRUCache) Remove(key Hash) {
	c.lru.Remove(key)
}

func (c *LRUCache) Len() int {
	return c.lru.Len()
}

func (c *LRUCache) Purge() {
	c.lru.Purge()
}
