// Package lru provides the bounded in-memory cache sitting in front of the
// durable store. It serves hot reads without a transaction and remembers
// confirmed-absent ids so known misses skip the durable lookup too.
package lru

import (
	"container/list"
	"sync"

	metacache "github.com/strmkit/metacache"
)

// DefaultCapacity is the default maximum number of entries.
const DefaultCapacity = 500

type entry struct {
	key   string
	value *metacache.Meta // nil marks a confirmed-absent (negative) entry
}

// Cache is a thread-safe LRU cache over metadata payloads.
type Cache struct {
	capacity  int
	items     map[string]*list.Element
	evictList *list.List
	mu        sync.Mutex
}

// New creates a cache holding at most capacity entries. capacity <= 0 uses
// DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity:  capacity,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
	}
}

// Get returns the cached payload for key and promotes it to most recently
// used. found=false means the key is not in memory at all; found=true with a
// nil payload means the key is confirmed absent in the durable store.
func (c *Cache) Get(key string) (value *metacache.Meta, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.evictList.MoveToFront(elem)
	return elem.Value.(*entry).value, true
}

// Set inserts or overwrites an entry and promotes it to most recently used.
// A nil value records a negative entry. Returns the key evicted to stay
// within capacity, or "" if nothing was evicted.
func (c *Cache) Set(key string, value *metacache.Meta) (evicted string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*entry).value = value
		c.evictList.MoveToFront(elem)
		return ""
	}

	c.items[key] = c.evictList.PushFront(&entry{key: key, value: value})

	if c.evictList.Len() <= c.capacity {
		return ""
	}
	oldest := c.evictList.Back()
	if oldest == nil {
		return ""
	}
	c.removeElement(oldest)
	return oldest.Value.(*entry).key
}

// Remove drops an entry without affecting the order of the others.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.evictList.Init()
}

// Len returns the current number of entries, negative entries included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictList.Len()
}

func (c *Cache) removeElement(elem *list.Element) {
	c.evictList.Remove(elem)
	delete(c.items, elem.Value.(*entry).key)
}
