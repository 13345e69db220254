package cache

import (
	"container/list"
	"time"
)

// l1Cache is the small, fast level: bounded by entry count, plain values,
// LRU eviction. Not safe for concurrent use; TieredCache holds the lock.
type l1Cache struct {
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used

	hits      int64
	misses    int64
	evictions int64
}

func newL1Cache(capacity int) *l1Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &l1Cache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// get returns the live entry for key, handling lazy expiry. Recency is
// refreshed on every hit.
func (c *l1Cache) get(key string, now time.Time) (*Entry, bool) {
	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := elem.Value.(*Entry)
	if entry.Expired(now) {
		c.removeElement(elem)
		c.misses++
		return nil, false
	}
	entry.touch(now)
	c.order.MoveToFront(elem)
	c.hits++
	return entry, true
}

// put inserts or replaces an entry, evicting least-recently-used entries
// first so the capacity bound holds before the write lands.
func (c *l1Cache) put(entry *Entry) {
	if elem, ok := c.entries[entry.Key]; ok {
		c.order.Remove(elem)
		delete(c.entries, entry.Key)
	}
	for len(c.entries) >= c.capacity {
		c.evictOldest()
	}
	elem := c.order.PushFront(entry)
	c.entries[entry.Key] = elem
}

func (c *l1Cache) evictOldest() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	c.removeElement(elem)
	c.evictions++
}

func (c *l1Cache) remove(key string) bool {
	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeElement(elem)
	return true
}

func (c *l1Cache) removeElement(elem *list.Element) {
	entry := elem.Value.(*Entry)
	c.order.Remove(elem)
	delete(c.entries, entry.Key)
}

func (c *l1Cache) keys() []string {
	out := make([]string, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	return out
}

func (c *l1Cache) entryFor(key string) (*Entry, bool) {
	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return elem.Value.(*Entry), true
}

func (c *l1Cache) len() int {
	return len(c.entries)
}

func (c *l1Cache) stats() map[string]interface{} {
	return map[string]interface{}{
		"hits":      c.hits,
		"misses":    c.misses,
		"evictions": c.evictions,
		"count":     len(c.entries),
		"capacity":  c.capacity,
	}
}
