package cache

import (
	"bytes"
	"container/list"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
)

// l2Cache is the larger, slower level: bounded by cumulative byte size,
// byte-oriented values, transparent gzip compression for eligible payloads.
// Not safe for concurrent use; TieredCache holds the lock.
type l2Cache struct {
	maxBytes          int64
	compressThreshold int64
	currentBytes      int64
	entries           map[string]*list.Element
	order             *list.List // front = most recently used

	hits      int64
	misses    int64
	evictions int64
}

func newL2Cache(maxBytes, compressThreshold int64) *l2Cache {
	if maxBytes <= 0 {
		maxBytes = 1
	}
	return &l2Cache{
		maxBytes:          maxBytes,
		compressThreshold: compressThreshold,
		entries:           make(map[string]*list.Element),
		order:             list.New(),
	}
}

// get returns the restored value for key. When the stored bytes were
// compressed and decompression fails, the raw stored bytes are returned
// rather than an error; a corrupted block should degrade, not break reads.
func (c *l2Cache) get(key string, now time.Time) (*Entry, interface{}, bool) {
	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, nil, false
	}
	entry := elem.Value.(*Entry)
	if entry.Expired(now) {
		c.removeElement(elem)
		c.misses++
		return nil, nil, false
	}
	entry.touch(now)
	c.order.MoveToFront(elem)
	c.hits++
	return entry, c.restore(entry), true
}

func (c *l2Cache) restore(entry *Entry) interface{} {
	if entry.blob == nil {
		return entry.Value
	}
	raw := entry.blob
	if entry.compressed {
		if decompressed, err := gunzip(raw); err == nil {
			raw = decompressed
		}
	}
	if entry.wasString {
		return string(raw)
	}
	return raw
}

// put stores an entry, compressing eligible payloads and evicting
// least-recently-used keys until the byte budget holds. Returns false when
// the value cannot fit even into an empty cache.
func (c *l2Cache) put(entry *Entry) bool {
	if elem, ok := c.entries[entry.Key]; ok {
		c.removeElement(elem)
	}

	stored := *entry
	switch v := entry.Value.(type) {
	case []byte:
		stored.blob = v
	case string:
		stored.blob = []byte(v)
		stored.wasString = true
	}

	storedSize := entry.Size
	if stored.blob != nil && c.compressThreshold > 0 && int64(len(stored.blob)) >= c.compressThreshold {
		if compressed, err := gzipBytes(stored.blob); err == nil && int64(len(compressed)) < int64(len(stored.blob)) {
			stored.blob = compressed
			stored.compressed = true
			storedSize = int64(len(compressed))
		}
	}
	if stored.blob != nil {
		stored.Value = nil
		storedSize = int64(len(stored.blob))
	}
	stored.Size = storedSize

	if storedSize > c.maxBytes {
		return false
	}
	for c.currentBytes+storedSize > c.maxBytes {
		c.evictOldest()
	}

	elem := c.order.PushFront(&stored)
	c.entries[stored.Key] = elem
	c.currentBytes += storedSize
	return true
}

func (c *l2Cache) evictOldest() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	c.removeElement(elem)
	c.evictions++
}

func (c *l2Cache) remove(key string) bool {
	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeElement(elem)
	return true
}

func (c *l2Cache) removeElement(elem *list.Element) {
	entry := elem.Value.(*Entry)
	c.order.Remove(elem)
	delete(c.entries, entry.Key)
	c.currentBytes -= entry.Size
}

func (c *l2Cache) keys() []string {
	out := make([]string, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	return out
}

func (c *l2Cache) entryFor(key string) (*Entry, bool) {
	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return elem.Value.(*Entry), true
}

func (c *l2Cache) stats() map[string]interface{} {
	return map[string]interface{}{
		"hits":      c.hits,
		"misses":    c.misses,
		"evictions": c.evictions,
		"count":     len(c.entries),
		"bytes":     c.currentBytes,
		"max_bytes": c.maxBytes,
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
