package cache

import (
	"sync"
	"time"

	"github.com/gobwas/glob"

	"marketgate/internal/metrics"
	"marketgate/logger"
)

// Options configures a TieredCache.
type Options struct {
	L1MaxEntries         int
	L2MaxBytes           int64
	DefaultTTL           time.Duration
	CompressionThreshold int64
}

// PutOptions carries the optional per-entry settings for Put.
type PutOptions struct {
	TTL     time.Duration
	Version string
	Tags    []string
}

// TieredCache is a two-level in-memory cache. L1 is small and bounded by
// entry count; L2 is larger, bounded by bytes, and compresses eligible
// values. Writes go through to both levels; reads promote L2 hits into L1.
// Expiry is lazy and eviction happens before inserts, so the configured
// bounds always hold.
type TieredCache struct {
	mu       sync.Mutex
	l1       *l1Cache
	l2       *l2Cache
	versions map[string]string
	bus      *eventBus
	log      *logger.Log

	defaultTTL time.Duration
	gets       int64
	hits       int64
	misses     int64
	closed     bool
}

func NewTieredCache(opts Options, log *logger.Log) *TieredCache {
	if log == nil {
		log = logger.GetLogger()
	}
	if opts.DefaultTTL < 0 {
		opts.DefaultTTL = 0
	}
	return &TieredCache{
		l1:         newL1Cache(opts.L1MaxEntries),
		l2:         newL2Cache(opts.L2MaxBytes, opts.CompressionThreshold),
		versions:   make(map[string]string),
		bus:        newEventBus(log),
		log:        log,
		defaultTTL: opts.DefaultTTL,
	}
}

// DefaultTTL returns the TTL applied when a Put carries none.
func (c *TieredCache) DefaultTTL() time.Duration {
	return c.defaultTTL
}

// Get returns the cached value for key if it is present and fresh.
func (c *TieredCache) Get(key string) (interface{}, bool) {
	return c.GetChecked(key, "")
}

// GetChecked behaves like Get but treats the entry as a miss when a
// non-empty expectedVersion differs from the version on record for the
// key. A stale version forces a refetch without touching entry state.
func (c *TieredCache) GetChecked(key, expectedVersion string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gets++

	if expectedVersion != "" {
		if recorded, ok := c.versions[key]; ok && recorded != expectedVersion {
			c.misses++
			metrics.CountCacheMiss()
			return nil, false
		}
	}

	now := time.Now()

	if entry, ok := c.l1.get(key, now); ok {
		c.hits++
		metrics.CountCacheHit("l1")
		return entry.Value, true
	}

	if entry, value, ok := c.l2.get(key, now); ok {
		// Promote on read so subsequent lookups stay in L1. The promoted
		// entry keeps its original creation time and TTL.
		promoted := &Entry{
			Key:         key,
			Value:       value,
			CreatedAt:   entry.CreatedAt,
			LastAccess:  entry.LastAccess,
			AccessCount: entry.AccessCount,
			TTL:         entry.TTL,
			Version:     entry.Version,
			Size:        sizeOf(value),
			Tags:        entry.Tags,
		}
		c.l1.put(promoted)
		c.hits++
		metrics.CountCacheHit("l2")
		return value, true
	}

	c.misses++
	metrics.CountCacheMiss()
	return nil, false
}

// Put writes the value through to both levels. Each level evicts
// independently until it has room; the write succeeds when at least one
// level accepted the value. A version change is recorded and published
// after the write.
func (c *TieredCache) Put(key string, value interface{}, opts *PutOptions) bool {
	if opts == nil {
		opts = &PutOptions{}
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	now := time.Now()
	entry := &Entry{
		Key:        key,
		Value:      value,
		CreatedAt:  now,
		LastAccess: now,
		TTL:        ttl,
		Version:    opts.Version,
		Size:       sizeOf(value),
		Tags:       append([]string(nil), opts.Tags...),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}

	c.l1.put(entry)
	l2OK := c.l2.put(&Entry{
		Key:        key,
		Value:      value,
		CreatedAt:  now,
		LastAccess: now,
		TTL:        ttl,
		Version:    opts.Version,
		Size:       entry.Size,
		Tags:       entry.Tags,
	})

	versionChanged := false
	if opts.Version != "" {
		if recorded, ok := c.versions[key]; !ok || recorded != opts.Version {
			versionChanged = ok // a first version is recorded silently
			c.versions[key] = opts.Version
		}
	}
	c.mu.Unlock()

	if !l2OK {
		c.log.WithComponent("cache").WithFields(logger.Fields{
			"key":  key,
			"size": entry.Size,
		}).Warn("value exceeds level-two byte budget, cached in level one only")
	}

	if versionChanged {
		c.bus.publish(EventVersionChanged, key)
	}
	return true
}

// Remove deletes the key from both levels and the version table. Returns
// whether anything was actually removed.
func (c *TieredCache) Remove(key string) bool {
	c.mu.Lock()
	removed := c.l1.remove(key)
	if c.l2.remove(key) {
		removed = true
	}
	if _, ok := c.versions[key]; ok {
		delete(c.versions, key)
		removed = true
	}
	c.mu.Unlock()

	if removed {
		c.bus.publish(EventDataRemoved, key)
	}
	return removed
}

// InvalidateByPattern removes every key matching the glob pattern across
// both levels and returns how many keys were dropped.
func (c *TieredCache) InvalidateByPattern(pattern string) (int, error) {
	matcher, err := glob.Compile(pattern)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	keySet := make(map[string]struct{})
	for _, k := range c.l1.keys() {
		keySet[k] = struct{}{}
	}
	for _, k := range c.l2.keys() {
		keySet[k] = struct{}{}
	}

	var matched []string
	for k := range keySet {
		if matcher.Match(k) {
			matched = append(matched, k)
			c.l1.remove(k)
			c.l2.remove(k)
			delete(c.versions, k)
		}
	}
	c.mu.Unlock()

	for _, k := range matched {
		c.bus.publish(EventDataRemoved, k)
	}
	return len(matched), nil
}

// InvalidateByTags removes every entry whose tag list overlaps the given
// set and returns the removal count.
func (c *TieredCache) InvalidateByTags(tags []string) int {
	if len(tags) == 0 {
		return 0
	}
	tagSet := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		tagSet[t] = struct{}{}
	}

	c.mu.Lock()
	matchedSet := make(map[string]struct{})
	for _, k := range c.l1.keys() {
		if entry, ok := c.l1.entryFor(k); ok && entry.hasTag(tagSet) {
			matchedSet[k] = struct{}{}
		}
	}
	for _, k := range c.l2.keys() {
		if entry, ok := c.l2.entryFor(k); ok && entry.hasTag(tagSet) {
			matchedSet[k] = struct{}{}
		}
	}

	matched := make([]string, 0, len(matchedSet))
	for k := range matchedSet {
		matched = append(matched, k)
		c.l1.remove(k)
		c.l2.remove(k)
		delete(c.versions, k)
	}
	c.mu.Unlock()

	for _, k := range matched {
		c.bus.publish(EventDataRemoved, k)
	}
	return len(matched)
}

// Subscribe registers a handler for one event type. Handlers run
// synchronously on the publishing goroutine in registration order.
func (c *TieredCache) Subscribe(eventType string, handler EventHandler) SubscriptionID {
	return c.bus.subscribe(eventType, handler)
}

// Unsubscribe removes a handler by its subscription id.
func (c *TieredCache) Unsubscribe(id SubscriptionID) {
	c.bus.unsubscribe(id)
}

// Stats reports per-level and aggregate counters.
func (c *TieredCache) Stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	hitRatio := 0.0
	if c.gets > 0 {
		hitRatio = float64(c.hits) / float64(c.gets)
	}

	return map[string]interface{}{
		"l1":        c.l1.stats(),
		"l2":        c.l2.stats(),
		"gets":      c.gets,
		"hits":      c.hits,
		"misses":    c.misses,
		"hit_ratio": hitRatio,
		"versions":  len(c.versions),
	}
}

// Close releases the event-bus subscriptions and drops all cached state.
// The cache rejects writes afterwards.
func (c *TieredCache) Close() {
	c.mu.Lock()
	c.closed = true
	c.l1 = newL1Cache(1)
	c.l2 = newL2Cache(1, 0)
	c.versions = make(map[string]string)
	c.mu.Unlock()
	c.bus.close()
}
