package cache

import (
	"strings"
	"testing"
	"time"

	"marketgate/logger"
)

func newTestCache(l1 int, l2 int64) *TieredCache {
	return NewTieredCache(Options{
		L1MaxEntries:         l1,
		L2MaxBytes:           l2,
		DefaultTTL:           time.Minute,
		CompressionThreshold: 64,
	}, logger.GetLogger())
}

func TestPutGetRoundTrip(t *testing.T) {
	c := newTestCache(4, 1<<20)
	defer c.Close()

	if !c.Put("quote:BTCUSDT", "42000.5", nil) {
		t.Fatal("put failed")
	}
	got, ok := c.Get("quote:BTCUSDT")
	if !ok || got.(string) != "42000.5" {
		t.Fatalf("round trip failed: %v %v", got, ok)
	}
}

// A value evicted from L1 must still be served from L2 and promoted back.
func TestL2PromotionAfterL1Eviction(t *testing.T) {
	c := newTestCache(1, 1<<20)
	defer c.Close()

	c.Put("a", "value-a", nil)
	c.Put("b", "value-b", nil) // evicts a from L1; both live in L2

	got, ok := c.Get("a")
	if !ok || got.(string) != "value-a" {
		t.Fatalf("expected L2 hit for a, got %v %v", got, ok)
	}

	stats := c.Stats()
	l2 := stats["l2"].(map[string]interface{})
	if l2["hits"].(int64) != 1 {
		t.Fatalf("expected one L2 hit, stats %v", l2)
	}
	// The promotion landed in L1.
	l1After, _ := c.l1.entryFor("a")
	if l1After == nil {
		t.Fatal("entry not promoted into L1")
	}
}

func TestTTLExpiry(t *testing.T) {
	c := newTestCache(4, 1<<20)
	defer c.Close()

	c.Put("short", "lived", &PutOptions{TTL: 20 * time.Millisecond})
	if _, ok := c.Get("short"); !ok {
		t.Fatal("entry should be fresh immediately after put")
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("short"); ok {
		t.Fatal("entry should have expired")
	}
}

// put(a); put(b); put(c) with L1 capacity 2 and no other access: a is the
// LRU victim, b and c stay.
func TestL1LRUEviction(t *testing.T) {
	c := NewTieredCache(Options{L1MaxEntries: 2, L2MaxBytes: 1}, logger.GetLogger())
	defer c.Close()

	c.Put("a", "value-a", nil)
	c.Put("b", "value-b", nil)
	c.Put("c", "value-c", nil)

	if _, ok := c.Get("a"); ok {
		t.Fatal("a should have been evicted from L1 (and never fit L2)")
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatal("b should still be cached")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("c should still be cached")
	}
}

func TestL2ByteBudgetEviction(t *testing.T) {
	c := NewTieredCache(Options{L1MaxEntries: 1, L2MaxBytes: 30}, logger.GetLogger())
	defer c.Close()

	c.Put("x", strings.Repeat("x", 20), nil)
	c.Put("y", strings.Repeat("y", 20), nil) // x must be evicted from L2

	stats := c.Stats()
	l2 := stats["l2"].(map[string]interface{})
	if l2["bytes"].(int64) > 30 {
		t.Fatalf("L2 over budget: %v", l2)
	}
	if l2["evictions"].(int64) == 0 {
		t.Fatal("expected an L2 eviction")
	}
}

func TestOversizeValueStillCachesInL1(t *testing.T) {
	c := NewTieredCache(Options{L1MaxEntries: 2, L2MaxBytes: 8}, logger.GetLogger())
	defer c.Close()

	big := strings.Repeat("z", 100)
	if !c.Put("big", big, nil) {
		t.Fatal("put should succeed when L1 accepts the value")
	}
	got, ok := c.Get("big")
	if !ok || got.(string) != big {
		t.Fatal("value should be served from L1")
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	c := NewTieredCache(Options{
		L1MaxEntries:         1,
		L2MaxBytes:           1 << 20,
		CompressionThreshold: 32,
	}, logger.GetLogger())
	defer c.Close()

	payload := strings.Repeat("compressible payload ", 50)
	c.Put("zip", payload, nil)
	c.Put("evictor", "x", nil) // push zip out of the single-entry L1

	entry, ok := c.l2.entryFor("zip")
	if !ok || !entry.compressed {
		t.Fatal("large value should be stored compressed in L2")
	}
	got, ok := c.Get("zip")
	if !ok || got.(string) != payload {
		t.Fatal("decompressed value does not match original")
	}
}

func TestVersionMismatchIsMiss(t *testing.T) {
	c := newTestCache(4, 1<<20)
	defer c.Close()

	c.Put("k", "v1", &PutOptions{Version: "etag-1"})
	if _, ok := c.GetChecked("k", "etag-2"); ok {
		t.Fatal("stale expected version must force a miss")
	}
	if got, ok := c.GetChecked("k", "etag-1"); !ok || got.(string) != "v1" {
		t.Fatal("matching version should hit")
	}
}

func TestVersionChangedEvent(t *testing.T) {
	c := newTestCache(4, 1<<20)
	defer c.Close()

	var events []string
	c.Subscribe(EventVersionChanged, func(eventType, key string) {
		events = append(events, eventType+":"+key)
	})

	c.Put("k", "v1", &PutOptions{Version: "1"})
	if len(events) != 0 {
		t.Fatalf("first version must not publish, got %v", events)
	}
	c.Put("k", "v2", &PutOptions{Version: "2"})
	if len(events) != 1 || events[0] != "version_changed:k" {
		t.Fatalf("expected version_changed event, got %v", events)
	}
}

func TestRemovePublishesDataRemoved(t *testing.T) {
	c := newTestCache(4, 1<<20)
	defer c.Close()

	var removed []string
	c.Subscribe(EventDataRemoved, func(_, key string) {
		removed = append(removed, key)
	})

	c.Put("k", "v", nil)
	if !c.Remove("k") {
		t.Fatal("remove should report true")
	}
	if c.Remove("k") {
		t.Fatal("second remove should report false")
	}
	if len(removed) != 1 || removed[0] != "k" {
		t.Fatalf("expected one data_removed event, got %v", removed)
	}
}

func TestSubscriberPanicDoesNotPropagate(t *testing.T) {
	c := newTestCache(4, 1<<20)
	defer c.Close()

	var secondRan bool
	c.Subscribe(EventDataRemoved, func(_, _ string) {
		panic("boom")
	})
	c.Subscribe(EventDataRemoved, func(_, _ string) {
		secondRan = true
	})

	c.Put("k", "v", nil)
	c.Remove("k") // must not panic
	if !secondRan {
		t.Fatal("panicking subscriber must not block later subscribers")
	}
}

func TestInvalidateByPattern(t *testing.T) {
	c := newTestCache(8, 1<<20)
	defer c.Close()

	c.Put("quote:BTCUSDT", 1, nil)
	c.Put("quote:ETHUSDT", 2, nil)
	c.Put("ohlcv:BTCUSDT", 3, nil)

	count, err := c.InvalidateByPattern("quote:*")
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 invalidated, got %d", count)
	}
	if _, ok := c.Get("ohlcv:BTCUSDT"); !ok {
		t.Fatal("non-matching key must survive")
	}
}

func TestInvalidateByPatternBadGlob(t *testing.T) {
	c := newTestCache(2, 1<<20)
	defer c.Close()
	if _, err := c.InvalidateByPattern("[unclosed"); err == nil {
		t.Fatal("expected glob compile error")
	}
}

func TestInvalidateByTags(t *testing.T) {
	c := newTestCache(8, 1<<20)
	defer c.Close()

	c.Put("a", 1, &PutOptions{Tags: []string{"crypto", "spot"}})
	c.Put("b", 2, &PutOptions{Tags: []string{"equity"}})
	c.Put("c", 3, nil)

	if count := c.InvalidateByTags([]string{"crypto"}); count != 1 {
		t.Fatalf("expected 1 invalidated, got %d", count)
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatal("untagged match must survive")
	}
}

func TestStatsHitRatio(t *testing.T) {
	c := newTestCache(4, 1<<20)
	defer c.Close()

	c.Put("k", "v", nil)
	c.Get("k")
	c.Get("missing")

	stats := c.Stats()
	if ratio := stats["hit_ratio"].(float64); ratio != 0.5 {
		t.Fatalf("expected hit ratio 0.5, got %f", ratio)
	}
}

func TestCloseRejectsWrites(t *testing.T) {
	c := newTestCache(4, 1<<20)
	c.Close()
	if c.Put("k", "v", nil) {
		t.Fatal("closed cache must reject writes")
	}
	if _, ok := c.Get("k"); ok {
		t.Fatal("closed cache must not serve values")
	}
}
