package identity

import (
	"testing"
	"time"
)

func TestTTLCacheGetSet(t *testing.T) {
	c := NewTTLCache[int](time.Minute, 10)

	if _, ok := c.Get("missing"); ok {
		t.Fatal("Get on empty cache must miss")
	}
	c.Set("a", 1)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a) = (%v, %v), want (1, true)", v, ok)
	}
}

func TestTTLCachePerEntryExpiry(t *testing.T) {
	c := NewTTLCache[string](time.Minute, 10)

	c.SetWithTTL("short", "gone soon", 5*time.Millisecond)
	c.Set("long", "stays")

	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("short"); ok {
		t.Fatal("entry past its own TTL must miss")
	}
	if _, ok := c.Get("long"); !ok {
		t.Fatal("default-TTL entry must survive the short entry's expiry")
	}
}

func TestTTLCacheNonPositiveTTLFallsBack(t *testing.T) {
	c := NewTTLCache[string](time.Minute, 10)
	c.SetWithTTL("k", "v", -time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("non-positive TTL must fall back to the default, not pre-expire")
	}
}

func TestTTLCacheEvictsClosestToExpiryAtCapacity(t *testing.T) {
	c := NewTTLCache[int](time.Minute, 2)

	c.SetWithTTL("soon", 1, time.Second)
	c.SetWithTTL("later", 2, time.Hour)
	c.Set("new", 3)

	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 after eviction", c.Len())
	}
	if _, ok := c.Get("soon"); ok {
		t.Fatal("entry closest to expiry should have been evicted")
	}
	if _, ok := c.Get("later"); !ok {
		t.Fatal("entry furthest from expiry should survive")
	}
	if _, ok := c.Get("new"); !ok {
		t.Fatal("newly set entry should be present")
	}
}

func TestTTLCacheUpdateExistingDoesNotEvict(t *testing.T) {
	c := NewTTLCache[int](time.Minute, 2)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 10)

	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}
	if v, _ := c.Get("a"); v != 10 {
		t.Fatalf("Get(a) = %d, want 10 after update", v)
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatal("updating an existing key must not evict another entry")
	}
}

func TestTTLCacheInvalidate(t *testing.T) {
	c := NewTTLCache[int](time.Minute, 10)
	c.Set("a", 1)
	c.Invalidate("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("invalidated entry must miss")
	}
}
