package resilience

import (
	"testing"
	"time"
)

func TestFallbackCache_SetGet(t *testing.T) {
	c := NewFallbackCache(10, time.Minute)
	c.Set("k", "v1")

	v, ok := c.Get("k")
	if !ok || v != "v1" {
		t.Fatalf("got (%v, %v), want (v1, true)", v, ok)
	}
}

func TestFallbackCache_Expiry(t *testing.T) {
	c := NewFallbackCache(10, 10*time.Millisecond)
	c.Set("k", "v1")
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get("k"); ok {
		t.Fatal("expected expired entry to be evicted")
	}
}

func TestFallbackCache_LRUEviction(t *testing.T) {
	c := NewFallbackCache(2, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 1) // touch a, making b the LRU
	c.Set("c", 3) // should evict b

	if _, ok := c.Get("b"); ok {
		t.Fatal("expected b to be evicted as least recently used")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a to survive eviction")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("expected c to be present")
	}
}

func TestFallbackCache_Delete(t *testing.T) {
	c := NewFallbackCache(10, time.Minute)
	c.Set("k", "v1")
	c.Delete("k")

	if _, ok := c.Get("k"); ok {
		t.Fatal("expected deleted entry to be absent")
	}
}
