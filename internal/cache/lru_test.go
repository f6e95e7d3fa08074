package cache

import (
	"sync"
	"testing"
	"time"
)

func TestLRUWithTTL_BasicOperations(t *testing.T) {
	c, err := NewLRUWithTTL[string, int](3, 0)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	c.Set("key1", 42)
	if val, ok := c.Get("key1"); !ok || val != 42 {
		t.Errorf("Get(key1) = (%v, %v), want (42, true)", val, ok)
	}
	if _, ok := c.Get("nonexistent"); ok {
		t.Error("Get(nonexistent) should return false")
	}

	c.Set("key2", 100)
	c.Set("key3", 200)
	c.Get("key1")      // key1 becomes most recently used
	c.Set("key4", 300) // evicts key2

	if _, ok := c.Get("key2"); ok {
		t.Error("key2 should have been evicted")
	}
	if val, ok := c.Get("key1"); !ok || val != 42 {
		t.Errorf("Get(key1) = (%v, %v), want (42, true)", val, ok)
	}
	if got := c.Stats().Evicted; got != 1 {
		t.Errorf("Stats.Evicted = %d, want 1", got)
	}
}

func TestLRUWithTTL_Expiration(t *testing.T) {
	c, err := NewLRUWithTTL[string, string](10, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	c.Set("key1", "value1")
	if _, ok := c.Get("key1"); !ok {
		t.Error("key1 should be present before expiration")
	}

	time.Sleep(100 * time.Millisecond)

	if _, ok := c.Get("key1"); ok {
		t.Error("key1 should have expired")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d after expired Get, want 0", c.Len())
	}
}

func TestLRUWithTTL_PerEntryTTL(t *testing.T) {
	c, err := NewLRUWithTTL[string, int](10, 0)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	c.SetWithTTL("short", 1, 30*time.Millisecond)
	c.SetWithTTL("long", 2, time.Hour)
	c.Set("forever", 3)

	time.Sleep(60 * time.Millisecond)

	if _, ok := c.Get("short"); ok {
		t.Error("short should have expired")
	}
	if v, ok := c.Get("long"); !ok || v != 2 {
		t.Errorf("Get(long) = (%v, %v), want (2, true)", v, ok)
	}
	if v, ok := c.Get("forever"); !ok || v != 3 {
		t.Errorf("Get(forever) = (%v, %v), want (3, true)", v, ok)
	}
}

func TestLRUWithTTL_Stats(t *testing.T) {
	c, err := NewLRUWithTTL[string, int](5, 0)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	c.Set("key1", 1)
	c.Set("key2", 2)
	c.Get("key1")
	c.Get("key1")
	c.Get("missing")

	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 || stats.Size != 2 {
		t.Errorf("Stats() = %+v, want hits=2 misses=1 size=2", stats)
	}
	if want := 2.0 / 3.0; stats.HitRate < want-0.01 || stats.HitRate > want+0.01 {
		t.Errorf("Stats.HitRate = %f, want ~%f", stats.HitRate, want)
	}

	c.ResetStats()
	if s := c.Stats(); s.Hits != 0 || s.Misses != 0 {
		t.Errorf("Stats() after reset = %+v, want zero counters", s)
	}
}

func TestLRUWithTTL_DeleteAndClear(t *testing.T) {
	c, err := NewLRUWithTTL[string, int](5, 0)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	c.Set("key1", 42)
	c.Delete("key1")
	if _, ok := c.Get("key1"); ok {
		t.Error("key1 should have been deleted")
	}

	c.Set("key2", 2)
	c.Set("key3", 3)
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len() = %d after Clear(), want 0", c.Len())
	}
}

func TestLRUWithTTL_CleanupExpired(t *testing.T) {
	c, err := NewLRUWithTTL[string, int](10, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	c.Set("key1", 1)
	c.Set("key2", 2)
	c.SetWithTTL("key3", 3, time.Hour)

	time.Sleep(100 * time.Millisecond)

	if removed := c.CleanupExpired(); removed != 2 {
		t.Errorf("CleanupExpired() = %d, want 2", removed)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d after cleanup, want 1", c.Len())
	}
}

func TestLRUWithTTL_ConcurrentAccess(t *testing.T) {
	c, err := NewLRUWithTTL[int, int](64, time.Minute)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c.Set(i%100, w)
				c.Get(i % 100)
			}
		}(w)
	}
	wg.Wait()

	if s := c.Stats(); s.Hits+s.Misses != 1600 {
		t.Errorf("Stats() lookups = %d, want 1600", s.Hits+s.Misses)
	}
}
