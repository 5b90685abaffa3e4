package cache

import (
	"sync"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	t.Run("valid parameters", func(t *testing.T) {
		c := New(100, 5*time.Minute)

		if c.maxSize != 100 {
			t.Errorf("maxSize = %d, want 100", c.maxSize)
		}
		if c.ttl != 5*time.Minute {
			t.Errorf("ttl = %v, want 5m", c.ttl)
		}
		if !c.enabled {
			t.Error("cache should be enabled by default")
		}
	})

	t.Run("non-positive maxSize uses default", func(t *testing.T) {
		if c := New(0, time.Minute); c.maxSize != 1024 {
			t.Errorf("maxSize = %d, want 1024 (default)", c.maxSize)
		}
		if c := New(-10, time.Minute); c.maxSize != 1024 {
			t.Errorf("maxSize = %d, want 1024 (default)", c.maxSize)
		}
	})
}

func TestKey(t *testing.T) {
	t.Run("same parts same key", func(t *testing.T) {
		if Key("trending", "Physics", "10") != Key("trending", "Physics", "10") {
			t.Error("identical parts produced different keys")
		}
	})

	t.Run("different parts different key", func(t *testing.T) {
		if Key("trending", "Physics") == Key("trending", "Chemistry") {
			t.Error("different parts produced same key")
		}
	})

	t.Run("part boundaries matter", func(t *testing.T) {
		if Key("ab", "c") == Key("a", "bc") {
			t.Error("shifted part boundary produced same key")
		}
	})
}

func TestResultCache_GetPut(t *testing.T) {
	t.Run("put and get", func(t *testing.T) {
		c := New(100, time.Minute)
		key := Key("probability", "Physics", "Kinematics")

		c.Put(key, "result1")

		val, ok := c.Get(key)
		if !ok {
			t.Fatal("Get returned false for existing key")
		}
		if val != "result1" {
			t.Errorf("Get returned %v, want result1", val)
		}
	})

	t.Run("get non-existent key", func(t *testing.T) {
		c := New(100, time.Minute)

		if val, ok := c.Get(12345); ok || val != nil {
			t.Errorf("Get(%d) = (%v, %v), want (nil, false)", 12345, val, ok)
		}
	})

	t.Run("update existing key", func(t *testing.T) {
		c := New(100, time.Minute)
		key := Key("probability", "Physics", "Kinematics")

		c.Put(key, "result1")
		c.Put(key, "result2")

		val, ok := c.Get(key)
		if !ok || val != "result2" {
			t.Errorf("Get = (%v, %v), want (result2, true)", val, ok)
		}
		if c.Len() != 1 {
			t.Errorf("Len = %d, want 1", c.Len())
		}
	})
}

func TestResultCache_TTL(t *testing.T) {
	t.Run("entry expires after TTL", func(t *testing.T) {
		c := New(100, 50*time.Millisecond)
		key := Key("trending", "Physics")

		c.Put(key, "result")
		if _, ok := c.Get(key); !ok {
			t.Error("entry should exist before TTL")
		}

		time.Sleep(100 * time.Millisecond)

		if _, ok := c.Get(key); ok {
			t.Error("entry should be expired after TTL")
		}
	})

	t.Run("zero TTL means no expiration", func(t *testing.T) {
		c := New(100, 0)
		key := Key("trending", "Physics")

		c.Put(key, "result")
		time.Sleep(50 * time.Millisecond)

		if _, ok := c.Get(key); !ok {
			t.Error("entry should not expire with zero TTL")
		}
	})
}

func TestResultCache_LRUEviction(t *testing.T) {
	t.Run("evicts oldest when full", func(t *testing.T) {
		c := New(3, time.Hour)

		c.Put(1, "a")
		c.Put(2, "b")
		c.Put(3, "c")
		c.Put(4, "d")

		if c.Len() != 3 {
			t.Errorf("Len = %d, want 3", c.Len())
		}
		if _, ok := c.Get(1); ok {
			t.Error("key 1 should have been evicted")
		}
		if _, ok := c.Get(4); !ok {
			t.Error("key 4 should exist")
		}
	})

	t.Run("access promotes entry", func(t *testing.T) {
		c := New(3, time.Hour)

		c.Put(1, "a")
		c.Put(2, "b")
		c.Put(3, "c")

		c.Get(1)
		c.Put(4, "d")

		if _, ok := c.Get(1); !ok {
			t.Error("key 1 should still exist (was accessed)")
		}
		if _, ok := c.Get(2); ok {
			t.Error("key 2 should have been evicted")
		}
	})
}

func TestResultCache_RemoveAndClear(t *testing.T) {
	c := New(100, time.Hour)

	c.Put(1, "a")
	c.Put(2, "b")

	c.Remove(1)
	if _, ok := c.Get(1); ok {
		t.Error("removed key should not exist")
	}
	if _, ok := c.Get(2); !ok {
		t.Error("other key should still exist")
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len = %d after clear, want 0", c.Len())
	}
}

func TestResultCache_Stats(t *testing.T) {
	c := New(100, time.Hour)

	c.Put(1, "a")
	c.Put(2, "b")

	c.Get(1)
	c.Get(2)
	c.Get(999)
	c.Get(888)

	stats := c.Stats()
	if stats.Size != 2 {
		t.Errorf("Size = %d, want 2", stats.Size)
	}
	if stats.Hits != 2 || stats.Misses != 2 {
		t.Errorf("Hits/Misses = %d/%d, want 2/2", stats.Hits, stats.Misses)
	}
	if stats.HitRate != 50.0 {
		t.Errorf("HitRate = %.2f, want 50.00", stats.HitRate)
	}
}

func TestResultCache_SetEnabled(t *testing.T) {
	c := New(100, time.Hour)

	c.Put(1, "a")
	c.SetEnabled(false)

	if c.Len() != 0 {
		t.Errorf("disabled cache Len = %d, want 0", c.Len())
	}

	c.Put(2, "b")
	if _, ok := c.Get(2); ok {
		t.Error("disabled cache should return miss")
	}

	c.SetEnabled(true)
	c.Put(3, "c")
	if _, ok := c.Get(3); !ok {
		t.Error("re-enabled cache should work")
	}
}

func TestResultCache_ConcurrentAccess(t *testing.T) {
	c := New(64, time.Hour) // small to force evictions under load

	const goroutines = 50
	const iterations = 200

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				key := uint64(id*iterations + j)
				c.Put(key, "result")
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()

	if c.Len() > 64 {
		t.Errorf("Len = %d, should not exceed maxSize 64", c.Len())
	}
	if stats := c.Stats(); stats.Hits+stats.Misses == 0 {
		t.Error("expected some operations")
	}
}
