package corestore

import (
	"sync"
	"testing"
	"time"
)

func TestLocalGridPutGetDelete(t *testing.T) {
	g := NewLocalGrid[string](4)
	g.Put("order-1", "v1")

	v, ok := g.Get("order-1")
	if !ok || v != "v1" {
		t.Fatalf("expected v1, got %q ok=%v", v, ok)
	}

	old, ok := g.Delete("order-1")
	if !ok || old != "v1" {
		t.Fatalf("expected delete to return v1, got %q ok=%v", old, ok)
	}
	if _, ok := g.Get("order-1"); ok {
		t.Fatalf("expected key to be gone after delete")
	}
}

func TestLocalGridPutTTLExpires(t *testing.T) {
	g := NewLocalGrid[int](1)
	g.PutTTL("k", 1, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	if _, ok := g.Get("k"); ok {
		t.Fatalf("expected expired entry to be invisible to Get")
	}
}

func TestLocalGridJanitorReapsExpired(t *testing.T) {
	g := NewLocalGrid[int](1)
	g.PutTTL("k", 1, time.Millisecond)
	stop := g.StartJanitor(2 * time.Millisecond)
	defer stop()

	time.Sleep(20 * time.Millisecond)
	if g.Count() != 0 {
		t.Fatalf("expected janitor to have reaped expired entry")
	}
}

func TestLocalGridEntryProcessIsAtomicPerKey(t *testing.T) {
	g := NewLocalGrid[int](8)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.EntryProcess("counter", func(cur int, exists bool) (int, bool) {
				if !exists {
					return 1, true
				}
				return cur + 1, true
			})
		}()
	}
	wg.Wait()

	v, ok := g.Get("counter")
	if !ok || v != 100 {
		t.Fatalf("expected counter to reach 100, got %d", v)
	}
}

func TestLocalGridScanOrderedRespectsLimit(t *testing.T) {
	g := NewLocalGrid[int](4)
	for i := 0; i < 10; i++ {
		g.Put(string(rune('a'+i)), i)
	}

	out := g.ScanOrdered(
		func(_ string, v int) bool { return v%2 == 0 },
		func(a, b int) bool { return a < b },
		3,
	)
	if len(out) != 3 {
		t.Fatalf("expected limit of 3, got %d", len(out))
	}
	if out[0] != 0 || out[1] != 2 || out[2] != 4 {
		t.Fatalf("expected ascending even values, got %v", out)
	}
}

func TestLocalGridOnPutFiresListener(t *testing.T) {
	g := NewLocalGrid[string](2)
	var mu sync.Mutex
	seen := map[string]string{}
	g.OnPut(func(key, val string) {
		mu.Lock()
		seen[key] = val
		mu.Unlock()
	})

	g.Put("a", "1")
	g.EntryProcess("b", func(cur string, exists bool) (string, bool) { return "2", true })

	mu.Lock()
	defer mu.Unlock()
	if seen["a"] != "1" || seen["b"] != "2" {
		t.Fatalf("expected listener to observe both writes, got %v", seen)
	}
}
