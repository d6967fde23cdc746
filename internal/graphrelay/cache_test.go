package graphrelay

import (
	"context"
	"testing"
	"time"
)

func TestMemoryDedupCachePutGet(t *testing.T) {
	cache := NewMemoryDedupCache()
	ctx := context.Background()

	if err := cache.Put(ctx, "k1", "created", time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	payload, found, err := cache.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found || payload != "created" {
		t.Fatalf("expected created entry, got found=%v payload=%q", found, payload)
	}

	_, found, err = cache.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found {
		t.Fatalf("expected miss for unknown key")
	}
}

func TestMemoryDedupCacheExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache := NewMemoryDedupCache()
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	if err := cache.Put(ctx, "k1", "updated", 2*time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	now = now.Add(119 * time.Second)
	if _, found, _ := cache.Get(ctx, "k1"); !found {
		t.Fatalf("entry expired before its TTL elapsed")
	}

	now = now.Add(2 * time.Second)
	if _, found, _ := cache.Get(ctx, "k1"); found {
		t.Fatalf("entry survived past its TTL")
	}
}

func TestMemoryDedupCacheZeroTTLUsesDefault(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache := NewMemoryDedupCache()
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	if err := cache.Put(ctx, "k1", "created", 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	now = now.Add(defaultDebounceTTL - time.Second)
	if _, found, _ := cache.Get(ctx, "k1"); !found {
		t.Fatalf("entry expired before the default TTL")
	}
	now = now.Add(2 * time.Second)
	if _, found, _ := cache.Get(ctx, "k1"); found {
		t.Fatalf("entry survived past the default TTL")
	}
}

func TestMemoryDedupCacheNoExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache := NewMemoryDedupCache()
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	if err := cache.Put(ctx, "pin", "payload", NoExpiry); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	now = now.Add(1000 * time.Hour)
	if _, found, _ := cache.Get(ctx, "pin"); !found {
		t.Fatalf("NoExpiry entry expired")
	}
}

func TestMemoryDedupCachePruneOnPut(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache := NewMemoryDedupCache()
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if err := cache.Put(ctx, key, "x", time.Minute); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	now = now.Add(2 * time.Minute)
	if err := cache.Put(ctx, "d", "x", time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if got := cache.len(); got != 1 {
		t.Fatalf("expected expired entries pruned on Put, len=%d", got)
	}
}

func TestMemoryDedupCacheEmptyKey(t *testing.T) {
	cache := NewMemoryDedupCache()
	if err := cache.Put(context.Background(), "", "x", time.Minute); err == nil {
		t.Fatalf("expected error for empty key")
	}
}
