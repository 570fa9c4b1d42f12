package corrstore

import (
	"context"
	"testing"
	"time"
)

func TestMemoryPutGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Put(ctx, "ABC123", "hash1", time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	hash, ok, err := m.Get(ctx, "ABC123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || hash != "hash1" {
		t.Fatalf("get = (%q, %v), want (hash1, true)", hash, ok)
	}
}

func TestMemoryGetMissing(t *testing.T) {
	m := NewMemory()
	_, ok, err := m.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing queue id")
	}
}

func TestMemoryExpiryAndPrune(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.Put(ctx, "EXPIRED", "hash1", -time.Second); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.Put(ctx, "LIVE", "hash2", time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	if _, ok, _ := m.Get(ctx, "EXPIRED"); ok {
		t.Fatal("expired entry should not be returned by Get")
	}

	removed, err := m.Prune(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("prune removed = %d, want 1", removed)
	}

	if _, ok, _ := m.Get(ctx, "LIVE"); !ok {
		t.Fatal("live entry should survive prune")
	}
}
