package rendezvous

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	t.Cleanup(func() { client.Close() })
	return New(client), mr
}

func TestCallKey(t *testing.T) {
	if got := CallKey("abc123"); got != "call_abc123" {
		t.Errorf("expected call_abc123, got %q", got)
	}
}

func TestPutGet(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	key := CallKey("abc123")
	if err := store.Put(ctx, key, "apns"); err != nil {
		t.Fatalf("put: %v", err)
	}

	value, ok, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || value != "apns" {
		t.Errorf("expected (apns, true), got (%q, %v)", value, ok)
	}
}

func TestGetMissingKey(t *testing.T) {
	store, _ := testStore(t)

	_, ok, err := store.Get(context.Background(), CallKey("nope"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Error("expected ok=false for a missing key")
	}
}

func TestExists(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	key := CallKey("abc123")
	exists, err := store.Exists(ctx, key)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Error("key should not exist yet")
	}

	if err := store.Put(ctx, key, "gcm"); err != nil {
		t.Fatalf("put: %v", err)
	}
	exists, err = store.Exists(ctx, key)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !exists {
		t.Error("key should exist after put")
	}
}

func TestEntryExpires(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()

	key := CallKey("abc123")
	if err := store.Put(ctx, key, "apns"); err != nil {
		t.Fatalf("put: %v", err)
	}

	if ttl := mr.TTL(key); ttl != DefaultTTL {
		t.Errorf("expected ttl %v, got %v", DefaultTTL, ttl)
	}

	mr.FastForward(DefaultTTL + time.Second)

	_, ok, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Error("entry should have been reaped by its ttl")
	}
}

func TestOverwriteKeepsEntry(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	key := CallKey("abc123")
	if err := store.Put(ctx, key, "apns"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, key, ValueAvailable); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	value, ok, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || value != ValueAvailable {
		t.Errorf("expected (%q, true), got (%q, %v)", ValueAvailable, value, ok)
	}
}

func TestNewClientRejectsEmptyList(t *testing.T) {
	if _, err := NewClient(""); err == nil {
		t.Error("expected an error for an empty server list")
	}
}
