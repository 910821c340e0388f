package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// exerciseCache runs the shared contract against either implementation.
func exerciseCache(t *testing.T, cache Cache) {
	t.Helper()
	ctx := context.Background()

	ok, err := cache.SetNX(ctx, "app:acme", "one", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first setnx: ok=%v err=%v", ok, err)
	}
	ok, err = cache.SetNX(ctx, "app:acme", "two", time.Minute)
	if err != nil {
		t.Fatalf("second setnx: %v", err)
	}
	if ok {
		t.Fatal("setnx on an existing key must fail")
	}

	if err := cache.Set(ctx, "app:beta", "cfg", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := cache.Get(ctx, "app:beta")
	if err != nil || got != "cfg" {
		t.Fatalf("get: %q err=%v", got, err)
	}

	if err := cache.Del(ctx, "app:beta"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := cache.Get(ctx, "app:beta"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil after delete, got %v", err)
	}

	// A deleted key can be claimed again.
	if ok, err := cache.SetNX(ctx, "app:beta", "three", time.Minute); err != nil || !ok {
		t.Fatalf("setnx after del: ok=%v err=%v", ok, err)
	}
}

func TestMemoryCacheContract(t *testing.T) {
	exerciseCache(t, NewMemoryCache())
}

func TestRedisCacheContract(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	exerciseCache(t, &RedisCache{client: client})
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if err := c.Set(ctx, "k", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, err := c.Get(ctx, "k"); err != nil || got != "v" {
		t.Fatalf("get before expiry: %q err=%v", got, err)
	}

	time.Sleep(15 * time.Millisecond)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil after ttl, got %v", err)
	}
}

func TestNewCacheFallsBackToMemory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	if cache := NewCache(ctx, nil); cache == nil {
		t.Fatal("expected a cache")
	} else if _, ok := cache.(*MemoryCache); !ok {
		t.Fatalf("expected MemoryCache for a nil client, got %T", cache)
	}

	dead := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
	})
	defer dead.Close()
	if cache := NewCache(ctx, dead); cache == nil {
		t.Fatal("expected a cache")
	} else if _, ok := cache.(*MemoryCache); !ok {
		t.Fatalf("expected MemoryCache when the ping fails, got %T", cache)
	}
}

func TestNewCacheUsesRedisWhenAvailable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cache := NewCache(context.Background(), client)
	if _, ok := cache.(*RedisCache); !ok {
		t.Fatalf("expected RedisCache, got %T", cache)
	}
}
