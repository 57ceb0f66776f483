package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestClient(t *testing.T) (*Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	return client, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestDailyCap_ReserveUpToLimit(t *testing.T) {
	client, cleanup := setupTestClient(t)
	defer cleanup()

	dc := NewDailyCap(client, zap.NewNop())
	ctx := context.Background()
	key := "dailycap:user:user-1:2026-08-30"

	for i := 0; i < 3; i++ {
		ok, err := dc.Reserve(ctx, key, 3)
		if err != nil {
			t.Fatalf("reserve %d failed: %v", i, err)
		}
		if !ok {
			t.Fatalf("reserve %d should be allowed", i)
		}
	}

	ok, err := dc.Reserve(ctx, key, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("fourth reserve should be rejected")
	}

	// The rejected reserve must not consume a slot.
	count, err := client.rdb.Get(ctx, key).Int()
	if err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestDailyCap_SeparateKeys(t *testing.T) {
	client, cleanup := setupTestClient(t)
	defer cleanup()

	dc := NewDailyCap(client, zap.NewNop())
	ctx := context.Background()
	dayA := "dailycap:alert:alert-a:2026-08-30"
	dayB := "dailycap:alert:alert-b:2026-08-30"

	if ok, _ := dc.Reserve(ctx, dayA, 1); !ok {
		t.Fatal("alert-a should be allowed")
	}
	if ok, _ := dc.Reserve(ctx, dayA, 1); ok {
		t.Fatal("alert-a should be at its cap")
	}
	if ok, _ := dc.Reserve(ctx, dayB, 1); !ok {
		t.Fatal("alert-b has its own counter")
	}

	// A new day is a fresh counter.
	if ok, _ := dc.Reserve(ctx, "dailycap:alert:alert-a:2026-08-31", 1); !ok {
		t.Fatal("alert-a should reset on the next day")
	}
}

func TestDailyCap_Release(t *testing.T) {
	client, cleanup := setupTestClient(t)
	defer cleanup()

	dc := NewDailyCap(client, zap.NewNop())
	ctx := context.Background()
	key := "dailycap:user:user-2:2026-08-30"

	if ok, _ := dc.Reserve(ctx, key, 1); !ok {
		t.Fatal("first reserve should be allowed")
	}
	if err := dc.Release(ctx, key); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if ok, _ := dc.Reserve(ctx, key, 1); !ok {
		t.Fatal("reserve after release should be allowed")
	}
}

func TestDailyCap_ZeroLimitMeansUnlimited(t *testing.T) {
	client, cleanup := setupTestClient(t)
	defer cleanup()

	dc := NewDailyCap(client, zap.NewNop())
	ctx := context.Background()
	key := "dailycap:user:user-3:2026-08-30"

	for i := 0; i < 50; i++ {
		ok, err := dc.Reserve(ctx, key, 0)
		if err != nil || !ok {
			t.Fatalf("reserve %d: ok=%v err=%v, want unlimited", i, ok, err)
		}
	}
}

func TestRunLock_MutualExclusion(t *testing.T) {
	client, cleanup := setupTestClient(t)
	defer cleanup()

	lock := NewRunLock(client, zap.NewNop())
	ctx := context.Background()

	ok, err := lock.TryAcquire(ctx, "matching", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !ok {
		t.Fatal("first acquire should succeed")
	}

	ok, err = lock.TryAcquire(ctx, "matching", time.Minute)
	if err != nil {
		t.Fatalf("second acquire errored: %v", err)
	}
	if ok {
		t.Fatal("second acquire should be rejected while held")
	}

	// A different job name is independent.
	if ok, _ := lock.TryAcquire(ctx, "delivery", time.Minute); !ok {
		t.Fatal("unrelated lock should be acquirable")
	}

	if err := lock.Release(ctx, "matching"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if ok, _ := lock.TryAcquire(ctx, "matching", time.Minute); !ok {
		t.Fatal("acquire after release should succeed")
	}
}
