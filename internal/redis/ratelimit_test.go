package redis

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	client, cleanup := setupTestClient(t)
	defer cleanup()

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  5,
		Window: time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "test-key")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	result, err := limiter.Allow(ctx, "test-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatal("request over limit should be blocked")
	}
	if result.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", result.Remaining)
	}
}

func TestRateLimiter_SeparateKeys(t *testing.T) {
	client, cleanup := setupTestClient(t)
	defer cleanup()

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  2,
		Window: time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := limiter.Allow(ctx, "key-a"); err != nil {
			t.Fatalf("allow failed: %v", err)
		}
	}

	result, err := limiter.Allow(ctx, "key-b")
	if err != nil {
		t.Fatalf("allow failed: %v", err)
	}
	if !result.Allowed {
		t.Fatal("key-b should have its own window")
	}
}
