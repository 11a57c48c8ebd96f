package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestLimiter(t *testing.T, limit int, window time.Duration) *RateLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	client := NewFromClient(rdb, zap.NewNop())
	return NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  limit,
		Window: window,
	})
}

func TestRateLimiterAllowsWithinLimit(t *testing.T) {
	limiter := newTestLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "carrier:MC-1001")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if result.Remaining != 4-i {
			t.Errorf("request %d: remaining = %d, want %d", i, result.Remaining, 4-i)
		}
	}
}

func TestRateLimiterBlocksOverLimit(t *testing.T) {
	limiter := newTestLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, _ := limiter.Allow(ctx, "carrier:MC-1001")
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	result, err := limiter.Allow(ctx, "carrier:MC-1001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatal("request over the limit should be blocked")
	}
	if result.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", result.Remaining)
	}
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	limiter := newTestLimiter(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		limiter.Allow(ctx, "carrier:MC-1001")
	}

	// A different carrier still has its full allotment.
	result, _ := limiter.Allow(ctx, "carrier:MC-2002")
	if !result.Allowed {
		t.Fatal("second carrier should be allowed")
	}
	if result.Remaining != 1 {
		t.Errorf("remaining = %d, want 1", result.Remaining)
	}
}

func TestRateLimiterAllowN(t *testing.T) {
	limiter := newTestLimiter(t, 10, time.Minute)
	ctx := context.Background()

	result, err := limiter.AllowN(ctx, "ip:10.0.0.8", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Fatal("batch of 5 should be allowed")
	}
	if result.Remaining != 5 {
		t.Errorf("remaining = %d, want 5", result.Remaining)
	}

	result, _ = limiter.AllowN(ctx, "ip:10.0.0.8", 6)
	if result.Allowed {
		t.Fatal("batch of 6 should exceed the remaining allotment")
	}
}
