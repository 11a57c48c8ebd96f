package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/novabuild/bidalert/internal/domain"
)

func setupLimiter(t *testing.T, base int) (*HourlyLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewHourlyLimiter(rdb, zap.NewNop(), base), mr
}

func TestEffectiveLimit(t *testing.T) {
	l, _ := setupLimiter(t, 20)

	cases := []struct {
		tier domain.Tier
		mt   domain.MatchType
		want int
	}{
		{domain.TierStandard, domain.MatchSimilarLoad, 20},
		{domain.TierPremium, domain.MatchSimilarLoad, 60},
		{domain.TierNew, domain.MatchSimilarLoad, 10},
		{domain.TierStandard, domain.MatchExact, 40},
		{domain.TierStandard, domain.MatchDeadlineApproaching, 40},
		{domain.TierStandard, domain.MatchState, 30},
		{domain.TierNew, domain.MatchState, 15},
		{domain.TierNew, domain.MatchExact, 20},
	}
	for _, tc := range cases {
		if got := l.EffectiveLimit(tc.tier, tc.mt); got != tc.want {
			t.Errorf("EffectiveLimit(%s, %s) = %d, want %d", tc.tier, tc.mt, got, tc.want)
		}
	}
}

func TestHourlyLimiter_NewTierCeiling(t *testing.T) {
	l, _ := setupLimiter(t, 20)
	ctx := context.Background()

	// New tier on a base-multiplier type gets 10 per hour.
	for i := 0; i < 10; i++ {
		d, err := l.Allow(ctx, "carrier-1", domain.TierNew, domain.MatchSimilarLoad)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("notification %d should be allowed", i+1)
		}
	}

	d, err := l.Allow(ctx, "carrier-1", domain.TierNew, domain.MatchSimilarLoad)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("11th notification should be dropped")
	}
	if d.Count != 10 {
		t.Errorf("count = %d, want 10", d.Count)
	}
}

func TestHourlyLimiter_UrgentHeadroomAfterExhaustion(t *testing.T) {
	l, _ := setupLimiter(t, 20)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := l.Allow(ctx, "carrier-2", domain.TierNew, domain.MatchSimilarLoad); err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
	}

	// Routine matches are exhausted, but the exact-match ceiling is 20.
	d, err := l.Allow(ctx, "carrier-2", domain.TierNew, domain.MatchExact)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Fatal("exact match should still have headroom")
	}
}

func TestHourlyLimiter_SeparateCarriers(t *testing.T) {
	l, _ := setupLimiter(t, 1)
	ctx := context.Background()

	if d, _ := l.Allow(ctx, "carrier-a", domain.TierStandard, domain.MatchSimilarLoad); !d.Allowed {
		t.Fatal("carrier-a first notification should be allowed")
	}
	if d, _ := l.Allow(ctx, "carrier-a", domain.TierStandard, domain.MatchSimilarLoad); d.Allowed {
		t.Fatal("carrier-a second notification should be dropped")
	}
	if d, _ := l.Allow(ctx, "carrier-b", domain.TierStandard, domain.MatchSimilarLoad); !d.Allowed {
		t.Fatal("carrier-b should have its own counter")
	}
}

func TestHourlyLimiter_CounterExpires(t *testing.T) {
	l, mr := setupLimiter(t, 1)
	ctx := context.Background()

	if d, _ := l.Allow(ctx, "carrier-c", domain.TierStandard, domain.MatchSimilarLoad); !d.Allowed {
		t.Fatal("first notification should be allowed")
	}
	if d, _ := l.Allow(ctx, "carrier-c", domain.TierStandard, domain.MatchSimilarLoad); d.Allowed {
		t.Fatal("second notification should be dropped")
	}

	mr.FastForward(counterWindow)

	if d, _ := l.Allow(ctx, "carrier-c", domain.TierStandard, domain.MatchSimilarLoad); !d.Allowed {
		t.Fatal("counter should reset after the window")
	}
}

func TestHourlyLimiter_ConcurrentAllows(t *testing.T) {
	l, _ := setupLimiter(t, 20)
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(ctx, "carrier-d", domain.TierStandard, domain.MatchSimilarLoad)
			if err != nil {
				t.Errorf("allow failed: %v", err)
				return
			}
			if d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 20 {
		t.Errorf("allowed %d notifications concurrently, want exactly 20", got)
	}
}

func TestHourlyLimiter_Usage(t *testing.T) {
	l, _ := setupLimiter(t, 20)
	ctx := context.Background()

	n, err := l.Usage(ctx, "carrier-e")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if n != 0 {
		t.Errorf("fresh carrier usage = %d, want 0", n)
	}

	for i := 0; i < 3; i++ {
		l.Allow(ctx, "carrier-e", domain.TierStandard, domain.MatchSimilarLoad)
	}

	n, err = l.Usage(ctx, "carrier-e")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if n != 3 {
		t.Errorf("usage = %d, want 3", n)
	}
}
