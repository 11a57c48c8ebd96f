package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/novabuild/bidalert/internal/domain"
)

type countingSource struct {
	prefsCalls    int
	favoriteCalls int
	triggerCalls  int
}

func (s *countingSource) GetPreferences(_ context.Context, carrierID string) (*domain.Preferences, error) {
	s.prefsCalls++
	p := domain.DefaultPreferences(carrierID)
	p.MinMatchScore = 80
	return p, nil
}

func (s *countingSource) ListFavorites(_ context.Context, carrierID string) ([]domain.Favorite, error) {
	s.favoriteCalls++
	return []domain.Favorite{{
		CarrierID: carrierID,
		BidNumber: "BID-7",
		Stops:     []string{"CHICAGO, IL 60601", "DETROIT, MI 48201"},
	}}, nil
}

func (s *countingSource) ListActiveTriggers(_ context.Context, carrierID string) ([]domain.Trigger, error) {
	s.triggerCalls++
	return []domain.Trigger{{
		ID:        11,
		CarrierID: carrierID,
		Type:      domain.TriggerSimilarLoad,
		Active:    true,
	}}, nil
}

func setupCache(t *testing.T) (*Cache, *countingSource, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	src := &countingSource{}
	return New(rdb, src, zap.NewNop()), src, mr
}

func TestPreferences_ReadThrough(t *testing.T) {
	c, src, _ := setupCache(t)
	ctx := context.Background()

	first, err := c.Preferences(ctx, "carrier-1")
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	second, err := c.Preferences(ctx, "carrier-1")
	if err != nil {
		t.Fatalf("second read: %v", err)
	}

	if src.prefsCalls != 1 {
		t.Errorf("source hit %d times, want 1", src.prefsCalls)
	}
	if first.MinMatchScore != second.MinMatchScore {
		t.Errorf("cached preferences differ: %d vs %d", first.MinMatchScore, second.MinMatchScore)
	}
}

func TestPreferences_ExpiryReloads(t *testing.T) {
	c, src, mr := setupCache(t)
	ctx := context.Background()

	if _, err := c.Preferences(ctx, "carrier-1"); err != nil {
		t.Fatalf("read: %v", err)
	}
	mr.FastForward(PreferencesTTL)
	if _, err := c.Preferences(ctx, "carrier-1"); err != nil {
		t.Fatalf("read after expiry: %v", err)
	}

	if src.prefsCalls != 2 {
		t.Errorf("source hit %d times, want 2", src.prefsCalls)
	}
}

func TestFavorites_ReadThrough(t *testing.T) {
	c, src, _ := setupCache(t)
	ctx := context.Background()

	favorites, err := c.Favorites(ctx, "carrier-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(favorites) != 1 || favorites[0].BidNumber != "BID-7" {
		t.Fatalf("unexpected favorites: %+v", favorites)
	}

	if _, err := c.Favorites(ctx, "carrier-1"); err != nil {
		t.Fatalf("second read: %v", err)
	}
	if src.favoriteCalls != 1 {
		t.Errorf("source hit %d times, want 1", src.favoriteCalls)
	}
}

func TestActiveTriggers_ReadThrough(t *testing.T) {
	c, src, _ := setupCache(t)
	ctx := context.Background()

	triggers, err := c.ActiveTriggers(ctx, "carrier-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(triggers) != 1 || triggers[0].Type != domain.TriggerSimilarLoad {
		t.Fatalf("unexpected triggers: %+v", triggers)
	}
	c.ActiveTriggers(ctx, "carrier-1")
	if src.triggerCalls != 1 {
		t.Errorf("source hit %d times, want 1", src.triggerCalls)
	}
}

func TestInvalidatePreferences(t *testing.T) {
	c, src, _ := setupCache(t)
	ctx := context.Background()

	c.Preferences(ctx, "carrier-1")
	if err := c.InvalidatePreferences(ctx, "carrier-1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	c.Preferences(ctx, "carrier-1")

	if src.prefsCalls != 2 {
		t.Errorf("source hit %d times after invalidation, want 2", src.prefsCalls)
	}
}

func TestCorruptEntryFallsThrough(t *testing.T) {
	c, src, mr := setupCache(t)
	ctx := context.Background()

	mr.Set("prefs:carrier-1", "{not json")

	prefs, err := c.Preferences(ctx, "carrier-1")
	if err != nil {
		t.Fatalf("read with corrupt entry: %v", err)
	}
	if prefs == nil || src.prefsCalls != 1 {
		t.Errorf("corrupt entry should fall through to the source")
	}
}

func TestSeparateCarriersSeparateKeys(t *testing.T) {
	c, src, _ := setupCache(t)
	ctx := context.Background()

	c.Preferences(ctx, "carrier-a")
	c.Preferences(ctx, "carrier-b")

	if src.prefsCalls != 2 {
		t.Errorf("source hit %d times, want 2", src.prefsCalls)
	}
}
