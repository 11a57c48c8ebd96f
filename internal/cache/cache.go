// Package cache is a read-through Redis cache for the per-carrier data
// the evaluation path reads on every job: preferences, favorites, and
// active triggers. Each kind has its own TTL tuned to how quickly stale
// reads become visible to carriers. Redis failures fall through to the
// underlying store so a cache outage degrades latency, not correctness.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/novabuild/bidalert/internal/domain"
)

// TTLs per cached kind. Preferences change rarely; triggers change
// often enough that a minute of staleness is the most we tolerate.
const (
	PreferencesTTL = 5 * time.Minute
	FavoritesTTL   = 3 * time.Minute
	TriggersTTL    = time.Minute
)

// Source loads carrier data on cache misses.
type Source interface {
	GetPreferences(ctx context.Context, carrierID string) (*domain.Preferences, error)
	ListFavorites(ctx context.Context, carrierID string) ([]domain.Favorite, error)
	ListActiveTriggers(ctx context.Context, carrierID string) ([]domain.Trigger, error)
}

// Cache serves carrier data from Redis, falling back to the source.
type Cache struct {
	rdb    *redis.Client
	source Source
	logger *zap.Logger
}

// New creates a cache over the given Redis client and source.
func New(rdb *redis.Client, source Source, logger *zap.Logger) *Cache {
	return &Cache{rdb: rdb, source: source, logger: logger}
}

func prefsKey(carrierID string) string     { return fmt.Sprintf("prefs:%s", carrierID) }
func favoritesKey(carrierID string) string { return fmt.Sprintf("favorites:%s", carrierID) }
func triggersKey(carrierID string) string  { return fmt.Sprintf("triggers:%s", carrierID) }

// Preferences returns the carrier's notification preferences.
func (c *Cache) Preferences(ctx context.Context, carrierID string) (*domain.Preferences, error) {
	key := prefsKey(carrierID)

	var cached domain.Preferences
	if ok := c.lookup(ctx, key, &cached); ok {
		return &cached, nil
	}

	prefs, err := c.source.GetPreferences(ctx, carrierID)
	if err != nil {
		return nil, err
	}
	c.fill(ctx, key, prefs, PreferencesTTL)
	return prefs, nil
}

// Favorites returns the carrier's favorited loads.
func (c *Cache) Favorites(ctx context.Context, carrierID string) ([]domain.Favorite, error) {
	key := favoritesKey(carrierID)

	var cached []domain.Favorite
	if ok := c.lookup(ctx, key, &cached); ok {
		return cached, nil
	}

	favorites, err := c.source.ListFavorites(ctx, carrierID)
	if err != nil {
		return nil, err
	}
	c.fill(ctx, key, favorites, FavoritesTTL)
	return favorites, nil
}

// ActiveTriggers returns the carrier's enabled triggers.
func (c *Cache) ActiveTriggers(ctx context.Context, carrierID string) ([]domain.Trigger, error) {
	key := triggersKey(carrierID)

	var cached []domain.Trigger
	if ok := c.lookup(ctx, key, &cached); ok {
		return cached, nil
	}

	triggers, err := c.source.ListActiveTriggers(ctx, carrierID)
	if err != nil {
		return nil, err
	}
	c.fill(ctx, key, triggers, TriggersTTL)
	return triggers, nil
}

// InvalidatePreferences drops the cached preferences after an update.
func (c *Cache) InvalidatePreferences(ctx context.Context, carrierID string) error {
	return c.invalidate(ctx, prefsKey(carrierID))
}

// InvalidateFavorites drops the cached favorites list.
func (c *Cache) InvalidateFavorites(ctx context.Context, carrierID string) error {
	return c.invalidate(ctx, favoritesKey(carrierID))
}

// InvalidateTriggers drops the cached trigger list.
func (c *Cache) InvalidateTriggers(ctx context.Context, carrierID string) error {
	return c.invalidate(ctx, triggersKey(carrierID))
}

func (c *Cache) invalidate(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache invalidate %s: %w", key, err)
	}
	return nil
}

// lookup reads and decodes a cached value. Any Redis or decode error is
// treated as a miss.
func (c *Cache) lookup(ctx context.Context, key string, dest any) bool {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		c.logger.Warn("cache read failed, falling through",
			zap.String("key", key), zap.Error(err))
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Warn("cache entry corrupt, falling through",
			zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// fill stores a loaded value best-effort; failures only cost the next
// read a trip to the source.
func (c *Cache) fill(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}
