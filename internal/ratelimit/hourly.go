// Package ratelimit enforces per-carrier hourly notification ceilings.
//
// Every carrier shares one hourly counter; the ceiling it is compared
// against scales with the carrier's tier and with the match type of the
// notification being sent. Urgent match types get more headroom, so a
// carrier who has exhausted the budget for routine matches can still
// receive an exact-route or deadline alert.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/novabuild/bidalert/internal/domain"
)

// BaseHourlyLimit is the standard-tier ceiling before multipliers.
const BaseHourlyLimit = 20

const counterWindow = time.Hour

// incrScript atomically compares the counter against the ceiling and
// increments only when headroom remains. Doing both in one script keeps
// concurrent workers from racing past the limit.
var incrScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if current >= limit then
	return {0, current}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
end
return {1, current}
`)

// Decision reports the outcome of a rate limit check.
type Decision struct {
	Allowed bool
	Count   int // counter value after the check
	Limit   int // effective ceiling applied
}

// HourlyLimiter caps how many notifications a carrier receives per hour.
type HourlyLimiter struct {
	rdb    *redis.Client
	logger *zap.Logger
	base   int
}

// NewHourlyLimiter creates a limiter with the given base ceiling. A base
// of 0 falls back to BaseHourlyLimit.
func NewHourlyLimiter(rdb *redis.Client, logger *zap.Logger, base int) *HourlyLimiter {
	if base <= 0 {
		base = BaseHourlyLimit
	}
	return &HourlyLimiter{rdb: rdb, logger: logger, base: base}
}

// EffectiveLimit returns the ceiling for one carrier tier and match type.
func (l *HourlyLimiter) EffectiveLimit(tier domain.Tier, mt domain.MatchType) int {
	limit := int(math.Floor(float64(l.base) * tier.Multiplier() * typeMultiplier(mt)))
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Allow consumes one notification slot for the carrier if the effective
// ceiling permits it. The counter is shared across match types; only the
// ceiling varies.
func (l *HourlyLimiter) Allow(ctx context.Context, carrierID string, tier domain.Tier, mt domain.MatchType) (Decision, error) {
	limit := l.EffectiveLimit(tier, mt)
	key := fmt.Sprintf("notifylimit:%s", carrierID)

	res, err := incrScript.Run(ctx, l.rdb, []string{key},
		limit, int(counterWindow.Seconds())).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit script returned %d values", len(res))
	}

	d := Decision{Allowed: res[0] == 1, Count: int(res[1]), Limit: limit}
	if !d.Allowed {
		l.logger.Debug("notification rate limit hit",
			zap.String("carrier_id", carrierID),
			zap.String("tier", string(tier)),
			zap.String("match_type", string(mt)),
			zap.Int("count", d.Count),
			zap.Int("limit", d.Limit),
		)
	}
	return d, nil
}

// Usage reports the current counter value without consuming a slot.
func (l *HourlyLimiter) Usage(ctx context.Context, carrierID string) (int, error) {
	key := fmt.Sprintf("notifylimit:%s", carrierID)
	n, err := l.rdb.Get(ctx, key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rate limit read failed: %w", err)
	}
	return n, nil
}

// typeMultiplier scales the ceiling by how time-sensitive a match type
// is. Exact routes and expiring deadlines get double headroom, state
// matches half again, everything else the base.
func typeMultiplier(mt domain.MatchType) float64 {
	switch mt {
	case domain.MatchExact, domain.MatchDeadlineApproaching:
		return 2.0
	case domain.MatchState:
		return 1.5
	default:
		return 1.0
	}
}
