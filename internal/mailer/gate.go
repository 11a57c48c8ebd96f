package mailer

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultSpacing is the minimum interval between any two emails across
// the whole fleet.
const DefaultSpacing = 500 * time.Millisecond

const gateKey = "email:last_sent"

// RateGate serializes email sends across all worker processes. The gate
// fails open: if Redis is unreachable the send proceeds, since a missed
// spacing interval is cheaper than a dropped notification.
type RateGate struct {
	rdb     *redis.Client
	logger  *zap.Logger
	spacing time.Duration
}

// NewRateGate creates a gate with the given spacing. Zero spacing uses
// DefaultSpacing.
func NewRateGate(rdb *redis.Client, logger *zap.Logger, spacing time.Duration) *RateGate {
	if spacing <= 0 {
		spacing = DefaultSpacing
	}
	return &RateGate{rdb: rdb, logger: logger, spacing: spacing}
}

// Wait blocks until this process may send the next email. Returns early
// only on context cancellation.
func (g *RateGate) Wait(ctx context.Context) error {
	for {
		ok, err := g.rdb.SetNX(ctx, gateKey, 1, g.spacing).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			g.logger.Warn("email rate gate unavailable, sending anyway", zap.Error(err))
			return nil
		}
		if ok {
			return nil
		}

		wait, err := g.rdb.PTTL(ctx, gateKey).Result()
		if err != nil || wait <= 0 {
			wait = g.spacing
		}
		if wait > g.spacing {
			wait = g.spacing
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
