// Package ledger prevents duplicate notifications. A Redis cooldown key
// reserved with SET NX gates each (carrier, trigger, bid, match type)
// tuple for the match type's cooldown window, and every delivery attempt
// is appended to the notification log for auditing.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/novabuild/bidalert/internal/domain"
)

// ErrDuplicate indicates the cooldown for this notification is still
// active. Callers treat it as success without sending.
var ErrDuplicate = errors.New("notification cooldown active")

// LogStore persists notification log rows.
type LogStore interface {
	AppendNotificationLog(ctx context.Context, log *domain.NotificationLog) error
}

// Ledger combines the Redis cooldown gate with the durable log.
type Ledger struct {
	rdb    *redis.Client
	store  LogStore
	logger *zap.Logger
}

// New creates a ledger over the given Redis client and log store.
func New(rdb *redis.Client, store LogStore, logger *zap.Logger) *Ledger {
	return &Ledger{rdb: rdb, store: store, logger: logger}
}

func cooldownKey(dedupKey string) string {
	return fmt.Sprintf("cooldown:%s", dedupKey)
}

// Reserve atomically claims the cooldown slot for a notification.
// Returns ErrDuplicate when the slot is already held, which means the
// same notification went out within the match type's cooldown window.
func (l *Ledger) Reserve(ctx context.Context, carrierID string, triggerID int64, bidNumber string, mt domain.MatchType) error {
	key := cooldownKey(domain.DedupKey(carrierID, triggerID, bidNumber, mt))

	set, err := l.rdb.SetNX(ctx, key, time.Now().Unix(), mt.Cooldown()).Result()
	if err != nil {
		return fmt.Errorf("cooldown reserve failed: %w", err)
	}
	if !set {
		l.logger.Debug("duplicate notification suppressed",
			zap.String("carrier_id", carrierID),
			zap.Int64("trigger_id", triggerID),
			zap.String("bid_number", bidNumber),
			zap.String("match_type", string(mt)),
		)
		return ErrDuplicate
	}
	return nil
}

// Release frees a reserved cooldown slot. Called when delivery fails so
// a later evaluation can try again without waiting out the window.
func (l *Ledger) Release(ctx context.Context, carrierID string, triggerID int64, bidNumber string, mt domain.MatchType) error {
	key := cooldownKey(domain.DedupKey(carrierID, triggerID, bidNumber, mt))
	if err := l.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cooldown release failed: %w", err)
	}
	return nil
}

// OnCooldown reports whether the slot is currently held, without
// claiming it.
func (l *Ledger) OnCooldown(ctx context.Context, carrierID string, triggerID int64, bidNumber string, mt domain.MatchType) (bool, error) {
	key := cooldownKey(domain.DedupKey(carrierID, triggerID, bidNumber, mt))
	n, err := l.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cooldown check failed: %w", err)
	}
	return n > 0, nil
}

// Record appends the outcome of a delivery attempt to the durable log.
func (l *Ledger) Record(ctx context.Context, log *domain.NotificationLog) error {
	if log.SentAt.IsZero() {
		log.SentAt = time.Now().UTC()
	}
	if err := l.store.AppendNotificationLog(ctx, log); err != nil {
		return fmt.Errorf("notification log append failed: %w", err)
	}
	return nil
}
