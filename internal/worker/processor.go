// Package worker consumes evaluation jobs from the queue lanes and runs
// the full notification pipeline: trigger matching, rate limiting,
// dedup, then fan-out to the ledger, the in-app feed, and the email
// batch queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/novabuild/bidalert/internal/domain"
	"github.com/novabuild/bidalert/internal/ledger"
	"github.com/novabuild/bidalert/internal/mailer"
	"github.com/novabuild/bidalert/internal/match"
	"github.com/novabuild/bidalert/internal/metrics"
	"github.com/novabuild/bidalert/internal/queue"
	"github.com/novabuild/bidalert/internal/ratelimit"
)

// CarrierData serves the cached per-carrier state the pipeline reads.
type CarrierData interface {
	Preferences(ctx context.Context, carrierID string) (*domain.Preferences, error)
	Favorites(ctx context.Context, carrierID string) ([]domain.Favorite, error)
}

// Store is the subset of the repository the processor needs.
type Store interface {
	GetBid(ctx context.Context, bidNumber string) (*domain.Bid, error)
	GetBids(ctx context.Context, bidNumbers []string) (map[string]*domain.Bid, error)
	InsertCarrierNotification(ctx context.Context, n *domain.Notification) error
	GetCarrierEmail(ctx context.Context, carrierID string) (string, error)
}

// Deduper guards the per-tuple cooldown windows.
type Deduper interface {
	Reserve(ctx context.Context, carrierID string, triggerID int64, bidNumber string, mt domain.MatchType) error
	Release(ctx context.Context, carrierID string, triggerID int64, bidNumber string, mt domain.MatchType) error
	Record(ctx context.Context, log *domain.NotificationLog) error
}

// Limiter enforces the hourly per-carrier ceiling.
type Limiter interface {
	Allow(ctx context.Context, carrierID string, tier domain.Tier, mt domain.MatchType) (ratelimit.Decision, error)
}

// Mailbox receives rendered emails for batched delivery.
type Mailbox interface {
	Add(email mailer.Email)
}

// Processor evaluates one job: every candidate trigger of one carrier
// against one bid.
type Processor struct {
	data    CarrierData
	store   Store
	limiter Limiter
	dedup   Deduper
	mailbox Mailbox
	logger  *zap.Logger

	now func() time.Time
}

// NewProcessor wires the evaluation pipeline.
func NewProcessor(data CarrierData, store Store, limiter Limiter, dedup Deduper, mailbox Mailbox, logger *zap.Logger) *Processor {
	return &Processor{
		data:    data,
		store:   store,
		limiter: limiter,
		dedup:   dedup,
		mailbox: mailbox,
		logger:  logger,
		now:     time.Now,
	}
}

// Process runs the pipeline for one job. Per-trigger evaluation errors
// are isolated; an error return means the whole job should retry.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	bid, err := p.store.GetBid(ctx, job.BidNumber)
	if err != nil {
		return fmt.Errorf("load bid: %w", err)
	}

	prefs, err := p.data.Preferences(ctx, job.CarrierID)
	if err != nil {
		return fmt.Errorf("load preferences: %w", err)
	}

	favorites, err := p.data.Favorites(ctx, job.CarrierID)
	if err != nil {
		return fmt.Errorf("load favorites: %w", err)
	}
	favPtrs := make([]*domain.Favorite, len(favorites))
	for i := range favorites {
		favPtrs[i] = &favorites[i]
	}

	favoriteBids, err := p.loadFavoriteBids(ctx, job.Triggers, favorites)
	if err != nil {
		return fmt.Errorf("load favorite bids: %w", err)
	}

	in := match.Input{
		Bid:          bid,
		Prefs:        prefs,
		Favorites:    favPtrs,
		FavoriteBids: favoriteBids,
		Now:          p.now(),
	}

	var hardErrs []error
	for i := range job.Triggers {
		trigger := &job.Triggers[i]
		if err := p.processTrigger(ctx, trigger, in, prefs); err != nil {
			hardErrs = append(hardErrs, fmt.Errorf("trigger %d: %w", trigger.ID, err))
		}
	}
	return errors.Join(hardErrs...)
}

// processTrigger evaluates one trigger and delivers its notification.
// Malformed configs and evaluation misses return nil; only infra
// failures that warrant a retry propagate.
func (p *Processor) processTrigger(ctx context.Context, trigger *domain.Trigger, in match.Input, prefs *domain.Preferences) error {
	if trigger.Config == (domain.TriggerConfig{}) {
		cfg, err := domain.DecodeConfig(trigger.Type, trigger.RawConfig)
		if err != nil {
			p.logger.Warn("skipping trigger with bad config",
				zap.Int64("trigger_id", trigger.ID),
				zap.Error(err),
			)
			return nil
		}
		trigger.Config = cfg
	}

	res, err := match.Evaluate(trigger, in)
	if err != nil {
		p.logger.Warn("trigger evaluation failed",
			zap.Int64("trigger_id", trigger.ID),
			zap.Error(err),
		)
		return nil
	}
	if !res.Notify {
		return nil
	}

	mt := string(res.MatchType)

	// Cooldown gate runs first so a deduplicated candidate never
	// consumes hourly quota.
	err = p.dedup.Reserve(ctx, trigger.CarrierID, trigger.ID, in.Bid.BidNumber, res.MatchType)
	if errors.Is(err, ledger.ErrDuplicate) {
		metrics.RecordNotification(mt, "deduplicated")
		return nil
	}
	if err != nil {
		return fmt.Errorf("cooldown reserve: %w", err)
	}

	decision, err := p.limiter.Allow(ctx, trigger.CarrierID, prefs.Tier, res.MatchType)
	if err != nil {
		p.releaseCooldown(ctx, trigger, in.Bid.BidNumber, res.MatchType)
		return fmt.Errorf("rate limit check: %w", err)
	}
	if !decision.Allowed {
		p.releaseCooldown(ctx, trigger, in.Bid.BidNumber, res.MatchType)
		metrics.RecordRateLimitRejection(string(prefs.Tier))
		metrics.RecordNotification(mt, "rate_limited")
		return nil
	}

	notif := p.buildNotification(trigger, res, in.Bid)

	if err := p.deliver(ctx, trigger, notif, prefs); err != nil {
		// Free the cooldown so the retry can send.
		p.releaseCooldown(ctx, trigger, in.Bid.BidNumber, res.MatchType)
		metrics.RecordNotification(mt, "failed")
		return err
	}

	metrics.RecordNotification(mt, "sent")
	return nil
}

func (p *Processor) releaseCooldown(ctx context.Context, trigger *domain.Trigger, bidNumber string, mt domain.MatchType) {
	if err := p.dedup.Release(ctx, trigger.CarrierID, trigger.ID, bidNumber, mt); err != nil {
		p.logger.Warn("cooldown release failed", zap.Error(err))
	}
}

func (p *Processor) buildNotification(trigger *domain.Trigger, res match.Result, bid *domain.Bid) *domain.Notification {
	return &domain.Notification{
		CarrierID:   trigger.CarrierID,
		TriggerID:   trigger.ID,
		BidNumber:   bid.BidNumber,
		MatchType:   res.MatchType,
		Message:     match.BuildMessage(res, bid),
		Origin:      bid.Origin(),
		Destination: bid.Destination(),
		Miles:       bid.DistanceMiles,
		StopCount:   len(bid.Stops),
		PickupAt:    bid.PickupAt,
		DeliveryAt:  bid.DeliveryAt,
		Score:       res.Score,
		Reasons:     res.Reasons,
	}
}

// deliver writes the ledger row, the feed entry, and queues the email.
// The ledger write is the one that must not be lost; the feed insert is
// best effort, and a missing email address downgrades to feed-only.
func (p *Processor) deliver(ctx context.Context, trigger *domain.Trigger, notif *domain.Notification, prefs *domain.Preferences) error {
	logRow := &domain.NotificationLog{
		CarrierID:      notif.CarrierID,
		TriggerID:      notif.TriggerID,
		BidNumber:      notif.BidNumber,
		MatchType:      notif.MatchType,
		Message:        notif.Message,
		SentAt:         p.now().UTC(),
		DeliveryStatus: domain.DeliverySent,
	}
	if err := p.dedup.Record(ctx, logRow); err != nil {
		return err
	}

	if err := p.store.InsertCarrierNotification(ctx, notif); err != nil {
		p.logger.Error("feed insert failed",
			zap.String("carrier_id", notif.CarrierID),
			zap.Error(err),
		)
	}

	if !prefs.EmailNotifications {
		return nil
	}
	email, err := p.store.GetCarrierEmail(ctx, notif.CarrierID)
	if err != nil {
		p.logger.Warn("no delivery address, feed-only notification",
			zap.String("carrier_id", notif.CarrierID),
			zap.Error(err),
		)
		return nil
	}
	p.mailbox.Add(mailer.Email{
		To:      email,
		Subject: notif.Title(),
		Body:    notif.Message,
	})
	return nil
}

// loadFavoriteBids gathers every bid number a trigger or favorite may
// reference and loads their current records in one query.
func (p *Processor) loadFavoriteBids(ctx context.Context, triggers []domain.Trigger, favorites []domain.Favorite) (map[string]*domain.Bid, error) {
	seen := map[string]bool{}
	var numbers []string
	add := func(n string) {
		if n != "" && !seen[n] {
			seen[n] = true
			numbers = append(numbers, n)
		}
	}

	needed := false
	for i := range triggers {
		t := &triggers[i]
		switch t.Type {
		case domain.TriggerFavoriteAvailable:
			needed = true
			cfg, err := domain.DecodeConfig(t.Type, t.RawConfig)
			if err != nil {
				continue
			}
			for _, n := range cfg.FavoriteAvailable.FavoriteBidNumbers {
				add(n)
			}
		case domain.TriggerDeadlineApproaching:
			needed = true
		}
	}
	if !needed {
		return map[string]*domain.Bid{}, nil
	}

	for i := range favorites {
		add(favorites[i].BidNumber)
	}
	return p.store.GetBids(ctx, numbers)
}
