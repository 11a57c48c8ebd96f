// Package sweep runs the periodic scans that do not ride on bid events:
// deadline warnings for favorited bids that are about to close, favorite
// availability reminders, and housekeeping over expired bids and queue
// metadata.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/novabuild/bidalert/internal/domain"
	"github.com/novabuild/bidalert/internal/metrics"
	"github.com/novabuild/bidalert/internal/queue"
)

// BidStore is the subset of the repository the sweeps read and write.
type BidStore interface {
	ListClosingBids(ctx context.Context, now time.Time, horizon time.Duration) ([]domain.Bid, error)
	ListCarriersFavoriting(ctx context.Context, bidNumber string) ([]string, error)
	ArchiveExpiredBids(ctx context.Context, now time.Time) (int64, error)
}

// TriggerSource serves each carrier's active triggers.
type TriggerSource interface {
	ActiveTriggers(ctx context.Context, carrierID string) ([]domain.Trigger, error)
}

// JobQueue accepts evaluation jobs and housekeeping calls.
type JobQueue interface {
	Enqueue(ctx context.Context, job *queue.Job) error
	Prune(ctx context.Context, keep int64) error
}

// Sweeper wraps robfig/cron and schedules the three scans.
type Sweeper struct {
	cron     *cron.Cron
	store    BidStore
	triggers TriggerSource
	jobs     JobQueue
	logger   *zap.Logger

	// deadlineHorizon bounds how far ahead the deadline scan looks. It
	// should cover the largest warning threshold carriers configure.
	deadlineHorizon time.Duration

	now func() time.Time
}

// New creates a Sweeper over the given dependencies.
func New(store BidStore, triggers TriggerSource, jobs JobQueue, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		cron:            cron.New(cron.WithLogger(cron.DiscardLogger)),
		store:           store,
		triggers:        triggers,
		jobs:            jobs,
		logger:          logger,
		deadlineHorizon: 10 * time.Minute,
		now:             time.Now,
	}
}

// Start registers the scans and starts the scheduler.
func (s *Sweeper) Start(ctx context.Context) error {
	specs := []struct {
		spec string
		run  func(context.Context)
	}{
		{"@every 1m", s.deadlineSweep},
		{"@every 5m", s.favoriteSweep},
		{"@every 1h", s.housekeeping},
	}
	for _, job := range specs {
		run := job.run
		if _, err := s.cron.AddFunc(job.spec, func() { run(ctx) }); err != nil {
			return fmt.Errorf("cron.AddFunc: %w", err)
		}
	}

	s.cron.Start()
	s.logger.Info("sweeps scheduled")
	return nil
}

// Stop shuts the scheduler down and waits for running sweeps.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("sweeps stopped")
}

// deadlineSweep finds bids closing within the horizon and enqueues
// urgent jobs for carriers holding deadline triggers on them.
func (s *Sweeper) deadlineSweep(ctx context.Context) {
	now := s.now()
	bids, err := s.store.ListClosingBids(ctx, now, s.deadlineHorizon)
	if err != nil {
		s.logger.Error("deadline sweep: closing bid scan failed", zap.Error(err))
		return
	}

	enqueued := 0
	for i := range bids {
		enqueued += s.fanOut(ctx, &bids[i], domain.TriggerDeadlineApproaching)
	}
	if enqueued > 0 {
		s.logger.Info("deadline sweep enqueued jobs",
			zap.Int("bids", len(bids)),
			zap.Int("jobs", enqueued),
		)
	}
}

// favoriteSweep covers every open bid, reminding carriers whose
// favorite_available triggers reference it. The bid window caps how far
// ahead any open bid can expire, so one horizon covers them all.
func (s *Sweeper) favoriteSweep(ctx context.Context) {
	now := s.now()
	bids, err := s.store.ListClosingBids(ctx, now, domain.BidWindow)
	if err != nil {
		s.logger.Error("favorite sweep: open bid scan failed", zap.Error(err))
		return
	}

	enqueued := 0
	for i := range bids {
		enqueued += s.fanOut(ctx, &bids[i], domain.TriggerFavoriteAvailable)
	}
	if enqueued > 0 {
		s.logger.Info("favorite sweep enqueued jobs",
			zap.Int("bids", len(bids)),
			zap.Int("jobs", enqueued),
		)
	}
}

// fanOut enqueues one job per carrier favoriting the bid that holds an
// active trigger of the wanted type. The queue's dedup guard and the
// cooldown ledger keep repeated sweeps quiet.
func (s *Sweeper) fanOut(ctx context.Context, bid *domain.Bid, wanted domain.TriggerType) int {
	carrierIDs, err := s.store.ListCarriersFavoriting(ctx, bid.BidNumber)
	if err != nil {
		s.logger.Warn("favoriting carrier lookup failed",
			zap.String("bid_number", bid.BidNumber),
			zap.Error(err),
		)
		return 0
	}

	enqueued := 0
	for _, carrierID := range carrierIDs {
		triggers, err := s.triggers.ActiveTriggers(ctx, carrierID)
		if err != nil {
			s.logger.Warn("trigger lookup failed, skipping carrier",
				zap.String("carrier_id", carrierID),
				zap.Error(err),
			)
			continue
		}

		var matched []domain.Trigger
		for _, t := range triggers {
			if t.Active && t.Type == wanted {
				matched = append(matched, t)
			}
		}
		if len(matched) == 0 {
			continue
		}

		job := &queue.Job{
			CarrierID: carrierID,
			BidNumber: bid.BidNumber,
			Triggers:  matched,
		}
		if err := s.jobs.Enqueue(ctx, job); err != nil {
			continue
		}
		metrics.RecordJobEnqueued(string(job.Lane))
		enqueued++
	}
	return enqueued
}

// housekeeping archives expired bids and trims the dead letter lists.
func (s *Sweeper) housekeeping(ctx context.Context) {
	archived, err := s.store.ArchiveExpiredBids(ctx, s.now())
	if err != nil {
		s.logger.Error("bid archival failed", zap.Error(err))
	} else if archived > 0 {
		s.logger.Info("expired bids archived", zap.Int64("count", archived))
	}

	if err := s.jobs.Prune(ctx, 1000); err != nil {
		s.logger.Error("dead letter prune failed", zap.Error(err))
	}
}
