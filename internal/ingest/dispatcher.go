// Package ingest turns incoming bid events into evaluation jobs. The
// consumer long-polls SQS for bid announcements; the dispatcher narrows
// each bid to plausibly interested carriers and fans out one queue job
// per carrier with that carrier's trigger snapshots attached.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/novabuild/bidalert/internal/domain"
	"github.com/novabuild/bidalert/internal/metrics"
	"github.com/novabuild/bidalert/internal/queue"
)

// BidSource loads bid records for dispatch.
type BidSource interface {
	GetBid(ctx context.Context, bidNumber string) (*domain.Bid, error)
}

// CandidateSource narrows a bid to carriers worth evaluating.
type CandidateSource interface {
	Candidates(ctx context.Context, bid *domain.Bid) ([]string, error)
}

// TriggerSource serves each candidate's active triggers, normally the
// read-through cache.
type TriggerSource interface {
	ActiveTriggers(ctx context.Context, carrierID string) ([]domain.Trigger, error)
}

// Enqueuer accepts evaluation jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

// Dispatcher fans one bid out to per-carrier evaluation jobs.
type Dispatcher struct {
	bids       BidSource
	candidates CandidateSource
	triggers   TriggerSource
	jobs       Enqueuer
	logger     *zap.Logger

	now func() time.Time
}

// NewDispatcher wires the fan-out path.
func NewDispatcher(bids BidSource, candidates CandidateSource, triggers TriggerSource, jobs Enqueuer, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		bids:       bids,
		candidates: candidates,
		triggers:   triggers,
		jobs:       jobs,
		logger:     logger,
		now:        time.Now,
	}
}

// Dispatch loads the bid, narrows it to candidate carriers, and enqueues
// one job per carrier that has active triggers. Returns the number of
// jobs enqueued. Per-carrier failures are logged and skipped; only a
// failure to load the bid or its candidates aborts.
func (d *Dispatcher) Dispatch(ctx context.Context, bidNumber string) (int, error) {
	bid, err := d.bids.GetBid(ctx, bidNumber)
	if err != nil {
		return 0, fmt.Errorf("load bid %s: %w", bidNumber, err)
	}
	if !bid.Active(d.now()) {
		d.logger.Info("skipping inactive bid", zap.String("bid_number", bidNumber))
		return 0, nil
	}

	carrierIDs, err := d.candidates.Candidates(ctx, bid)
	if err != nil {
		return 0, fmt.Errorf("candidates for bid %s: %w", bidNumber, err)
	}

	enqueued := 0
	for _, carrierID := range carrierIDs {
		triggers, err := d.triggers.ActiveTriggers(ctx, carrierID)
		if err != nil {
			d.logger.Warn("trigger lookup failed, skipping carrier",
				zap.String("carrier_id", carrierID),
				zap.Error(err),
			)
			continue
		}

		active := triggers[:0]
		for _, t := range triggers {
			if t.Active {
				active = append(active, t)
			}
		}
		if len(active) == 0 {
			continue
		}

		job := &queue.Job{
			CarrierID: carrierID,
			BidNumber: bid.BidNumber,
			Triggers:  active,
		}
		err = d.jobs.Enqueue(ctx, job)
		if errors.Is(err, queue.ErrDuplicateJob) {
			continue
		}
		if err != nil {
			d.logger.Error("enqueue failed",
				zap.String("carrier_id", carrierID),
				zap.String("bid_number", bid.BidNumber),
				zap.Error(err),
			)
			continue
		}
		metrics.RecordJobEnqueued(string(job.Lane))
		enqueued++
	}

	d.logger.Info("bid dispatched",
		zap.String("bid_number", bid.BidNumber),
		zap.Int("candidates", len(carrierIDs)),
		zap.Int("jobs", enqueued),
	)
	return enqueued, nil
}
