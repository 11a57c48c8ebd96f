package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/novabuild/bidalert/internal/metrics"
	"github.com/novabuild/bidalert/internal/queue"
)

// idlePoll is how long a worker sleeps after finding its lane empty.
const idlePoll = 250 * time.Millisecond

// statsInterval is how often the pool samples lane depths for metrics.
const statsInterval = 15 * time.Second

// Pool runs a fixed set of workers per lane. Each lane gets its own
// concurrency and a shared token bucket capping lane throughput, so a
// burst on the normal lane cannot starve urgent work.
type Pool struct {
	queue     *queue.Queue
	processor *Processor
	logger    *zap.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool wires a pool over the queue and processor.
func NewPool(q *queue.Queue, p *Processor, logger *zap.Logger) *Pool {
	return &Pool{queue: q, processor: p, logger: logger}
}

// Start launches the per-lane worker goroutines. It returns immediately;
// call Stop to drain.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for _, lane := range []queue.Lane{queue.LaneNormal, queue.LaneUrgent} {
		policy := queue.LanePolicy(lane)
		limiter := rate.NewLimiter(rate.Limit(policy.RatePerSec), policy.RatePerSec)
		for i := 0; i < policy.Concurrency; i++ {
			p.wg.Add(1)
			go p.run(ctx, lane, limiter)
		}
		p.logger.Info("lane workers started",
			zap.String("lane", string(lane)),
			zap.Int("concurrency", policy.Concurrency),
			zap.Int("rate_per_sec", policy.RatePerSec),
		)
	}

	p.wg.Add(1)
	go p.sampleStats(ctx)
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, lane queue.Lane, limiter *rate.Limiter) {
	defer p.wg.Done()
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		job, err := p.queue.Claim(ctx, lane)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("claim failed", zap.String("lane", string(lane)), zap.Error(err))
			p.sleep(ctx, idlePoll)
			continue
		}
		if job == nil {
			p.sleep(ctx, idlePoll)
			continue
		}

		p.handle(ctx, lane, job)
	}
}

func (p *Pool) handle(ctx context.Context, lane queue.Lane, job *queue.Job) {
	start := time.Now()
	err := p.processor.Process(ctx, job)
	metrics.RecordJobLatency(string(lane), time.Since(start))

	if err != nil {
		metrics.RecordJobProcessed(string(lane), "failed")
		if failErr := p.queue.Fail(ctx, job, err); failErr != nil {
			p.logger.Error("failed to requeue job",
				zap.String("job_id", job.ID),
				zap.Error(failErr),
			)
		}
		return
	}

	metrics.RecordJobProcessed(string(lane), "completed")
	if err := p.queue.Complete(ctx, job); err != nil {
		p.logger.Error("failed to complete job",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}

func (p *Pool) sampleStats(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, lane := range []queue.Lane{queue.LaneNormal, queue.LaneUrgent} {
				stats, err := p.queue.LaneStats(ctx, lane)
				if err != nil {
					continue
				}
				metrics.SetQueueDepth(string(lane), "waiting", stats.Waiting)
				metrics.SetQueueDepth(string(lane), "delayed", stats.Delayed)
				metrics.SetQueueDepth(string(lane), "active", stats.Active)
				metrics.SetQueueDepth(string(lane), "dead", stats.Dead)
			}
		}
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
