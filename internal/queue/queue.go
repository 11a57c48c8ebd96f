// Package queue is a Redis-backed, two-lane job queue for notification
// evaluation work. Each incoming bid fans out to one job per matched
// carrier; jobs land in the urgent lane when any of their triggers is
// time-sensitive and in the normal lane otherwise. Retries use delayed
// re-enqueue with exponential backoff, and jobs that exhaust their
// attempts go to a per-lane dead letter list for inspection. Claimed
// jobs carry a visibility window: a job orphaned by a worker crash goes
// back to the ready set once the window elapses, so delivery is
// at-least-once and the idempotency layer absorbs the re-run.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/novabuild/bidalert/internal/domain"
)

// Lane names double as Redis key prefixes.
type Lane string

const (
	LaneNormal Lane = "notifications"
	LaneUrgent Lane = "urgent-notifications"
)

// Policy is the per-lane processing contract.
type Policy struct {
	Concurrency int
	RatePerSec  int
	MaxAttempts int
	BackoffBase time.Duration
}

// LanePolicy returns the processing contract for a lane. The urgent lane
// trades throughput for lower latency and more retries.
func LanePolicy(lane Lane) Policy {
	if lane == LaneUrgent {
		return Policy{Concurrency: 5, RatePerSec: 50, MaxAttempts: 5, BackoffBase: time.Second}
	}
	return Policy{Concurrency: 10, RatePerSec: 100, MaxAttempts: 3, BackoffBase: 2 * time.Second}
}

// ErrDuplicateJob indicates a job for the same carrier and bid was
// enqueued moments ago and is still in flight.
var ErrDuplicateJob = errors.New("job already enqueued for carrier and bid")

// dedupTTL guards against the same bid event fanning out twice in quick
// succession, without blocking later re-dispatches.
const dedupTTL = time.Minute

// stallTimeout is how long a claimed job may sit in the active set
// before it is presumed orphaned and returned to the ready set. It must
// comfortably exceed the longest legitimate job run.
const stallTimeout = 5 * time.Minute

// completedRetention bounds how long finished job payloads stay around
// for inspection before housekeeping prunes them.
const completedRetention = time.Hour

// Job is one unit of evaluation work: all of a carrier's candidate
// triggers against one bid. Trigger snapshots ride along so the worker
// does not depend on the trigger store being reachable.
type Job struct {
	ID        string           `json:"id"`
	Lane      Lane             `json:"lane"`
	CarrierID string           `json:"carrier_id"`
	BidNumber string           `json:"bid_number"`
	Triggers  []domain.Trigger `json:"triggers"`

	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Stats is a point-in-time snapshot of one lane.
type Stats struct {
	Lane      Lane  `json:"lane"`
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dead      int64 `json:"dead"`
}

// claimScript returns stalled active jobs to the ready set, promotes
// due delayed jobs, then claims the oldest ready job by moving it into
// the active set scored by claim time. One script so two workers never
// claim the same job.
var claimScript = redis.NewScript(`
local stalled = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[2], 'LIMIT', 0, 100)
for _, id in ipairs(stalled) do
	redis.call('ZADD', KEYS[1], ARGV[1], id)
	redis.call('ZREM', KEYS[3], id)
end
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
	redis.call('ZADD', KEYS[1], ARGV[1], id)
	redis.call('ZREM', KEYS[2], id)
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
redis.call('ZREM', KEYS[1], ids[1])
redis.call('ZADD', KEYS[3], ARGV[1], ids[1])
return ids[1]
`)

// Queue coordinates both lanes over a shared Redis client.
type Queue struct {
	rdb    *redis.Client
	logger *zap.Logger

	// now is swapped out in tests to drive the delayed set.
	now func() time.Time
}

// New creates a queue over the given Redis client.
func New(rdb *redis.Client, logger *zap.Logger) *Queue {
	return &Queue{rdb: rdb, logger: logger, now: time.Now}
}

func readyKey(l Lane) string   { return fmt.Sprintf("queue:%s:ready", l) }
func delayedKey(l Lane) string { return fmt.Sprintf("queue:%s:delayed", l) }
func activeKey(l Lane) string  { return fmt.Sprintf("queue:%s:active", l) }
func deadKey(l Lane) string    { return fmt.Sprintf("queue:%s:dead", l) }

// finishedKey indexes completed job IDs by completion time so
// housekeeping can prune them once the retention window passes.
func finishedKey(l Lane) string { return fmt.Sprintf("queue:%s:finished", l) }
func jobKey(l Lane, id string) string {
	return fmt.Sprintf("queue:%s:job:%s", l, id)
}
func counterKey(l Lane, outcome string) string {
	return fmt.Sprintf("queue:%s:%s", l, outcome)
}
func dedupKey(carrierID, bidNumber string) string {
	return fmt.Sprintf("queue:dedup:%s:%s", carrierID, bidNumber)
}

// SelectLane routes a job by the most urgent trigger it carries.
func SelectLane(triggers []domain.Trigger) Lane {
	for _, t := range triggers {
		if t.Type.Urgent() {
			return LaneUrgent
		}
	}
	return LaneNormal
}

// Enqueue adds a job to its lane. The job's ID, lane, and enqueue time
// are assigned here; callers set carrier, bid, and trigger snapshots.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.Lane == "" {
		job.Lane = SelectLane(job.Triggers)
	}
	now := q.now()
	if job.ID == "" {
		job.ID = fmt.Sprintf("%s-%s-%d", job.CarrierID, job.BidNumber, now.UnixMilli())
	}
	job.EnqueuedAt = now

	ok, err := q.rdb.SetNX(ctx, dedupKey(job.CarrierID, job.BidNumber), job.ID, dedupTTL).Result()
	if err != nil {
		return fmt.Errorf("enqueue dedup check failed: %w", err)
	}
	if !ok {
		return ErrDuplicateJob
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(job.Lane, job.ID), data, 24*time.Hour)
	pipe.ZAdd(ctx, readyKey(job.Lane), redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		// The guard must not outlive a job that never landed.
		q.rdb.Del(ctx, dedupKey(job.CarrierID, job.BidNumber))
		return fmt.Errorf("enqueue failed: %w", err)
	}

	q.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("lane", string(job.Lane)),
		zap.String("bid_number", job.BidNumber),
	)
	return nil
}

// Claim takes the oldest due job from the lane, returning stalled
// active jobs and promoting delayed jobs first. Returns (nil, nil) when
// the lane is empty.
func (q *Queue) Claim(ctx context.Context, lane Lane) (*Job, error) {
	now := q.now()
	res, err := claimScript.Run(ctx, q.rdb,
		[]string{readyKey(lane), delayedKey(lane), activeKey(lane)},
		now.UnixMilli(),
		now.Add(-stallTimeout).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim script failed: %w", err)
	}

	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("claim script returned %T", res)
	}

	data, err := q.rdb.Get(ctx, jobKey(lane, id)).Bytes()
	if err == redis.Nil {
		// Payload expired under the ready entry; drop the orphan.
		q.rdb.ZRem(ctx, activeKey(lane), id)
		q.logger.Warn("claimed job has no payload", zap.String("job_id", id))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job payload: %w", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// Complete retires a finished job and releases its dedup guard. The
// payload stays readable for the retention window; housekeeping prunes
// the finished index.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, activeKey(job.Lane), job.ID)
	pipe.Expire(ctx, jobKey(job.Lane, job.ID), completedRetention)
	pipe.ZAdd(ctx, finishedKey(job.Lane), redis.Z{
		Score:  float64(q.now().UnixMilli()),
		Member: job.ID,
	})
	pipe.Del(ctx, dedupKey(job.CarrierID, job.BidNumber))
	pipe.Incr(ctx, counterKey(job.Lane, "completed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete failed: %w", err)
	}
	return nil
}

// Fail records a failed attempt. The job is re-enqueued into the delayed
// set with exponential backoff until its lane's attempt budget runs out,
// then moved to the dead letter list.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) error {
	policy := LanePolicy(job.Lane)
	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}

	if job.Attempts >= policy.MaxAttempts {
		return q.bury(ctx, job)
	}

	backoff := policy.BackoffBase << (job.Attempts - 1)
	readyAt := q.now().Add(backoff)

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, activeKey(job.Lane), job.ID)
	pipe.Set(ctx, jobKey(job.Lane, job.ID), data, 24*time.Hour)
	pipe.ZAdd(ctx, delayedKey(job.Lane), redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail requeue failed: %w", err)
	}

	q.logger.Warn("job attempt failed, retrying",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts),
		zap.Duration("backoff", backoff),
		zap.Error(cause),
	)
	return nil
}

func (q *Queue) bury(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, activeKey(job.Lane), job.ID)
	pipe.Del(ctx, jobKey(job.Lane, job.ID))
	pipe.Del(ctx, dedupKey(job.CarrierID, job.BidNumber))
	pipe.LPush(ctx, deadKey(job.Lane), data)
	pipe.Incr(ctx, counterKey(job.Lane, "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead letter failed: %w", err)
	}

	q.logger.Error("job exhausted retries",
		zap.String("job_id", job.ID),
		zap.String("lane", string(job.Lane)),
		zap.String("last_error", job.LastError),
	)
	return nil
}

// LaneStats reports a point-in-time snapshot of one lane.
func (q *Queue) LaneStats(ctx context.Context, lane Lane) (*Stats, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, readyKey(lane))
	delayed := pipe.ZCard(ctx, delayedKey(lane))
	active := pipe.ZCard(ctx, activeKey(lane))
	dead := pipe.LLen(ctx, deadKey(lane))
	completed := pipe.Get(ctx, counterKey(lane, "completed"))
	failed := pipe.Get(ctx, counterKey(lane, "failed"))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("stats failed: %w", err)
	}

	s := &Stats{
		Lane:    lane,
		Waiting: waiting.Val(),
		Delayed: delayed.Val(),
		Active:  active.Val(),
		Dead:    dead.Val(),
	}
	s.Completed, _ = completed.Int64()
	s.Failed, _ = failed.Int64()
	return s, nil
}

// DeadLetters returns up to limit buried jobs from a lane, newest first.
func (q *Queue) DeadLetters(ctx context.Context, lane Lane, limit int64) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	raws, err := q.rdb.LRange(ctx, deadKey(lane), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("dead letter read failed: %w", err)
	}

	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.logger.Warn("corrupt dead letter entry", zap.Error(err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Prune trims each lane's dead letter list to the given length and
// drops finished index entries past the retention window.
func (q *Queue) Prune(ctx context.Context, keep int64) error {
	if keep <= 0 {
		keep = 1000
	}
	cutoff := strconv.FormatInt(q.now().Add(-completedRetention).UnixMilli(), 10)
	for _, lane := range []Lane{LaneNormal, LaneUrgent} {
		if err := q.rdb.LTrim(ctx, deadKey(lane), 0, keep-1).Err(); err != nil {
			return fmt.Errorf("prune %s failed: %w", lane, err)
		}
		if err := q.rdb.ZRemRangeByScore(ctx, finishedKey(lane), "-inf", cutoff).Err(); err != nil {
			return fmt.Errorf("prune finished %s failed: %w", lane, err)
		}
	}
	return nil
}
