package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/novabuild/bidalert/internal/domain"
	"github.com/novabuild/bidalert/internal/queue"
)

type fakeBids struct {
	bids map[string]*domain.Bid
}

func (f *fakeBids) GetBid(ctx context.Context, bidNumber string) (*domain.Bid, error) {
	b, ok := f.bids[bidNumber]
	if !ok {
		return nil, errors.New("bid not found")
	}
	return b, nil
}

type fakeCandidates struct {
	carriers []string
	err      error
}

func (f *fakeCandidates) Candidates(ctx context.Context, bid *domain.Bid) ([]string, error) {
	return f.carriers, f.err
}

type fakeTriggers struct {
	byCarrier map[string][]domain.Trigger
}

func (f *fakeTriggers) ActiveTriggers(ctx context.Context, carrierID string) ([]domain.Trigger, error) {
	return f.byCarrier[carrierID], nil
}

func openBid(number string) *domain.Bid {
	return &domain.Bid{
		BidNumber:  number,
		Stops:      []string{"CHICAGO, IL", "DETROIT, MI"},
		ReceivedAt: time.Now().Add(-time.Minute),
	}
}

func exactTrigger(carrierID string) domain.Trigger {
	return domain.Trigger{
		ID:        1,
		CarrierID: carrierID,
		Type:      domain.TriggerExactMatch,
		Active:    true,
		RawConfig: json.RawMessage(`{"favoriteBidNumber": "FAV-1", "favoriteStops": ["CHICAGO, IL", "DETROIT, MI"]}`),
	}
}

func dispatchFixture(t *testing.T, bids *fakeBids, cands *fakeCandidates, trigs *fakeTriggers) (*Dispatcher, *queue.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := queue.New(rdb, zap.NewNop())
	return NewDispatcher(bids, cands, trigs, q, zap.NewNop()), q
}

func TestDispatch_FansOutPerCarrier(t *testing.T) {
	bids := &fakeBids{bids: map[string]*domain.Bid{"BID-9": openBid("BID-9")}}
	cands := &fakeCandidates{carriers: []string{"carrier-1", "carrier-2", "carrier-3"}}
	trigs := &fakeTriggers{byCarrier: map[string][]domain.Trigger{
		"carrier-1": {exactTrigger("carrier-1")},
		"carrier-2": {exactTrigger("carrier-2")},
		// carrier-3 has no triggers and gets no job.
	}}
	d, q := dispatchFixture(t, bids, cands, trigs)

	n, err := d.Dispatch(context.Background(), "BID-9")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n != 2 {
		t.Fatalf("enqueued %d jobs, want 2", n)
	}

	stats, err := q.LaneStats(context.Background(), queue.LaneUrgent)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Waiting != 2 {
		t.Fatalf("urgent lane waiting = %d, want 2", stats.Waiting)
	}
}

func TestDispatch_InactiveTriggersFilteredOut(t *testing.T) {
	inactive := exactTrigger("carrier-1")
	inactive.Active = false
	bids := &fakeBids{bids: map[string]*domain.Bid{"BID-9": openBid("BID-9")}}
	trigs := &fakeTriggers{byCarrier: map[string][]domain.Trigger{"carrier-1": {inactive}}}
	d, _ := dispatchFixture(t, bids, &fakeCandidates{carriers: []string{"carrier-1"}}, trigs)

	n, err := d.Dispatch(context.Background(), "BID-9")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n != 0 {
		t.Fatalf("enqueued %d jobs for a carrier with only inactive triggers", n)
	}
}

func TestDispatch_ExpiredBidSkipped(t *testing.T) {
	stale := openBid("BID-9")
	stale.ReceivedAt = time.Now().Add(-time.Hour)
	bids := &fakeBids{bids: map[string]*domain.Bid{"BID-9": stale}}
	trigs := &fakeTriggers{byCarrier: map[string][]domain.Trigger{"carrier-1": {exactTrigger("carrier-1")}}}
	d, _ := dispatchFixture(t, bids, &fakeCandidates{carriers: []string{"carrier-1"}}, trigs)

	n, err := d.Dispatch(context.Background(), "BID-9")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n != 0 {
		t.Fatal("expired bid must not fan out")
	}
}

func TestDispatch_DuplicateJobNotCounted(t *testing.T) {
	bids := &fakeBids{bids: map[string]*domain.Bid{"BID-9": openBid("BID-9")}}
	trigs := &fakeTriggers{byCarrier: map[string][]domain.Trigger{"carrier-1": {exactTrigger("carrier-1")}}}
	d, _ := dispatchFixture(t, bids, &fakeCandidates{carriers: []string{"carrier-1"}}, trigs)

	if _, err := d.Dispatch(context.Background(), "BID-9"); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	n, err := d.Dispatch(context.Background(), "BID-9")
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if n != 0 {
		t.Fatalf("duplicate dispatch enqueued %d jobs", n)
	}
}

func TestDispatch_CandidateFailurePropagates(t *testing.T) {
	bids := &fakeBids{bids: map[string]*domain.Bid{"BID-9": openBid("BID-9")}}
	d, _ := dispatchFixture(t, bids, &fakeCandidates{err: errors.New("filter down")}, &fakeTriggers{})

	if _, err := d.Dispatch(context.Background(), "BID-9"); err == nil {
		t.Fatal("candidate failure must propagate so the event is redelivered")
	}
}

type fakeSQS struct {
	messages []types.Message
	received int
	deleted  []string
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.received++
	if f.received > 1 {
		// Only the first poll yields messages.
		return &sqs.ReceiveMessageOutput{}, nil
	}
	return &sqs.ReceiveMessageOutput{Messages: f.messages}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestConsumer_DispatchesAndDeletes(t *testing.T) {
	bids := &fakeBids{bids: map[string]*domain.Bid{"BID-9": openBid("BID-9")}}
	trigs := &fakeTriggers{byCarrier: map[string][]domain.Trigger{"carrier-1": {exactTrigger("carrier-1")}}}
	d, _ := dispatchFixture(t, bids, &fakeCandidates{carriers: []string{"carrier-1"}}, trigs)

	api := &fakeSQS{messages: []types.Message{
		{Body: aws.String(`{"bidNumber": "BID-9"}`), ReceiptHandle: aws.String("rh-1")},
		{Body: aws.String(`not json`), ReceiptHandle: aws.String("rh-2")},
	}}
	c := newConsumerWithClient(api, "http://queue.test/bids", d, zap.NewNop())

	if err := c.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	// The valid event dispatches and is deleted; the malformed one is
	// deleted without dispatching.
	if len(api.deleted) != 2 {
		t.Fatalf("deleted %d messages, want 2", len(api.deleted))
	}
}

func TestConsumer_FailedDispatchLeavesMessage(t *testing.T) {
	// Unknown bid makes Dispatch fail.
	d, _ := dispatchFixture(t, &fakeBids{bids: map[string]*domain.Bid{}}, &fakeCandidates{}, &fakeTriggers{})

	api := &fakeSQS{messages: []types.Message{
		{Body: aws.String(`{"bidNumber": "MISSING"}`), ReceiptHandle: aws.String("rh-1")},
	}}
	c := newConsumerWithClient(api, "http://queue.test/bids", d, zap.NewNop())

	if err := c.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(api.deleted) != 0 {
		t.Fatal("failed dispatch must leave the message for redelivery")
	}
}
