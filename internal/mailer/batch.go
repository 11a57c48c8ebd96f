package mailer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/novabuild/bidalert/internal/metrics"
)

// Batch queue defaults.
const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 2 * time.Second
)

// BatchQueue accumulates emails and hands them to the sender in chunks.
// A flush happens when the buffer reaches the batch size or when the
// flush interval elapses, whichever comes first. Failed batches are
// logged and dropped; the notification log already recorded the attempt
// and re-sending a stale bid alert minutes later helps nobody.
type BatchQueue struct {
	sender   Sender
	logger   *zap.Logger
	size     int
	interval time.Duration

	mu      sync.Mutex
	pending []Email

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewBatchQueue creates a queue and starts its flush loop. Zero size or
// interval fall back to the defaults.
func NewBatchQueue(sender Sender, logger *zap.Logger, size int, interval time.Duration) *BatchQueue {
	if size <= 0 {
		size = DefaultBatchSize
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	b := &BatchQueue{
		sender:   sender,
		logger:   logger,
		size:     size,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go b.loop()
	return b
}

// Add queues an email. When the buffer reaches the batch size it is
// flushed on the caller's goroutine.
func (b *BatchQueue) Add(email Email) {
	b.mu.Lock()
	b.pending = append(b.pending, email)
	full := len(b.pending) >= b.size
	b.mu.Unlock()

	if full {
		b.Flush(context.Background())
	}
}

// Flush sends everything currently buffered, in chunks of the batch
// size.
func (b *BatchQueue) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	for start := 0; start < len(batch); start += b.size {
		end := start + b.size
		if end > len(batch) {
			end = len(batch)
		}
		chunk := batch[start:end]
		if err := b.sender.SendBatch(ctx, chunk); err != nil {
			metrics.RecordEmailBatchFailure()
			b.logger.Error("email batch send failed",
				zap.Int("batch_size", len(chunk)),
				zap.Error(err),
			)
			continue
		}
		metrics.RecordEmailsSent(len(chunk))
	}
}

// Pending reports how many emails are waiting for the next flush.
func (b *BatchQueue) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Shutdown stops the flush loop and drains the buffer.
func (b *BatchQueue) Shutdown(ctx context.Context) {
	b.once.Do(func() {
		close(b.stop)
		<-b.done
		b.Flush(ctx)
	})
}

func (b *BatchQueue) loop() {
	defer close(b.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Flush(context.Background())
		case <-b.stop:
			return
		}
	}
}
