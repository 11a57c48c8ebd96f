package mailer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeSender struct {
	mu      sync.Mutex
	batches [][]Email
	err     error
}

func (f *fakeSender) SendBatch(_ context.Context, emails []Email) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	batch := make([]Email, len(emails))
	copy(batch, emails)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeSender) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, len(f.batches))
	for i, b := range f.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func TestBatchQueue_FlushesOnSize(t *testing.T) {
	sender := &fakeSender{}
	q := NewBatchQueue(sender, zap.NewNop(), 100, time.Hour)
	defer q.Shutdown(context.Background())

	for i := 0; i < 250; i++ {
		q.Add(Email{To: fmt.Sprintf("carrier%d@example.com", i), Subject: "Exact Match Available", Body: "x"})
	}
	q.Shutdown(context.Background())

	sizes := sender.batchSizes()
	if len(sizes) != 3 {
		t.Fatalf("got %d batches %v, want 3", len(sizes), sizes)
	}
	if sizes[0] != 100 || sizes[1] != 100 || sizes[2] != 50 {
		t.Errorf("batch sizes = %v, want [100 100 50]", sizes)
	}
}

func TestBatchQueue_FlushesOnInterval(t *testing.T) {
	sender := &fakeSender{}
	q := NewBatchQueue(sender, zap.NewNop(), 100, 20*time.Millisecond)
	defer q.Shutdown(context.Background())

	q.Add(Email{To: "carrier@example.com", Subject: "Similar Load Found", Body: "x"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sender.batchSizes()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	sizes := sender.batchSizes()
	if len(sizes) != 1 || sizes[0] != 1 {
		t.Fatalf("batch sizes = %v, want [1]", sizes)
	}
	if q.Pending() != 0 {
		t.Errorf("pending = %d after interval flush, want 0", q.Pending())
	}
}

func TestBatchQueue_ShutdownDrains(t *testing.T) {
	sender := &fakeSender{}
	q := NewBatchQueue(sender, zap.NewNop(), 100, time.Hour)

	for i := 0; i < 7; i++ {
		q.Add(Email{To: fmt.Sprintf("c%d@example.com", i), Subject: "s", Body: "b"})
	}
	q.Shutdown(context.Background())

	sizes := sender.batchSizes()
	if len(sizes) != 1 || sizes[0] != 7 {
		t.Errorf("batch sizes = %v, want [7]", sizes)
	}
}

func TestBatchQueue_FailedBatchIsDropped(t *testing.T) {
	sender := &fakeSender{err: errors.New("provider down")}
	q := NewBatchQueue(sender, zap.NewNop(), 2, time.Hour)
	defer q.Shutdown(context.Background())

	q.Add(Email{To: "a@example.com", Subject: "s", Body: "b"})
	q.Add(Email{To: "b@example.com", Subject: "s", Body: "b"})

	if q.Pending() != 0 {
		t.Errorf("pending = %d, want 0: failed batches are not requeued", q.Pending())
	}
}

func TestBatchQueue_ShutdownIsIdempotent(t *testing.T) {
	sender := &fakeSender{}
	q := NewBatchQueue(sender, zap.NewNop(), 10, time.Hour)

	q.Add(Email{To: "a@example.com", Subject: "s", Body: "b"})
	q.Shutdown(context.Background())
	q.Shutdown(context.Background())

	sizes := sender.batchSizes()
	if len(sizes) != 1 {
		t.Errorf("got %d batches, want 1", len(sizes))
	}
}
