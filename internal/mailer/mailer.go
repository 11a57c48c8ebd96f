// Package mailer delivers notification emails. Deliveries are batched
// in memory and flushed on size or age, every send is spaced by a
// Redis-coordinated global gate so all workers together respect the
// provider's throughput ceiling, and the provider call sits behind a
// circuit breaker.
package mailer

import "context"

// Email is one rendered notification ready for delivery.
type Email struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Sender delivers a batch of emails. Implementations send sequentially
// and report the first hard failure; a failed batch is not retried.
type Sender interface {
	SendBatch(ctx context.Context, emails []Email) error
}
