package mailer

import (
	"context"

	"go.uber.org/zap"

	"github.com/novabuild/bidalert/internal/circuitbreaker"
)

// ProtectedSender wraps a Sender with a circuit breaker so a failing
// email provider sheds load fast instead of stalling every worker on
// timeouts.
type ProtectedSender struct {
	inner   Sender
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps sender with the given breaker.
func NewProtectedSender(inner Sender, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{inner: inner, breaker: breaker, logger: logger}
}

// SendBatch delivers through the inner sender when the circuit allows
// it, recording the outcome.
func (p *ProtectedSender) SendBatch(ctx context.Context, emails []Email) error {
	if !p.breaker.Allow() {
		p.logger.Warn("email circuit open, dropping batch",
			zap.Int("batch_size", len(emails)),
		)
		return circuitbreaker.ErrCircuitOpen
	}

	if err := p.inner.SendBatch(ctx, emails); err != nil {
		p.breaker.RecordFailure()
		return err
	}
	p.breaker.RecordSuccess()
	return nil
}

// Breaker exposes the underlying breaker for stats endpoints.
func (p *ProtectedSender) Breaker() *circuitbreaker.CircuitBreaker {
	return p.breaker
}
