package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/autoscouter/autoscouter/internal/delivery"
)

// ProtectedSender wraps a delivery sender with a CircuitBreaker. When
// the downstream channel (SES, SNS) starts failing, the circuit opens
// and sends fail fast instead of piling up in long retries.
type ProtectedSender struct {
	sender  delivery.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender delivery.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts a delivery through the circuit breaker. If the circuit
// is open, returns ErrCircuitOpen immediately. Permanent payload errors
// do not count against the breaker; they say nothing about the health
// of the downstream service.
func (p *ProtectedSender) Send(ctx context.Context, out *delivery.Outbound) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("notification_id", out.Notification.ID.String()),
			zap.String("channel", out.Channel),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.sender.Send(ctx, out)
	if err != nil {
		if errors.Is(err, delivery.ErrPermanent) {
			return err
		}
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// SupportsChannel delegates to the underlying sender.
func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}

// Breaker returns the underlying circuit breaker for metrics/monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
