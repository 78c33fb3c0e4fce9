package messaging

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/terminal-bench/multisigledger/pkg/circuit"
	"github.com/terminal-bench/multisigledger/shared/events"
)

// Bus publishes JSON payloads. *Client implements it.
type Bus interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

var _ Bus = (*Client)(nil)

// Publisher forwards committed ledger events to the bus. Calls go through
// a circuit breaker so an unreachable broker does not slow down dispatch.
type Publisher struct {
	bus     Bus
	breaker *circuit.Breaker
	prefix  string
	logger  *zap.Logger
}

// NewPublisher creates a publisher that publishes on "<prefix>.<event type>".
func NewPublisher(bus Bus, breaker *circuit.Breaker, prefix string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{bus: bus, breaker: breaker, prefix: prefix, logger: logger.With(zap.String("component", "publisher"))}
}

// Emit publishes ev.
func (p *Publisher) Emit(ctx context.Context, ev events.Event) error {
	subject := events.Subject(p.prefix, ev)
	err := p.breaker.Execute(ctx, func() error {
		return p.bus.Publish(ctx, subject, ev)
	})
	if err != nil {
		p.logger.Warn("event not published",
			zap.String("subject", subject),
			zap.String("event_id", ev.ID.String()),
			zap.Error(err),
		)
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
