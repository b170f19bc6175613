package resilience

import (
	"context"

	"go.uber.org/zap"
)

// Caller runs calls to one downstream service with retries inside a
// breaker, so a retried call counts once toward the breaker.
type Caller struct {
	service string
	policy  Policy
	breaker *Breaker
}

// NewCaller creates a Caller for service. State changes are logged.
func NewCaller(service string, policy Policy, breaker BreakerConfig) *Caller {
	if breaker.OnChange == nil {
		breaker.OnChange = func(from, to State) {
			zap.L().Warn("resilience: breaker state changed",
				zap.String("service", service),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}
	}
	return &Caller{service: service, policy: policy, breaker: NewBreaker(breaker)}
}

// Do runs fn for operation. It fails fast with ErrCircuitOpen while the
// breaker is open.
func (c *Caller) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if err := c.breaker.Allow(); err != nil {
		zap.L().Debug("resilience: call rejected",
			zap.String("service", c.service), zap.String("operation", operation))
		return err
	}
	err := Retry(ctx, c.policy, IsTransient, func(attempt int, err error) {
		zap.L().Warn("resilience: retrying",
			zap.String("service", c.service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}, fn)
	c.breaker.Record(err)
	return err
}

// State reports the breaker state.
func (c *Caller) State() State {
	return c.breaker.State()
}
