package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

const (
	breakerConsecutiveFailures = 5
	breakerOpenTimeout         = 30 * time.Second
)

// BreakerPublisher stops publishing to a failing broker for a while so
// workers do not each wait out the publish timeout.
type BreakerPublisher struct {
	next    Publisher
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerPublisher(next Publisher, logger zerolog.Logger) *BreakerPublisher {
	logger = logger.With().Str("component", "publish_breaker").Logger()
	return &BreakerPublisher{
		next: next,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "outcome-publisher",
			MaxRequests: 1,
			Timeout:     breakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerConsecutiveFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			},
		}),
	}
}

func (p *BreakerPublisher) Publish(ctx context.Context, routingKey string, payload any) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.next.Publish(ctx, routingKey, payload)
	})
	return err
}

func (p *BreakerPublisher) State() gobreaker.State {
	return p.breaker.State()
}
