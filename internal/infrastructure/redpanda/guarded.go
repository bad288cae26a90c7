package redpanda

import (
	"context"
	"fmt"

	"github.com/drfirst/go-regimen/pkg/circuitbreaker"
)

// Publisher sends one record to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

var _ Publisher = (*Producer)(nil)

// GuardedPublisher routes every publish through the circuit breaker named after its topic,
// so an unreachable topic fails fast instead of stalling the caller.
type GuardedPublisher struct {
	next     Publisher
	breakers *circuitbreaker.Manager
}

func NewGuardedPublisher(next Publisher, breakers *circuitbreaker.Manager) *GuardedPublisher {
	return &GuardedPublisher{next: next, breakers: breakers}
}

func (g *GuardedPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	cb, err := g.breakers.GetOrCreate(topic)
	if err != nil {
		return fmt.Errorf("circuit breaker for %s: %w", topic, err)
	}
	return cb.Execute(ctx, func(ctx context.Context) error {
		return g.next.Publish(ctx, topic, key, value)
	})
}
