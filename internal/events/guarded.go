package events

import (
	"context"

	"github.com/renecastillotv/clic-ledger/internal/circuitbreaker"
)

// GuardedPublisher drops events while the broker keeps failing instead of
// paying a publish timeout on every committed write.
type GuardedPublisher struct {
	next    Publisher
	breaker *circuitbreaker.Breaker
	key     string
}

// NewGuardedPublisher wraps next with breaker under key.
func NewGuardedPublisher(next Publisher, breaker *circuitbreaker.Breaker, key string) *GuardedPublisher {
	return &GuardedPublisher{next: next, breaker: breaker, key: key}
}

// Publish implements Publisher. It returns circuitbreaker.ErrOpen while the
// circuit is open.
func (g *GuardedPublisher) Publish(ctx context.Context, e Event) error {
	return g.breaker.Do(g.key, func() error {
		return g.next.Publish(ctx, e)
	})
}

var _ Publisher = (*GuardedPublisher)(nil)
