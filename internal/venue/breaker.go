package venue

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"basis-engine/internal/runlog"
	"basis-engine/pkg/types"
)

// Breakers wraps every live venue call in a circuit breaker so a venue that
// starts failing hard is backed off instead of hammered. One breaker per
// venue, created lazily.
type Breakers struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	log      *runlog.Logger
}

// NewBreakers builds the breaker registry.
func NewBreakers(log *runlog.Logger) *Breakers {
	return &Breakers{breakers: make(map[string]*gobreaker.CircuitBreaker), log: log}
}

// Do runs fn through the venue's breaker. An open breaker surfaces as a
// retryable VEN-006 error so the execution manager's backoff applies.
func (b *Breakers) Do(venueName string, fn func() (any, error)) (any, error) {
	res, err := b.breaker(venueName).Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, newError(venueName, ClassRetryableRateLimit,
			types.Codedf(types.CodeVenBreakerOpen, "circuit breaker open for %s", venueName))
	}
	return res, err
}

func (b *Breakers) breaker(venueName string) *gobreaker.CircuitBreaker {
	b.mu.RLock()
	cb, ok := b.breakers[venueName]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[venueName]; ok {
		return cb
	}
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        venueName,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if b.log != nil {
				b.log.Warn().
					Str("venue", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("circuit breaker state change")
			}
		},
	})
	b.breakers[venueName] = cb
	return cb
}
