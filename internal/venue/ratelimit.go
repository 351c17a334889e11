package venue

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

const defaultVenueRPS = 5

// RateLimiters hands out one rate.Limiter per venue so concurrent calls to
// the same venue (refresh_real fan-out, retries) share a budget. Limiters
// are created lazily with double-check locking.
type RateLimiters struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      map[string]float64 // configured per-venue rates
}

// NewRateLimiters builds the limiter registry from per-venue RPS config.
// Venues absent from the map get defaultVenueRPS.
func NewRateLimiters(rps map[string]float64) *RateLimiters {
	if rps == nil {
		rps = map[string]float64{}
	}
	return &RateLimiters{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
	}
}

// Wait blocks until the venue's limiter admits one call or ctx is done.
func (r *RateLimiters) Wait(ctx context.Context, venueName string) error {
	return r.limiter(venueName).Wait(ctx)
}

func (r *RateLimiters) limiter(venueName string) *rate.Limiter {
	r.mu.RLock()
	l, ok := r.limiters[venueName]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[venueName]; ok {
		return l
	}
	rps := r.rps[venueName]
	if rps <= 0 {
		rps = defaultVenueRPS
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	l = rate.NewLimiter(rate.Limit(rps), burst)
	r.limiters[venueName] = l
	return l
}
