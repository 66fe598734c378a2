package retry

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// StormLimiter caps how fast the executor re-issues attempts to a given
// provider across every concurrent request sharing it, independent of any
// single request's own backoff schedule. It exists so a provider outage
// that makes every in-flight request retry simultaneously doesn't turn
// into a self-inflicted request storm against that provider the moment it
// recovers.
type StormLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewStormLimiter returns a limiter allowing up to r retry attempts per
// second (with burst headroom) for each distinct provider name, each
// provider getting its own independent token bucket created lazily on
// first use.
func NewStormLimiter(r rate.Limit, burst int) *StormLimiter {
	return &StormLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

func (s *StormLimiter) limiterFor(provider string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[provider]
	if !ok {
		l = rate.NewLimiter(s.rate, s.burst)
		s.limiters[provider] = l
	}
	return l
}

// Wait blocks until provider's bucket has a token to spend, or ctx is
// canceled first.
func (s *StormLimiter) Wait(ctx context.Context, provider string) error {
	return s.limiterFor(provider).Wait(ctx)
}
