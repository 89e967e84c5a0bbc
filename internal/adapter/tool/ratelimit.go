package tool

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"dbagent/internal/domain"
	"dbagent/internal/infra/config"
)

// newLimiter builds the token bucket shared by all invocations. Returns nil
// when rate limiting is disabled.
func newLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	if cfg.RequestsPerMin <= 0 {
		return nil
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerMin)/60.0, burst)
}

// waitLimiter blocks until the limiter admits one call. A wait that cannot
// finish before the context deadline is reported as a transport failure.
func waitLimiter(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w: %v", domain.ErrTransport, domain.ErrRateLimit, err)
	}
	return nil
}
