package tool

import (
	"context"
	"errors"
	"testing"
	"time"

	"dbagent/internal/domain"
	"dbagent/internal/infra/config"
)

func TestNewLimiterDisabled(t *testing.T) {
	if l := newLimiter(config.RateLimitConfig{}); l != nil {
		t.Fatal("zero requests per minute should disable limiting")
	}
	if err := waitLimiter(context.Background(), nil); err != nil {
		t.Fatalf("nil limiter should admit: %v", err)
	}
}

func TestLimiterAllowsBurst(t *testing.T) {
	l := newLimiter(config.RateLimitConfig{RequestsPerMin: 60, BurstSize: 3})
	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	if l.Allow() {
		t.Fatal("fourth call should exceed the burst")
	}
}

func TestLimiterDefaultBurst(t *testing.T) {
	l := newLimiter(config.RateLimitConfig{RequestsPerMin: 1})
	if l.Burst() != 1 {
		t.Errorf("burst = %d, want 1", l.Burst())
	}
}

func TestWaitLimiterDeadline(t *testing.T) {
	l := newLimiter(config.RateLimitConfig{RequestsPerMin: 1, BurstSize: 1})
	l.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := waitLimiter(ctx, l)
	if !errors.Is(err, domain.ErrTransport) || !errors.Is(err, domain.ErrRateLimit) {
		t.Fatalf("expected transport rate limit error, got %v", err)
	}
}

func TestWaitLimiterCanceled(t *testing.T) {
	l := newLimiter(config.RateLimitConfig{RequestsPerMin: 1, BurstSize: 1})
	l.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := waitLimiter(ctx, l)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
