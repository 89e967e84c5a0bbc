package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// SessionReaper periodically destroys sessions that have been idle for
// longer than the configured TTL.
type SessionReaper struct {
	sessions *SessionManager
	ttl      time.Duration
	cron     *cron.Cron
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewSessionReaper schedules ReapIdle on schedule, a standard cron
// expression or descriptor such as "@every 5m".
func NewSessionReaper(sessions *SessionManager, ttl time.Duration, schedule string, logger *slog.Logger) (*SessionReaper, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("session reaper: ttl must be positive, got %s", ttl)
	}
	r := &SessionReaper{
		sessions: sessions,
		ttl:      ttl,
		cron:     cron.New(),
		logger:   logger,
	}
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, fmt.Errorf("session reaper: invalid schedule %q: %w", schedule, err)
	}
	return r, nil
}

func (r *SessionReaper) run() {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil {
		return
	}
	r.reap(ctx)
}

func (r *SessionReaper) reap(ctx context.Context) int {
	start := time.Now()
	n := r.sessions.ReapIdle(ctx, r.ttl)
	if n > 0 {
		r.logger.Info("idle sessions reaped", "count", n, "ttl", r.ttl, "duration", time.Since(start))
	}
	return n
}

// Start begins running the schedule.
func (r *SessionReaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.cron.Start()
	r.started = true
}

// Stop halts the schedule and waits for a running reap to finish.
func (r *SessionReaper) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.ctx = nil
	r.started = false
	r.mu.Unlock()

	// A running job takes r.mu, so wait outside of it.
	cancel()
	<-r.cron.Stop().Done()
}
