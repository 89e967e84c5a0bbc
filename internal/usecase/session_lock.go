package usecase

import (
	"context"
	"fmt"
)

// turnLock serializes turns on one session. Unlike sync.Mutex, waiting for
// it can be abandoned through the context.
type turnLock struct {
	ch chan struct{}
}

func newTurnLock() *turnLock {
	return &turnLock{ch: make(chan struct{}, 1)}
}

// lock blocks until the lock is held or ctx is done. The returned unlock
// func must be called exactly once.
func (l *turnLock) lock(ctx context.Context) (unlock func(), err error) {
	select {
	case l.ch <- struct{}{}:
		return func() { <-l.ch }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("session lock: %w", ctx.Err())
	}
}

// held reports whether a turn currently owns the lock.
func (l *turnLock) held() bool {
	return len(l.ch) == 1
}
