package usecase

import (
	"context"
	"sync"

	"dbagent/internal/domain"
)

// TurnStream is a running turn: an ordered event side channel plus the
// eventual answer. Events are buffered, so the turn never waits on a slow
// or absent reader.
type TurnStream struct {
	mu        sync.Mutex
	cond      *sync.Cond
	events    []domain.TurnEvent
	done      bool
	abandoned bool
	answer    string
	err       error

	resolved  chan struct{}
	abandon   chan struct{}
	out       chan domain.TurnEvent
	pumpOnce  sync.Once
	closeOnce sync.Once
}

func newTurnStream() *TurnStream {
	s := &TurnStream{
		resolved: make(chan struct{}),
		abandon:  make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *TurnStream) push(ev domain.TurnEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *TurnStream) resolve(answer string, err error) {
	s.mu.Lock()
	s.done = true
	s.answer = answer
	s.err = err
	s.mu.Unlock()
	s.cond.Broadcast()
	close(s.resolved)
}

// Events returns the turn's events from the first one on. The channel is
// closed after the last event once the turn has resolved, or after Close.
// Every call returns the same channel.
func (s *TurnStream) Events() <-chan domain.TurnEvent {
	s.pumpOnce.Do(func() {
		s.out = make(chan domain.TurnEvent)
		go s.pump()
	})
	return s.out
}

func (s *TurnStream) pump() {
	defer close(s.out)
	for i := 0; ; i++ {
		s.mu.Lock()
		for i >= len(s.events) && !s.done && !s.abandoned {
			s.cond.Wait()
		}
		if s.abandoned || i >= len(s.events) {
			s.mu.Unlock()
			return
		}
		ev := s.events[i]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.abandon:
			return
		}
	}
}

// Done is closed when the turn has resolved.
func (s *TurnStream) Done() <-chan struct{} {
	return s.resolved
}

// Result waits for the turn's answer. It does not require Events to be
// drained, or called at all.
func (s *TurnStream) Result(ctx context.Context) (string, error) {
	select {
	case <-s.resolved:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.answer, s.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close stops event delivery. It does not cancel the turn; cancel the
// context passed to StartTurn for that.
func (s *TurnStream) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.abandoned = true
		s.mu.Unlock()
		s.cond.Broadcast()
		close(s.abandon)
	})
}
