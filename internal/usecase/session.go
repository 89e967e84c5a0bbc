package usecase

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"dbagent/internal/domain"
)

// Session is the conversational state of one conversation. The history only
// grows, except through Reset.
type Session struct {
	mu          sync.RWMutex
	ID          string `json:"id"`           // ULID
	ExternalKey string `json:"external_key"` // caller-scoped key (e.g. "cli", a gateway connection)
	msgs        []domain.Message
	thinking    string
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	turn *turnLock
}

// NewSession creates an empty session with a generated ULID.
func NewSession(externalKey string) *Session {
	now := time.Now()
	return &Session{
		ID:          generateULID(now),
		ExternalKey: externalKey,
		msgs:        make([]domain.Message, 0),
		CreatedAt:   now,
		UpdatedAt:   now,
		turn:        newTurnLock(),
	}
}

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Messages returns a copy of the message history.
func (s *Session) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]domain.Message, len(s.msgs))
	copy(cp, s.msgs)
	return cp
}

// Len returns the number of messages in the history.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

// Thinking returns the reasoning text of the last decision, if the engine
// produced any.
func (s *Session) Thinking() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thinking
}

// LastActive returns the time of the last commit or reset.
func (s *Session) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.UpdatedAt
}

func (s *Session) touch() {
	s.mu.Lock()
	s.UpdatedAt = time.Now()
	s.mu.Unlock()
}

// commit appends a turn's messages in a single step.
func (s *Session) commit(msgs []domain.Message, thinking string) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		s.msgs = append(s.msgs, m)
	}
	if thinking != "" {
		s.thinking = thinking
	}
	s.UpdatedAt = now
}

// Reset clears the history and reasoning state. It waits for an in-flight
// turn to finish.
func (s *Session) Reset(ctx context.Context) error {
	unlock, err := s.turn.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = make([]domain.Message, 0)
	s.thinking = ""
	s.UpdatedAt = time.Now()
	return nil
}

// SessionManager owns the live sessions of the process. Sessions are kept
// in memory only.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	bus      domain.EventBus
	logger   *slog.Logger
}

// NewSessionManager creates a session manager. bus may be nil.
func NewSessionManager(bus domain.EventBus, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		bus:      bus,
		logger:   logger,
	}
}

// Create starts a new conversation.
func (sm *SessionManager) Create(ctx context.Context, externalKey string) *Session {
	s := NewSession(externalKey)

	sm.mu.Lock()
	sm.sessions[s.ID] = s
	sm.mu.Unlock()

	sm.logger.Debug("session created", "session_id", s.ID, "external_key", externalKey)
	publishEvent(sm.bus, ctx, domain.EventSessionCreated, s.ID, nil)
	return s
}

// Get returns a live session or ErrSessionNotFound.
func (sm *SessionManager) Get(id string) (*Session, error) {
	sm.mu.RLock()
	s, ok := sm.sessions[id]
	sm.mu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError("SessionManager.Get", domain.ErrSessionNotFound, id)
	}
	return s, nil
}

// Reset clears the history of a live session.
func (sm *SessionManager) Reset(ctx context.Context, id string) error {
	s, err := sm.Get(id)
	if err != nil {
		return err
	}
	if err := s.Reset(ctx); err != nil {
		return domain.WrapOp("SessionManager.Reset", err)
	}
	publishEvent(sm.bus, ctx, domain.EventSessionReset, id, nil)
	return nil
}

// Delete destroys a session. A turn still running on it completes against
// the detached session.
func (sm *SessionManager) Delete(ctx context.Context, id string) error {
	sm.mu.Lock()
	_, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()

	if !ok {
		return domain.NewDomainError("SessionManager.Delete", domain.ErrSessionNotFound, id)
	}
	sm.logger.Debug("session deleted", "session_id", id)
	publishEvent(sm.bus, ctx, domain.EventSessionDeleted, id, nil)
	return nil
}

// List returns all live session IDs, oldest first.
func (sm *SessionManager) List() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	ids := make([]string, 0, len(sm.sessions))
	for id := range sm.sessions {
		ids = append(ids, id)
	}
	// ULIDs sort by creation time.
	sort.Strings(ids)
	return ids
}

// ReapIdle deletes sessions with no activity within maxIdle and returns
// how many were removed. Sessions with a turn in flight are kept.
func (sm *SessionManager) ReapIdle(ctx context.Context, maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	// Collect under read lock, then delete; session locks are never taken
	// while holding the manager lock for writing.
	sm.mu.RLock()
	var idle []string
	for id, s := range sm.sessions {
		if s.LastActive().Before(cutoff) && !s.turn.held() {
			idle = append(idle, id)
		}
	}
	sm.mu.RUnlock()

	reaped := 0
	for _, id := range idle {
		if err := sm.Delete(ctx, id); err == nil {
			reaped++
		}
	}
	return reaped
}
