package memory

import (
	"context"
	"fmt"
	"sync"

	"live-quiz-service/internal/codec"
	"live-quiz-service/internal/domain"
)

// SessionStore is an in-process implementation of app.SessionRepository.
// Sessions are kept CBOR-encoded so callers never share memory with the store.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]storedSession
}

type storedSession struct {
	data    []byte
	version uint64
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]storedSession),
	}
}

func (s *SessionStore) Create(_ context.Context, session domain.Session) (uint64, error) {
	data, err := codec.Marshal(session)
	if err != nil {
		return 0, fmt.Errorf("encode session: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return 0, fmt.Errorf("session %s already exists: %w", session.ID, domain.ErrStoreConflict)
	}
	s.sessions[session.ID] = storedSession{data: data, version: 1}
	return 1, nil
}

func (s *SessionStore) Load(_ context.Context, sessionID string) (domain.Session, uint64, error) {
	s.mu.RLock()
	entry, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return domain.Session{}, 0, domain.ErrSessionNotFound
	}
	var session domain.Session
	if err := codec.Unmarshal(entry.data, &session); err != nil {
		return domain.Session{}, 0, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return session, entry.version, nil
}

func (s *SessionStore) Replace(_ context.Context, session domain.Session, version uint64) (uint64, error) {
	data, err := codec.Marshal(session)
	if err != nil {
		return 0, fmt.Errorf("encode session: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[session.ID]
	if !ok {
		return 0, domain.ErrSessionNotFound
	}
	if entry.version != version {
		return 0, domain.ErrStoreConflict
	}
	next := version + 1
	s.sessions[session.ID] = storedSession{data: data, version: next}
	return next, nil
}

func (s *SessionStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// Len reports how many sessions are stored.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
