package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/wolfeidau/ssoportal/internal/models"
	"github.com/wolfeidau/ssoportal/internal/store"
)

// SessionStore implements store.SessionStore with a map. Records vanish on
// restart and are invisible to other instances, so a browser bounced between
// instances loses its session.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session // session_id -> Session
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*models.Session),
	}
}

// Create stores a copy of session, replacing any record with the same ID.
func (s *SessionStore) Create(ctx context.Context, session *models.Session) error {
	if session.SessionID == "" {
		return errors.New("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.SessionID] = cloneSession(session)
	return nil
}

// Get returns a copy of the session. Expired records are evicted on read,
// the way redis drops keys past their TTL.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	session, exists := s.sessions[sessionID]
	s.mu.RUnlock()

	if !exists {
		return nil, store.ErrSessionNotFound
	}

	if session.IsExpired() {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
		return nil, store.ErrSessionExpired
	}

	return cloneSession(session), nil
}

// Delete deletes a session by ID (logout). Deleting an unknown session is not an error.
func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	return nil
}

// Len returns the number of stored records, including expired ones not yet read.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions)
}

// cloneSession copies a session so callers cannot modify stored state.
func cloneSession(session *models.Session) *models.Session {
	clone := *session
	clone.Roles = append([]string{}, session.Roles...)
	return &clone
}
