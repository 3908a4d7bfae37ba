package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/wolfeidau/ssoportal/internal/models"
	"github.com/wolfeidau/ssoportal/internal/store"
)

// DefaultSessionPrefix namespaces session records.
const DefaultSessionPrefix = "admin:"

// SessionStore implements store.SessionStore with JSON records that redis expires
// at the end of the session's absolute lifetime.
type SessionStore struct {
	client goredis.UniversalClient
	prefix string
}

// NewSessionStore creates a redis-backed session store. An empty prefix selects
// DefaultSessionPrefix.
func NewSessionStore(client goredis.UniversalClient, prefix string) *SessionStore {
	if prefix == "" {
		prefix = DefaultSessionPrefix
	}
	return &SessionStore{
		client: client,
		prefix: prefix,
	}
}

func (s *SessionStore) key(sessionID string) string {
	return s.prefix + sessionID
}

// Create stores the session until its ExpiresAt.
func (s *SessionStore) Create(ctx context.Context, session *models.Session) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return store.ErrSessionExpired
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := s.client.Set(ctx, s.key(session.SessionID), data, ttl).Err(); err != nil {
		return wrapRedisError(err, "failed to create session")
	}
	return nil
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	raw, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, store.ErrSessionNotFound
		}
		return nil, wrapRedisError(err, "failed to get session")
	}

	var session models.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	if session.IsExpired() {
		return nil, store.ErrSessionExpired
	}

	return &session, nil
}

// Delete removes a session (logout). Deleting an unknown session is not an error.
func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return wrapRedisError(err, "failed to delete session")
	}
	return nil
}
