package memory

import (
	"context"
	"sync"
	"time"

	"github.com/wolfeidau/ssoportal/internal/models"
	"github.com/wolfeidau/ssoportal/internal/store"
)

// InvalidationStore implements store.InvalidationStore with a map guarded by a mutex.
//
// Markers only exist inside this process, so this store cannot coordinate a fleet
// of portal instances. Use it for tests and single-instance development.
type InvalidationStore struct {
	mu      sync.RWMutex
	markers map[string]time.Time // subject -> expires_at
	now     func() time.Time
}

// InvalidationOption configures an in-memory invalidation store.
type InvalidationOption func(*InvalidationStore)

// WithClock overrides the time source, used by tests to expire markers.
func WithClock(now func() time.Time) InvalidationOption {
	return func(s *InvalidationStore) {
		s.now = now
	}
}

// NewInvalidationStore creates a new in-memory invalidation store.
func NewInvalidationStore(opts ...InvalidationOption) *InvalidationStore {
	s := &InvalidationStore{
		markers: make(map[string]time.Time),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mark records subject as invalidated until now+ttl.
func (s *InvalidationStore) Mark(ctx context.Context, subject string, ttl time.Duration) error {
	if err := store.ValidateMark(subject, ttl); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.markers[subject] = s.now().Add(ttl)
	return nil
}

// Lookup checks the concrete subject first, then the wildcard.
func (s *InvalidationStore) Lookup(ctx context.Context, subject string) (models.MarkerMatch, error) {
	if subject == "" {
		return models.MatchNone, store.ErrEmptySubject
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	if s.live(subject, now) {
		return models.MatchSubject, nil
	}
	if s.live(models.WildcardSubject, now) {
		return models.MatchWildcard, nil
	}
	return models.MatchNone, nil
}

// Clear removes the marker for exactly subject.
func (s *InvalidationStore) Clear(ctx context.Context, subject string) error {
	if subject == "" {
		return store.ErrEmptySubject
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.markers, subject)
	return nil
}

// live must be called with the lock held.
func (s *InvalidationStore) live(subject string, now time.Time) bool {
	expiresAt, ok := s.markers[subject]
	return ok && now.Before(expiresAt)
}
