package store

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/ssoportal/internal/models"
)

// Sentinel errors for common error conditions
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionExpired   = errors.New("session expired")
	ErrEmptySubject     = errors.New("marker subject is empty")
	ErrInvalidTTL       = errors.New("marker TTL must be greater than 0")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// InvalidationStore holds logout markers shared by every portal instance.
//
// A marker for a subject means every session carrying that user ID must be
// treated as invalid. The wildcard subject (models.WildcardSubject) invalidates
// every identity. Implementations must be safe for concurrent use and must make
// mutations visible to every process sharing the backend.
type InvalidationStore interface {
	// Mark records that subject is invalidated for ttl. Re-marking resets the TTL.
	Mark(ctx context.Context, subject string, ttl time.Duration) error

	// Lookup reports whether a marker exists for subject or for the wildcard,
	// in a single logical query. A concrete marker wins over the wildcard.
	Lookup(ctx context.Context, subject string) (models.MarkerMatch, error)

	// Clear removes the marker for exactly subject. Clearing a concrete subject
	// never clears the wildcard; that takes an explicit Clear(ctx, models.WildcardSubject).
	Clear(ctx context.Context, subject string) error
}

// IsMarked returns true if a marker exists for subject or the wildcard.
func IsMarked(ctx context.Context, s InvalidationStore, subject string) (bool, error) {
	match, err := s.Lookup(ctx, subject)
	if err != nil {
		return false, err
	}
	return match.Marked(), nil
}

// ValidateMark checks the arguments shared by every Mark implementation.
func ValidateMark(subject string, ttl time.Duration) error {
	if subject == "" {
		return ErrEmptySubject
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}

// SessionStore persists session records server-side, keyed by session ID.
type SessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	// Get returns ErrSessionNotFound for unknown IDs and ErrSessionExpired once
	// the absolute lifetime has passed.
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	Delete(ctx context.Context, sessionID string) error
}

// Pinger is implemented by stores backed by a network service.
type Pinger interface {
	Ping(ctx context.Context) error
}
