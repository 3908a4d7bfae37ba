package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/ssoportal/internal/models"
	"github.com/wolfeidau/ssoportal/internal/store"
)

// DefaultMarkerPrefix namespaces logout markers, e.g. logout:<user_id> and logout:*.
const DefaultMarkerPrefix = "logout:"

// InvalidationStore implements store.InvalidationStore on redis keys with expiry.
//
// Every portal instance pointed at the same redis database sees the same markers.
// Against a single primary a completed Mark is visible to the next Lookup; when
// reads are served by replicas, visibility lags by the replication delay.
type InvalidationStore struct {
	client goredis.UniversalClient
	prefix string
}

// NewInvalidationStore creates a redis-backed invalidation store. An empty prefix
// selects DefaultMarkerPrefix.
func NewInvalidationStore(client goredis.UniversalClient, prefix string) *InvalidationStore {
	if prefix == "" {
		prefix = DefaultMarkerPrefix
	}
	return &InvalidationStore{
		client: client,
		prefix: prefix,
	}
}

func (s *InvalidationStore) key(subject string) string {
	return s.prefix + subject
}

// Mark sets the marker key with the given expiry, replacing any previous TTL.
func (s *InvalidationStore) Mark(ctx context.Context, subject string, ttl time.Duration) error {
	if err := store.ValidateMark(subject, ttl); err != nil {
		return err
	}

	if err := s.client.Set(ctx, s.key(subject), "1", ttl).Err(); err != nil {
		return wrapRedisError(err, "failed to mark subject")
	}

	log.Debug().Str("subject", subject).Dur("ttl", ttl).Msg("Marked subject logged out")
	return nil
}

// Lookup checks the subject and wildcard keys in one pipelined round trip.
func (s *InvalidationStore) Lookup(ctx context.Context, subject string) (models.MarkerMatch, error) {
	if subject == "" {
		return models.MatchNone, store.ErrEmptySubject
	}

	pipe := s.client.Pipeline()
	subjectCmd := pipe.Exists(ctx, s.key(subject))
	wildcardCmd := pipe.Exists(ctx, s.key(models.WildcardSubject))
	if _, err := pipe.Exec(ctx); err != nil {
		return models.MatchNone, wrapRedisError(err, "failed to look up markers")
	}

	switch {
	case subjectCmd.Val() > 0:
		return models.MatchSubject, nil
	case wildcardCmd.Val() > 0:
		return models.MatchWildcard, nil
	default:
		return models.MatchNone, nil
	}
}

// Clear deletes the marker key for exactly subject.
func (s *InvalidationStore) Clear(ctx context.Context, subject string) error {
	if subject == "" {
		return store.ErrEmptySubject
	}

	if err := s.client.Del(ctx, s.key(subject)).Err(); err != nil {
		return wrapRedisError(err, "failed to clear subject")
	}

	log.Debug().Str("subject", subject).Msg("Cleared logout marker")
	return nil
}

// Ping checks connectivity to redis.
func (s *InvalidationStore) Ping(ctx context.Context) error {
	return wrapRedisError(s.client.Ping(ctx).Err(), "redis ping failed")
}
