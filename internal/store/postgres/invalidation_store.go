package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/ssoportal/internal/models"
	"github.com/wolfeidau/ssoportal/internal/store"
)

// InvalidationStore implements store.InvalidationStore on the logout_markers table.
//
// Expiry is computed from the database clock, so portal instances with skewed
// clocks agree on when a marker lapses. Expired rows stay until they are
// re-marked or cleared; lookups ignore them.
type InvalidationStore struct {
	pool *pgxpool.Pool
}

// NewInvalidationStore creates a new PostgreSQL-backed invalidation store.
func NewInvalidationStore(pool *pgxpool.Pool) *InvalidationStore {
	return &InvalidationStore{
		pool: pool,
	}
}

// Mark upserts the marker, resetting its expiry.
func (s *InvalidationStore) Mark(ctx context.Context, subject string, ttl time.Duration) error {
	if err := store.ValidateMark(subject, ttl); err != nil {
		return err
	}

	query := `
		INSERT INTO logout_markers (subject, expires_at)
		VALUES ($1, now() + make_interval(secs => $2))
		ON CONFLICT (subject) DO UPDATE SET expires_at = EXCLUDED.expires_at
	`

	if _, err := s.pool.Exec(ctx, query, subject, ttl.Seconds()); err != nil {
		return fmt.Errorf("failed to mark subject: %w", mapPostgresError(err))
	}

	log.Debug().Str("subject", subject).Dur("ttl", ttl).Msg("Marked subject logged out")
	return nil
}

// Lookup fetches live markers for the subject and the wildcard in one query.
func (s *InvalidationStore) Lookup(ctx context.Context, subject string) (models.MarkerMatch, error) {
	if subject == "" {
		return models.MatchNone, store.ErrEmptySubject
	}

	query := `
		SELECT subject
		FROM logout_markers
		WHERE subject = ANY($1) AND expires_at > now()
	`

	rows, err := s.pool.Query(ctx, query, []string{subject, models.WildcardSubject})
	if err != nil {
		return models.MatchNone, fmt.Errorf("failed to look up markers: %w", mapPostgresError(err))
	}
	defer rows.Close()

	match := models.MatchNone
	for rows.Next() {
		var found string
		if err := rows.Scan(&found); err != nil {
			return models.MatchNone, fmt.Errorf("failed to scan marker: %w", err)
		}
		if found == subject {
			match = models.MatchSubject
		} else if match == models.MatchNone {
			match = models.MatchWildcard
		}
	}
	if err := rows.Err(); err != nil {
		return models.MatchNone, fmt.Errorf("failed to read markers: %w", mapPostgresError(err))
	}

	return match, nil
}

// Clear deletes the marker row for exactly subject.
func (s *InvalidationStore) Clear(ctx context.Context, subject string) error {
	if subject == "" {
		return store.ErrEmptySubject
	}

	if _, err := s.pool.Exec(ctx, `DELETE FROM logout_markers WHERE subject = $1`, subject); err != nil {
		return fmt.Errorf("failed to clear subject: %w", mapPostgresError(err))
	}

	log.Debug().Str("subject", subject).Msg("Cleared logout marker")
	return nil
}

// Ping checks connectivity to the database.
func (s *InvalidationStore) Ping(ctx context.Context) error {
	return mapPostgresError(s.pool.Ping(ctx))
}
