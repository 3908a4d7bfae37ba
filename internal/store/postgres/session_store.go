package postgres

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/ssoportal/internal/models"
	"github.com/wolfeidau/ssoportal/internal/store"
)

// SessionStore implements store.SessionStore using PostgreSQL.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore creates a new PostgreSQL-backed session store.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{
		pool: pool,
	}
}

// Create creates a new session in the database.
func (s *SessionStore) Create(ctx context.Context, session *models.Session) error {
	sessionID, err := uuid.Parse(session.SessionID)
	if err != nil {
		return fmt.Errorf("invalid session id: %w", err)
	}

	query := `
		INSERT INTO sessions (
			session_id, user_id, username, display_name, email, roles,
			access_token, id_token, created_at, expires_at,
			user_agent, ip_address
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
	`

	// Unparseable or empty client addresses are stored as NULL
	var ipAddress *netip.Addr
	if addr, err := netip.ParseAddr(session.IPAddress); err == nil {
		ipAddress = &addr
	}

	roles := session.Roles
	if roles == nil {
		roles = []string{}
	}

	_, err = s.pool.Exec(ctx, query,
		sessionID,
		session.UserID,
		session.Username,
		session.DisplayName,
		session.Email,
		roles,
		session.AccessToken,
		session.IDToken,
		session.CreatedAt,
		session.ExpiresAt,
		session.UserAgent,
		ipAddress,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("session_id", session.SessionID).
		Str("user_id", session.UserID).
		Msg("Created session")

	return nil
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, store.ErrSessionNotFound
	}

	query := `
		SELECT
			session_id, user_id, username, display_name, email, roles,
			access_token, id_token, created_at, expires_at,
			user_agent, ip_address
		FROM sessions
		WHERE session_id = $1
	`

	var (
		session   models.Session
		storedID  uuid.UUID
		ipAddress *netip.Addr
	)
	err = s.pool.QueryRow(ctx, query, id).Scan(
		&storedID,
		&session.UserID,
		&session.Username,
		&session.DisplayName,
		&session.Email,
		&session.Roles,
		&session.AccessToken,
		&session.IDToken,
		&session.CreatedAt,
		&session.ExpiresAt,
		&session.UserAgent,
		&ipAddress,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", mapPostgresError(err))
	}

	session.SessionID = storedID.String()
	if ipAddress != nil {
		session.IPAddress = ipAddress.String()
	}

	if session.IsExpired() {
		return nil, store.ErrSessionExpired
	}

	return &session, nil
}

// Delete deletes a session by ID (logout). Deleting an unknown session is not an error.
func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return nil
	}

	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("session_id", sessionID).
		Msg("Deleted session")

	return nil
}
