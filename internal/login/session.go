package login

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	portalhttp "github.com/wolfeidau/ssoportal/internal/http"
	"github.com/wolfeidau/ssoportal/internal/models"
	"github.com/wolfeidau/ssoportal/internal/store"
)

const (
	// SessionCookieName is the cookie carrying the signed session ID.
	SessionCookieName = "session"

	minSecretLength = 32
)

var ErrInvalidSession = errors.New("invalid session")

// SessionManager binds server-side session records to browsers. The cookie
// only carries the session ID and its HMAC; everything else stays in the store.
type SessionManager struct {
	sessions store.SessionStore
	secret   []byte
	ttl      time.Duration
	secure   bool
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithInsecureCookies drops the Secure attribute so plain HTTP works in development.
func WithInsecureCookies() SessionOption {
	return func(m *SessionManager) {
		m.secure = false
	}
}

// WithSessionTTL shortens the session lifetime. Values above
// models.MaxSessionLifetime are capped.
func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(m *SessionManager) {
		if ttl > 0 && ttl < models.MaxSessionLifetime {
			m.ttl = ttl
		}
	}
}

// NewSessionManager creates a session manager signing cookies with secret.
func NewSessionManager(sessions store.SessionStore, secret []byte, opts ...SessionOption) (*SessionManager, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("session secret must be at least %d bytes", minSecretLength)
	}

	m := &SessionManager{
		sessions: sessions,
		secret:   secret,
		ttl:      models.MaxSessionLifetime,
		secure:   true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Load returns the session for the request. A request without a session
// cookie yields nil and no error.
func (m *SessionManager) Load(r *http.Request) (*models.Session, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return nil, nil
	}

	sessionID, err := m.verify(cookie.Value)
	if err != nil {
		return nil, err
	}

	sess, err := m.sessions.Get(r.Context(), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	return sess, nil
}

// Create stores sess and sets the session cookie. It assigns the session ID
// and lifetime and records audit metadata from the request. A session the
// request already carries is deleted.
func (m *SessionManager) Create(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *models.Session) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate session id: %w", err)
	}

	now := time.Now()
	sess.SessionID = id.String()
	sess.CreatedAt = now
	sess.ExpiresAt = now.Add(m.ttl)
	sess.UserAgent = r.UserAgent()
	sess.IPAddress = portalhttp.ClientIP(r)
	if sess.Roles == nil {
		sess.Roles = []string{}
	}

	if err := m.sessions.Create(ctx, sess); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}

	http.SetCookie(w, m.cookie(m.sign(sess.SessionID), int(m.ttl.Seconds())))

	log.Debug().
		Str("session_id", sess.SessionID).
		Str("user_id", sess.UserID).
		Msg("Session created")

	m.dropReplaced(ctx, r)

	return nil
}

// dropReplaced deletes the record named by the request's existing cookie, if
// any. The new cookie already supersedes it, so a failed delete only leaves
// the old record to expire.
func (m *SessionManager) dropReplaced(ctx context.Context, r *http.Request) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return
	}

	oldID, err := m.verify(cookie.Value)
	if err != nil {
		return
	}

	if err := m.sessions.Delete(ctx, oldID); err != nil {
		log.Warn().Err(err).Str("session_id", oldID).Msg("Failed to delete replaced session")
		return
	}

	log.Debug().Str("session_id", oldID).Msg("Replaced session deleted")
}

// Clear deletes the server-side record, if the cookie names one, and expires
// the cookie.
func (m *SessionManager) Clear(w http.ResponseWriter, r *http.Request) error {
	http.SetCookie(w, m.cookie("", -1))

	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return nil
	}

	sessionID, err := m.verify(cookie.Value)
	if err != nil {
		return nil
	}

	if err := m.sessions.Delete(r.Context(), sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	log.Debug().Str("session_id", sessionID).Msg("Session cleared")
	return nil
}

func (m *SessionManager) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// sign returns "<id>.<base64url(HMAC-SHA256(id))>".
func (m *SessionManager) sign(sessionID string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(sessionID))
	return sessionID + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (m *SessionManager) verify(value string) (string, error) {
	sessionID, sig, ok := strings.Cut(value, ".")
	if !ok || sessionID == "" {
		log.Debug().Msg("Invalid session cookie format")
		return "", ErrInvalidSession
	}

	receivedSig, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		log.Debug().Msg("Invalid session cookie signature encoding")
		return "", ErrInvalidSession
	}

	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(sessionID))
	if !hmac.Equal(receivedSig, mac.Sum(nil)) {
		log.Debug().Msg("Session cookie HMAC signature validation failed")
		return "", ErrInvalidSession
	}

	return sessionID, nil
}
