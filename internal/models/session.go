package models

import (
	"slices"
	"time"
)

// MaxSessionLifetime is the absolute lifetime of a session, enforced server-side
// regardless of what the browser does with the cookie.
const MaxSessionLifetime = 8 * time.Hour

// Session represents a user's authenticated session.
// The session ID is stored in a signed cookie, while all session data lives server-side.
type Session struct {
	SessionID string `json:"session_id"` // UUIDv7 - this is the only value stored in the cookie

	// Identity snapshot taken from the identity provider at login.
	UserID      string   `json:"user_id"`
	Username    string   `json:"username,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles"`

	AccessToken string `json:"access_token,omitempty"`
	IDToken     string `json:"id_token,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// Optional audit metadata
	UserAgent string `json:"user_agent,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
}

// IsAuthenticated reports whether the session carries an identity. A session
// without a user ID is never treated as authenticated.
func (s *Session) IsAuthenticated() bool {
	return s != nil && s.UserID != ""
}

// IsExpired returns true if the session has expired.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// HasAnyRole returns true if the session holds at least one of the given roles.
func (s *Session) HasAnyRole(roles ...string) bool {
	if s == nil {
		return false
	}
	for _, role := range roles {
		if slices.Contains(s.Roles, role) {
			return true
		}
	}
	return false
}

// State returns the lifecycle state implied by the session record.
func (s *Session) State() SessionState {
	if s.IsAuthenticated() && !s.IsExpired() {
		return StateAuthenticated
	}
	return StateAnonymous
}

// SessionState is a step in the lifecycle of a browser session:
// Anonymous -> Authenticating -> Authenticated -> LoggedOut -> Anonymous.
type SessionState string

const (
	StateAnonymous      SessionState = "anonymous"
	StateAuthenticating SessionState = "authenticating"
	StateAuthenticated  SessionState = "authenticated"
	StateLoggedOut      SessionState = "logged_out"
)
