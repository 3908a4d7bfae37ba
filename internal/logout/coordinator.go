// Package logout turns identity provider logout notifications into invalidation
// markers and clears them again when a user logs back in.
package logout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/ssoportal/internal/auth"
	"github.com/wolfeidau/ssoportal/internal/models"
	"github.com/wolfeidau/ssoportal/internal/store"
	"github.com/wolfeidau/ssoportal/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrLogoutTokenRejected is returned by BackChannel when the token policy
// refuses the notification. No markers are written.
var ErrLogoutTokenRejected = errors.New("logout token rejected")

// TokenPolicy decides how unverified back-channel logout tokens are treated.
type TokenPolicy string

const (
	// TokenPolicyWarn accepts tokens that fail or skip verification and logs a warning.
	TokenPolicyWarn TokenPolicy = "warn"
	// TokenPolicyReject refuses any token that is missing or fails verification.
	TokenPolicyReject TokenPolicy = "reject"
)

// ParseTokenPolicy validates a token policy name from configuration.
func ParseTokenPolicy(s string) (TokenPolicy, error) {
	switch p := TokenPolicy(s); p {
	case TokenPolicyWarn, TokenPolicyReject:
		return p, nil
	case "":
		return TokenPolicyWarn, nil
	default:
		return "", fmt.Errorf("unknown token policy %q (want warn or reject)", s)
	}
}

// BroadcastPolicy decides which markers a back-channel notification writes.
type BroadcastPolicy string

const (
	// BroadcastAll marks the wildcard, logging out every identity.
	BroadcastAll BroadcastPolicy = "all"
	// BroadcastSubject marks only the verified token subject. Unverified tokens
	// and tokens carrying only sid still mark the wildcard.
	BroadcastSubject BroadcastPolicy = "subject"
)

// ParseBroadcastPolicy validates a broadcast policy name from configuration.
func ParseBroadcastPolicy(s string) (BroadcastPolicy, error) {
	switch p := BroadcastPolicy(s); p {
	case BroadcastAll, BroadcastSubject:
		return p, nil
	case "":
		return BroadcastAll, nil
	default:
		return "", fmt.Errorf("unknown broadcast policy %q (want all or subject)", s)
	}
}

// Config configures a Coordinator.
type Config struct {
	MarkerTTL       time.Duration
	TokenPolicy     TokenPolicy
	BroadcastPolicy BroadcastPolicy

	// Verifier checks back-channel logout tokens. Nil means tokens are never verified.
	Verifier auth.LogoutTokenVerifier
}

// Coordinator is the only writer of invalidation markers on the request path.
type Coordinator struct {
	markers   store.InvalidationStore
	markerTTL time.Duration
	tokens    TokenPolicy
	broadcast BroadcastPolicy
	verifier  auth.LogoutTokenVerifier
	metrics   *telemetry.Metrics
}

// NewCoordinator creates a coordinator writing to markers.
func NewCoordinator(markers store.InvalidationStore, cfg Config) *Coordinator {
	if cfg.MarkerTTL <= 0 {
		cfg.MarkerTTL = models.DefaultMarkerTTL
	}
	if cfg.TokenPolicy == "" {
		cfg.TokenPolicy = TokenPolicyWarn
	}
	if cfg.BroadcastPolicy == "" {
		cfg.BroadcastPolicy = BroadcastAll
	}

	return &Coordinator{
		markers:   markers,
		markerTTL: cfg.MarkerTTL,
		tokens:    cfg.TokenPolicy,
		broadcast: cfg.BroadcastPolicy,
		verifier:  cfg.Verifier,
		metrics:   telemetry.GetMetrics(),
	}
}

// FrontChannel marks the session's user as logged out. Sessions without an
// identity have nothing to mark. Clearing the session record is left to the
// caller, which owns the response.
func (c *Coordinator) FrontChannel(ctx context.Context, sess *models.Session) error {
	c.metrics.LogoutEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", "front")))

	if !sess.IsAuthenticated() {
		log.Debug().Msg("Front-channel logout without a session")
		return nil
	}

	if err := c.mark(ctx, sess.UserID); err != nil {
		return err
	}

	log.Info().Str("user_id", sess.UserID).Msg("Front-channel logout")
	return nil
}

// BackChannelResult describes what a back-channel notification did.
type BackChannelResult struct {
	// Verified is true when the token passed the configured verifier.
	Verified bool
	Claims   *auth.LogoutClaims
	// Marked lists the subjects written, in order.
	Marked []string
}

// BackChannel handles an identity provider initiated logout. rawToken is the
// logout_token form value and may be empty; sess is the local session, if any.
func (c *Coordinator) BackChannel(ctx context.Context, rawToken string, sess *models.Session) (BackChannelResult, error) {
	c.metrics.LogoutEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", "back")))

	var result BackChannelResult

	claims, err := c.verify(ctx, rawToken)
	switch {
	case err == nil:
		result.Verified = true
		result.Claims = claims
	case c.tokens == TokenPolicyReject:
		log.Warn().Err(err).Msg("Rejecting back-channel logout")
		return result, fmt.Errorf("%w: %v", ErrLogoutTokenRejected, err)
	default:
		log.Warn().Err(err).Msg("Accepting unverified back-channel logout token")
	}

	subjects := []string{c.broadcastSubject(result)}
	if sess.IsAuthenticated() && sess.UserID != subjects[0] {
		subjects = append(subjects, sess.UserID)
	}

	var errs []error
	for _, subject := range subjects {
		if err := c.mark(ctx, subject); err != nil {
			errs = append(errs, err)
			continue
		}
		result.Marked = append(result.Marked, subject)
	}

	log.Info().
		Bool("verified", result.Verified).
		Strs("marked", result.Marked).
		Msg("Back-channel logout")

	return result, errors.Join(errs...)
}

// LoginCompleted clears the user's marker and then the wildcard so a fresh
// login is never rejected by an older logout. It must succeed before the
// session record is written.
func (c *Coordinator) LoginCompleted(ctx context.Context, userID string) error {
	if userID == "" {
		return store.ErrEmptySubject
	}

	for _, subject := range []string{userID, models.WildcardSubject} {
		if err := c.markers.Clear(ctx, subject); err != nil {
			c.metrics.RecordStoreError(ctx, "clear")
			return fmt.Errorf("failed to clear logout marker for %q: %w", subject, err)
		}
		c.metrics.MarkersClearedTotal.Add(ctx, 1)
	}

	log.Debug().Str("user_id", userID).Msg("Cleared logout markers on login")
	return nil
}

func (c *Coordinator) verify(ctx context.Context, rawToken string) (*auth.LogoutClaims, error) {
	if rawToken == "" {
		return nil, errors.New("missing logout_token")
	}
	if c.verifier == nil {
		return nil, errors.New("no logout token verifier configured")
	}
	return c.verifier.Verify(ctx, rawToken)
}

func (c *Coordinator) broadcastSubject(result BackChannelResult) string {
	if c.broadcast == BroadcastSubject && result.Verified && result.Claims.Subject != "" {
		return result.Claims.Subject
	}
	return models.WildcardSubject
}

func (c *Coordinator) mark(ctx context.Context, subject string) error {
	if err := c.markers.Mark(ctx, subject, c.markerTTL); err != nil {
		c.metrics.RecordStoreError(ctx, "mark")
		return fmt.Errorf("failed to mark %q logged out: %w", subject, err)
	}
	c.metrics.MarkersWrittenTotal.Add(ctx, 1)
	return nil
}
