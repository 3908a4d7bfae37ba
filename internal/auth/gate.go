package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/ssoportal/internal/models"
	"github.com/wolfeidau/ssoportal/internal/store"
	"github.com/wolfeidau/ssoportal/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Decision is the outcome of evaluating a session against the invalidation store.
type Decision int

const (
	// DecisionAllow lets the request through with a trusted session.
	DecisionAllow Decision = iota
	// DecisionRedirectLogin is returned when there is no authenticated session.
	DecisionRedirectLogin
	// DecisionClearAndRedirect is returned when a marker invalidates the session.
	DecisionClearAndRedirect
	// DecisionUnavailable is returned when the store could not be consulted and
	// the gate fails closed.
	DecisionUnavailable
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionRedirectLogin:
		return "redirect_login"
	case DecisionClearAndRedirect:
		return "clear_and_redirect"
	case DecisionUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// StoreFailurePolicy selects what the gate does when the invalidation store errors.
type StoreFailurePolicy string

const (
	// FailClosed answers 503 and leaves the session untouched.
	FailClosed StoreFailurePolicy = "closed"
	// FailOpen allows the request and logs a warning.
	FailOpen StoreFailurePolicy = "open"
)

// ParseStoreFailurePolicy validates a policy name from configuration.
func ParseStoreFailurePolicy(s string) (StoreFailurePolicy, error) {
	switch p := StoreFailurePolicy(s); p {
	case FailClosed, FailOpen:
		return p, nil
	case "":
		return FailClosed, nil
	default:
		return "", fmt.Errorf("unknown store failure policy %q (want closed or open)", s)
	}
}

// SessionTransport loads and clears the session bound to a browser.
type SessionTransport interface {
	// Load returns nil and no error when the request carries no session.
	Load(r *http.Request) (*models.Session, error)
	Clear(w http.ResponseWriter, r *http.Request) error
}

// GateConfig configures a Gate.
type GateConfig struct {
	// MarkerTTL is used when a wildcard match is narrowed to a concrete marker.
	MarkerTTL time.Duration

	StoreFailurePolicy StoreFailurePolicy

	// Unavailable renders the response for DecisionUnavailable. Defaults to a
	// plain 503.
	Unavailable http.Handler
}

// Gate is the single enforcement point for invalidation markers. Every protected
// route must pass through RequireSession or call Evaluate itself.
type Gate struct {
	markers     store.InvalidationStore
	markerTTL   time.Duration
	policy      StoreFailurePolicy
	unavailable http.Handler
	metrics     *telemetry.Metrics
}

// NewGate creates a gate reading markers from the given store.
func NewGate(markers store.InvalidationStore, cfg GateConfig) *Gate {
	if cfg.MarkerTTL <= 0 {
		cfg.MarkerTTL = models.DefaultMarkerTTL
	}
	if cfg.StoreFailurePolicy == "" {
		cfg.StoreFailurePolicy = FailClosed
	}
	if cfg.Unavailable == nil {
		cfg.Unavailable = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
		})
	}

	return &Gate{
		markers:     markers,
		markerTTL:   cfg.MarkerTTL,
		policy:      cfg.StoreFailurePolicy,
		unavailable: cfg.Unavailable,
		metrics:     telemetry.GetMetrics(),
	}
}

// Evaluate decides what to do with a session. It makes one marker lookup and,
// when only the wildcard matched, one extra write narrowing it to the concrete
// user ID so the user stays logged out after the wildcard expires or is cleared.
//
// Evaluate never clears the session record itself; callers do that on
// DecisionClearAndRedirect.
func (g *Gate) Evaluate(ctx context.Context, sess *models.Session) Decision {
	decision := g.evaluate(ctx, sess)
	g.metrics.GateDecisionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision.String())))
	return decision
}

func (g *Gate) evaluate(ctx context.Context, sess *models.Session) Decision {
	if !sess.IsAuthenticated() || sess.IsExpired() {
		return DecisionRedirectLogin
	}

	start := time.Now()
	match, err := g.markers.Lookup(ctx, sess.UserID)
	g.metrics.GateLookupDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		g.metrics.RecordStoreError(ctx, "lookup")
		if g.policy == FailOpen {
			log.Warn().Err(err).Str("user_id", sess.UserID).Msg("Invalidation store lookup failed, allowing session")
			return DecisionAllow
		}
		log.Error().Err(err).Str("user_id", sess.UserID).Msg("Invalidation store lookup failed, refusing session")
		return DecisionUnavailable
	}

	switch match {
	case models.MatchNone:
		return DecisionAllow
	case models.MatchWildcard:
		if err := g.markers.Mark(ctx, sess.UserID, g.markerTTL); err != nil {
			g.metrics.RecordStoreError(ctx, "mark")
			log.Warn().Err(err).Str("user_id", sess.UserID).Msg("Failed to narrow wildcard marker to subject")
		} else {
			g.metrics.MarkersWrittenTotal.Add(ctx, 1)
		}
	}

	log.Info().
		Str("user_id", sess.UserID).
		Stringer("match", match).
		Msg("Session invalidated by logout marker")

	return DecisionClearAndRedirect
}

// RequireSession returns middleware that only runs next for sessions the gate
// allows. Anything else gets exactly one of redirect, clear-and-redirect or 503.
func (g *Gate) RequireSession(sessions SessionTransport, loginURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := sessions.Load(r)
			if err != nil {
				if errors.Is(err, store.ErrStoreUnavailable) {
					log.Error().Err(err).Msg("Session store unavailable")
					g.unavailable.ServeHTTP(w, r)
					return
				}
				log.Debug().Err(err).Msg("Discarding unusable session cookie")
				sess = nil
			}

			switch g.Evaluate(r.Context(), sess) {
			case DecisionAllow:
				next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
			case DecisionUnavailable:
				g.unavailable.ServeHTTP(w, r)
			case DecisionClearAndRedirect:
				if err := sessions.Clear(w, r); err != nil {
					log.Warn().Err(err).Msg("Failed to clear invalidated session")
				}
				http.Redirect(w, r, loginURL, http.StatusFound)
			default:
				if err != nil {
					_ = sessions.Clear(w, r)
				}
				http.Redirect(w, r, loginURL, http.StatusFound)
			}
		})
	}
}

type contextKey int

const (
	sessionContextKey contextKey = iota
)

// WithSession returns a context carrying a gate-approved session.
func WithSession(ctx context.Context, sess *models.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, sess)
}

// SessionFromContext returns the session approved by the gate, or nil outside
// a protected route.
func SessionFromContext(ctx context.Context) *models.Session {
	sess, _ := ctx.Value(sessionContextKey).(*models.Session)
	return sess
}
