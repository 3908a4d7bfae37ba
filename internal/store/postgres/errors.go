package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/wolfeidau/ssoportal/internal/store"
)

// mapPostgresError maps PostgreSQL-specific errors to sentinel errors.
// Connection and server availability failures become store.ErrStoreUnavailable
// so request-time callers can apply their failure policy. Anything else is
// returned wrapped with its SQLSTATE.
func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	// the request went away, not the database
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("query canceled: %w", err)
	}

	// Dial failures never reach the server, so they carry no SQLSTATE.
	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) || errors.As(err, &netErr) {
		return fmt.Errorf("database connection error: %w: %v", store.ErrStoreUnavailable, err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		// session IDs are UUIDv7 and markers upsert, so this points at a bug
		return fmt.Errorf("unique constraint violation: %s: %w", pgErr.ConstraintName, err)

	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		// concurrent marker upserts for the same subject; the caller may retry
		return fmt.Errorf("transaction conflict (retryable): %w", err)

	case pgerrcode.ConnectionException,
		pgerrcode.ConnectionDoesNotExist,
		pgerrcode.ConnectionFailure,
		pgerrcode.CannotConnectNow,
		pgerrcode.SQLClientUnableToEstablishSQLConnection:
		// lost or refused connection
		return fmt.Errorf("database connection error [%s]: %w: %v", pgErr.Code, store.ErrStoreUnavailable, err)

	case pgerrcode.AdminShutdown,
		pgerrcode.CrashShutdown:
		// server restarting or failing over
		return fmt.Errorf("database server unavailable [%s]: %w: %v", pgErr.Code, store.ErrStoreUnavailable, err)

	case pgerrcode.InsufficientResources,
		pgerrcode.DiskFull,
		pgerrcode.OutOfMemory,
		pgerrcode.TooManyConnections:
		// throttling, treated the same as an outage
		return fmt.Errorf("database resource limit [%s]: %w: %v", pgErr.Code, store.ErrStoreUnavailable, err)

	case pgerrcode.QueryCanceled:
		// statement_timeout or a server side cancel
		return fmt.Errorf("query canceled: %w", err)

	default:
		return fmt.Errorf("postgres error [%s]: %s (detail: %s, hint: %s): %w",
			pgErr.Code, pgErr.Message, pgErr.Detail, pgErr.Hint, err)
	}
}
