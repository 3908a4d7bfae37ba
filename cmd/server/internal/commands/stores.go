package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/ssoportal/internal/store"
	memorystore "github.com/wolfeidau/ssoportal/internal/store/memory"
	postgresstore "github.com/wolfeidau/ssoportal/internal/store/postgres"
	redisstore "github.com/wolfeidau/ssoportal/internal/store/redis"
)

type RedisStoreFlags struct {
	URL        string `help:"redis connection URL" default:"redis://localhost:6379/0" env:"PORTAL_REDIS_URL"`
	MarkersDB  int    `help:"redis database holding logout markers" default:"1" env:"PORTAL_REDIS_MARKERS_DB"`
	SessionsDB int    `help:"redis database holding session records" default:"0" env:"PORTAL_REDIS_SESSIONS_DB"`
	KeyPrefix  string `help:"prefix for session keys" default:"admin:" env:"PORTAL_REDIS_SESSION_PREFIX"`
}

type PostgresStoreFlags struct {
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32         `help:"maximum number of connections in pool" default:"20"`
	MinConns        int32         `help:"minimum number of connections in pool" default:"2"`
	MaxConnLifetime time.Duration `help:"maximum connection lifetime" default:"1h"`
	MaxConnIdleTime time.Duration `help:"maximum connection idle time" default:"30m"`

	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"PORTAL_POSTGRES_AUTO_MIGRATE"`
}

func (s *PostgresStoreFlags) Validate() error {
	if s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

// stores holds the backends chosen on the command line and how to release them.
type stores struct {
	markers  store.InvalidationStore
	sessions store.SessionStore
	pingers  []store.Pinger
	closers  []func()
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

type storeOpener struct {
	redis       RedisStoreFlags
	postgres    PostgresStoreFlags
	development bool
	retryFor    time.Duration

	redisClients map[int]*goredis.Client
	pool         *pgxpool.Pool
}

// open builds the marker and session stores. Clients are shared when both
// stores use the same backend and database.
func (o *storeOpener) open(ctx context.Context, markersType, sessionsType string) (*stores, error) {
	s := &stores{}
	o.redisClients = make(map[int]*goredis.Client)

	switch markersType {
	case "redis":
		client, cerr := o.redisClient(ctx, s, o.redis.MarkersDB)
		if cerr != nil {
			return nil, cerr
		}
		markers := redisstore.NewInvalidationStore(client, "")
		s.markers = markers
		s.pingers = append(s.pingers, markers)
	case "postgres":
		pool, perr := o.postgresPool(ctx, s)
		if perr != nil {
			return nil, perr
		}
		markers := postgresstore.NewInvalidationStore(pool)
		s.markers = markers
		s.pingers = append(s.pingers, markers)
	case "memory":
		if !o.development {
			return nil, errors.New("the memory marker store is not shared between instances; use it with --development only")
		}
		log.Warn().Msg("Using in-memory logout markers, logout will not propagate to other instances")
		s.markers = memorystore.NewInvalidationStore()
	default:
		return nil, fmt.Errorf("unknown marker store %q", markersType)
	}

	switch sessionsType {
	case "redis":
		client, cerr := o.redisClient(ctx, s, o.redis.SessionsDB)
		if cerr != nil {
			s.Close()
			return nil, cerr
		}
		s.sessions = redisstore.NewSessionStore(client, o.redis.KeyPrefix)
	case "postgres":
		pool, perr := o.postgresPool(ctx, s)
		if perr != nil {
			s.Close()
			return nil, perr
		}
		s.sessions = postgresstore.NewSessionStore(pool)
	case "memory":
		s.sessions = memorystore.NewSessionStore()
	default:
		s.Close()
		return nil, fmt.Errorf("unknown session store %q", sessionsType)
	}

	log.Info().
		Str("markers", markersType).
		Str("sessions", sessionsType).
		Msg("Stores ready")

	return s, nil
}

func (o *storeOpener) redisClient(ctx context.Context, s *stores, db int) (*goredis.Client, error) {
	if client, ok := o.redisClients[db]; ok {
		return client, nil
	}

	client, err := connectWithRetry(ctx, "redis", o.retryFor, func() (*goredis.Client, error) {
		client, err := redisstore.NewClient(ctx, redisstore.ClientConfig{URL: o.redis.URL, DB: db})
		return client, retryIfUnavailable(err)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	o.redisClients[db] = client
	s.closers = append(s.closers, func() {
		if err := client.Close(); err != nil {
			log.Warn().Err(err).Int("db", db).Msg("Failed to close redis client")
		}
	})
	return client, nil
}

func (o *storeOpener) postgresPool(ctx context.Context, s *stores) (*pgxpool.Pool, error) {
	if o.pool != nil {
		return o.pool, nil
	}
	if err := o.postgres.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate postgres flags: %w", err)
	}

	pool, err := connectWithRetry(ctx, "postgres", o.retryFor, func() (*pgxpool.Pool, error) {
		pool, err := postgresstore.NewPool(ctx, &postgresstore.Config{
			ConnString:      o.postgres.ConnString,
			MaxConns:        o.postgres.MaxConns,
			MinConns:        o.postgres.MinConns,
			MaxConnLifetime: o.postgres.MaxConnLifetime,
			MaxConnIdleTime: o.postgres.MaxConnIdleTime,
			AutoMigrate:     o.postgres.AutoMigrate,
		})
		return pool, retryIfUnavailable(err)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	o.pool = pool
	s.closers = append(s.closers, pool.Close)
	return pool, nil
}

// retryIfUnavailable stops retrying on configuration errors such as a bad URL.
func retryIfUnavailable(err error) error {
	if err == nil || errors.Is(err, store.ErrStoreUnavailable) {
		return err
	}
	return backoff.Permanent(err)
}
