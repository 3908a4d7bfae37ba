package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/ssoportal/internal/logger"
	"github.com/wolfeidau/ssoportal/internal/models"
	"github.com/wolfeidau/ssoportal/internal/store"
	postgresstore "github.com/wolfeidau/ssoportal/internal/store/postgres"
	redisstore "github.com/wolfeidau/ssoportal/internal/store/redis"
)

type Globals struct {
	Debug   bool
	Version string
}

func (g *Globals) setupLogging() {
	log.Logger = logger.Setup(g.Debug)
}

// StoreFlags selects the marker store shared with the running portals.
type StoreFlags struct {
	Store              string `help:"logout marker store" default:"redis" enum:"redis,postgres" env:"PORTAL_MARKER_STORE"`
	RedisURL           string `help:"redis connection URL" default:"redis://localhost:6379/0" env:"PORTAL_REDIS_URL"`
	RedisDB            int    `help:"redis database holding logout markers" default:"1" env:"PORTAL_REDIS_MARKERS_DB"`
	PostgresConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`
}

// open connects to the configured store. The returned func releases it.
func (f *StoreFlags) open(ctx context.Context) (store.InvalidationStore, func(), error) {
	switch f.Store {
	case "postgres":
		if f.PostgresConnString == "" {
			return nil, nil, errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
		}
		pool, err := postgresstore.NewPool(ctx, &postgresstore.Config{ConnString: f.PostgresConnString, MaxConns: 2, MinConns: 1})
		if err != nil {
			return nil, nil, err
		}
		return postgresstore.NewInvalidationStore(pool), pool.Close, nil
	default:
		client, err := redisstore.NewClient(ctx, redisstore.ClientConfig{URL: f.RedisURL, DB: f.RedisDB})
		if err != nil {
			return nil, nil, err
		}
		return redisstore.NewInvalidationStore(client, ""), func() { _ = client.Close() }, nil
	}
}

// subjectArg resolves the subject argument, with --all selecting the wildcard.
func subjectArg(subject string, all bool) (string, error) {
	switch {
	case all && subject != "":
		return "", errors.New("give either a subject or --all, not both")
	case all:
		return models.WildcardSubject, nil
	case subject == "":
		return "", errors.New("a subject or --all is required")
	default:
		return subject, nil
	}
}

func describe(subject string) string {
	if subject == models.WildcardSubject {
		return "everyone"
	}
	return fmt.Sprintf("%q", subject)
}
