// Package app wires configuration into the stores, identity map and engine
// shared by the loader and the API server.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/catalog-dedup/internal/config"
	"github.com/maltedev/catalog-dedup/internal/database"
	"github.com/maltedev/catalog-dedup/internal/dedup"
	"github.com/maltedev/catalog-dedup/internal/identity"
	"github.com/maltedev/catalog-dedup/internal/logging"
	"github.com/maltedev/catalog-dedup/internal/parser"
	"github.com/maltedev/catalog-dedup/internal/pipeline"
	"github.com/maltedev/catalog-dedup/internal/storage"
)

// App holds the long-lived dependencies of a process. Relay is nil unless
// RELAY_ENABLED is set.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Location   *time.Location
	Vocabulary *config.Vocabulary
	Backend    storage.Backend
	Engine     *dedup.Engine
	Relay      *database.Relay

	closers []io.Closer
}

// New validates cfg, opens the configured backend and verifies it answers a
// ping. Any failure releases what was already opened.
func New(ctx context.Context, cfg *config.Config) (a *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, logCloser := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})

	a = &App{Config: cfg, Logger: logger, closers: []io.Closer{logCloser}}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.Location, err = cfg.Location(); err != nil {
		return nil, err
	}
	if a.Vocabulary, err = config.LoadVocabulary(cfg.Identity.VocabularyFile); err != nil {
		return nil, err
	}

	if err = a.openBackend(ctx); err != nil {
		return nil, err
	}
	if err = a.Backend.Ping(ctx); err != nil {
		return nil, fmt.Errorf("store ping failed: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Identity.Backend == config.IdentityRedis || cfg.Relay.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, redisClient)
		if err = redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
	}

	if a.Engine, err = a.newEngine(redisClient); err != nil {
		return nil, err
	}

	if cfg.Relay.Enabled {
		pg, ok := a.Backend.(*database.Store)
		if !ok {
			return nil, errors.New("relay requires the postgres store")
		}
		a.Relay = database.NewRelay(pg.Outbox(), redisClient, logger, database.RelayConfig{
			PollInterval: cfg.Relay.PollInterval,
			BatchSize:    cfg.Relay.BatchSize,
			StreamMaxLen: int64(cfg.Relay.StreamMaxLen),
			Retention:    cfg.Relay.Retention,
		})
	}

	logger.Info("application initialized",
		"driver", cfg.Database.Driver,
		"identity_backend", cfg.Identity.Backend,
		"relay", cfg.Relay.Enabled,
		"timezone", a.Location.String(),
	)
	return a, nil
}

func (a *App) openBackend(ctx context.Context) error {
	cfg := a.Config.Database
	switch cfg.Driver {
	case config.DriverPostgres:
		db, err := database.New(ctx, database.Config{
			Host:     cfg.Host,
			Port:     cfg.Port,
			User:     cfg.User,
			Password: cfg.Password,
			Database: cfg.DBName,
			SSLMode:  cfg.SSLMode,
			MaxConns: int32(cfg.MaxConns),
		})
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		store := database.NewStore(db)
		a.Backend = store
		a.closers = append(a.closers, store)
		if err := db.Migrate(ctx); err != nil {
			return err
		}
	case config.DriverSQLite:
		store, err := storage.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return err
		}
		a.Backend = store
		a.closers = append(a.closers, store)
	default:
		store, err := storage.OpenMemory(cfg.MemoryFile)
		if err != nil {
			return fmt.Errorf("failed to open memory store: %w", err)
		}
		a.Backend = store
		a.closers = append(a.closers, store)
	}
	return nil
}

func (a *App) newEngine(redisClient *redis.Client) (*dedup.Engine, error) {
	vocab := a.Vocabulary
	normalizer := vocab.Normalizer()
	generator, err := identity.NewGenerator(vocab.Identity(a.Config.Identity.Country), normalizer)
	if err != nil {
		return nil, fmt.Errorf("failed to build identifier generator: %w", err)
	}

	policy, err := dedup.ParsePolicy(a.Config.Loader.SameDayPolicy)
	if err != nil {
		return nil, err
	}

	var ids dedup.IdentityMap = dedup.NewMemoryIdentityMap()
	if a.Config.Identity.Backend == config.IdentityRedis {
		ids = dedup.NewRedisIdentityMap(redisClient, "")
	}

	return dedup.NewEngine(a.Backend, ids, generator, normalizer,
		dedup.WithMerger(dedup.NewMerger(policy)),
		dedup.WithLogger(a.Logger),
		dedup.WithEvents(a.Config.Loader.Events),
	), nil
}

// Runner returns a batch pipeline over the engine.
func (a *App) Runner() *pipeline.Runner {
	return pipeline.NewRunner(a.Engine, pipeline.Config{
		BatchSize:  a.Config.Loader.BatchSize,
		Workers:    a.Config.Loader.Workers,
		MaxRetries: a.Config.Loader.MaxRetries,
		RetryDelay: a.Config.Loader.RetryDelay,
	}, a.Logger)
}

// ListingParser parses saved listing pages with the vocabulary's selectors.
func (a *App) ListingParser() *parser.ListingParser {
	return parser.NewListingParser(a.Vocabulary.Selectors())
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
