package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/studymatch/chat-server/internal/auth"
	"github.com/studymatch/chat-server/internal/bus"
	"github.com/studymatch/chat-server/internal/config"
	"github.com/studymatch/chat-server/internal/core"
	"github.com/studymatch/chat-server/internal/store"
	"github.com/studymatch/chat-server/internal/store/sqlite"
	transporthttp "github.com/studymatch/chat-server/internal/transport/http"
)

// App wires together core, storage, bus and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	store           store.Store
	bus             bus.Bus
	redisClient     *redis.Client
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(cfg config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	registry := core.NewRegistry(logger)

	var (
		eventBus    bus.Bus
		redisClient *redis.Client
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		eventBus = bus.NewRedisBus(redisClient, registry.PublishLocal, logger)
		logger.Info().Str("redis_addr", cfg.RedisAddr).Msg("using redis broadcast bus")
	} else {
		eventBus = bus.NewMemoryBus(registry.PublishLocal)
		logger.Warn().Msg("no redis configured, using in-process bus (single worker only)")
	}

	jwtConfig := &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      cfg.JWTTTL,
	}
	authService := auth.NewService(st, jwtConfig)

	deps := core.Deps{
		Registry: registry,
		Bus:      eventBus,
		Store:    st,
		Oracle:   st,
		Timeout:  cfg.CollaboratorTimeout,
		Log:      logger,
	}

	server := transporthttp.NewServer(cfg, authService, deps, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		store:           st,
		bus:             eventBus,
		redisClient:     redisClient,
		log:             logger,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// cleanup closes the bus, redis client and database.
func (a *App) cleanup() {
	if err := a.bus.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close bus")
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close redis client")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
