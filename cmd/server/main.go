package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prudhvinik1/venuelock/internal/config"
	"github.com/prudhvinik1/venuelock/internal/database"
	"github.com/prudhvinik1/venuelock/internal/handlers"
	"github.com/prudhvinik1/venuelock/internal/logger"
	"github.com/prudhvinik1/venuelock/internal/metrics"
	"github.com/prudhvinik1/venuelock/internal/repositories"
	"github.com/prudhvinik1/venuelock/internal/services"
	"github.com/prudhvinik1/venuelock/internal/stream"
	"github.com/prudhvinik1/venuelock/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		InstanceID: cfg.InstanceID,
	})

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
	log.Info().Msg("server stopped gracefully")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(cfg.TracingStdout)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn().Err(err).Msg("failed to flush traces")
		}
	}()

	registry := metrics.NewRegistry()
	metrics.RegisterMetrics(registry)

	// Initialize lease store
	locks, closeStore, err := openLockStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// Initialize broadcast log; a nil client runs single-instance
	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to create redis client: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	broadcast := repositories.NewRedisBroadcastRepository(redisClient, logger.Component(log, "broadcast_log"))

	publisher := services.NewEventPublisher(broadcast, services.EventPublisherConfig{
		SharedTTL:  cfg.BroadcastTTL,
		PrivateTTL: cfg.PrivateQueueTTL,
	}, log)

	lockService := services.NewLockService(locks, publisher, services.LockServiceConfig{
		Lease: services.LeasePolicy{
			Default:   cfg.LeaseDuration,
			Overrides: cfg.LeaseOverrides,
		},
		KeepAliveInterval: cfg.KeepAliveInterval,
	}, log)

	manager := stream.NewManager(stream.Config{
		InstanceID:        cfg.InstanceID,
		MaxSubscribers:    cfg.MaxSubscribers,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleAfter:        cfg.StaleAfter,
		PollInterval:      cfg.PollInterval,
		FetchLimit:        cfg.FetchLimit,
		DedupeWindow:      max(cfg.BroadcastTTL, cfg.PrivateQueueTTL),
	}, broadcast, lockService, presenceStore(redisClient, cfg), log)
	publisher.AddDispatcher(manager)

	router := handlers.NewRouter(handlers.RouterConfig{
		Locks:               lockService,
		Publisher:           publisher,
		Streams:             manager,
		Identity:            services.NewIdentityService(cfg.JWTSecret, cfg.JWTExpiry),
		Gatherer:            registry,
		BroadcastConfigured: redisClient != nil,
		Log:                 log,
	})

	// Streams hold responses open, so no WriteTimeout
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", cfg.ServerPort).Msg("starting server")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		lockService.RunSweeper(gctx, cfg.SweepInterval)
		return nil
	})
	g.Go(func() error {
		manager.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")

		// Closing the manager first ends open streams so Shutdown does not
		// wait on them
		manager.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openLockStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (repositories.ActionLockRepository, func(), error) {
	if cfg.UseMemoryStore() {
		log.Warn().Msg("using in-memory lock store; locks are not shared between instances")
		return repositories.NewMemoryActionLockRepository(), func() {}, nil
	}

	pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := database.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return repositories.NewPostgresActionLockRepository(pool), pool.Close, nil
}

// presenceStore returns nil without Redis so the manager reports local
// subscribers only.
func presenceStore(client *redis.Client, cfg *config.Config) repositories.PresenceRepository {
	if client == nil {
		return nil
	}
	return repositories.NewRedisPresenceRepository(client, cfg.StaleAfter)
}
