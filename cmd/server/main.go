package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/farmchat/internal/api"
	"github.com/eldtechnologies/farmchat/internal/api/middleware"
	"github.com/eldtechnologies/farmchat/internal/config"
	"github.com/eldtechnologies/farmchat/internal/delivery"
	"github.com/eldtechnologies/farmchat/internal/gateway"
	"github.com/eldtechnologies/farmchat/internal/handlers"
	"github.com/eldtechnologies/farmchat/internal/history"
	"github.com/eldtechnologies/farmchat/internal/presence"
	"github.com/eldtechnologies/farmchat/internal/relay"
	"github.com/eldtechnologies/farmchat/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	} else {
		logger.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, using info")
		logger = logger.Level(zerolog.InfoLevel)
	}

	instance := uuid.Must(uuid.NewV7()).String()
	logger = logger.With().Str("instance", instance).Logger()

	ctx := context.Background()

	// Durable store: PostgreSQL when configured, SQLite otherwise
	var dataStore store.DataStore
	if cfg.DatabaseURL != "" {
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Msg("migrations completed")

		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		dataStore = pgStore
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		sqliteStore, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		dataStore = sqliteStore
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite store")
	}
	defer dataStore.Close()

	// Initialize Redis store
	var redisStore *store.RedisStore
	var tracker gateway.PresenceTracker
	if cfg.RedisURL != "" {
		var err error
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		tracker = redisStore
		logger.Info().Msg("connected to Redis")
	}

	registry := presence.NewRegistry()
	router := delivery.NewRouter(registry, dataStore, logger, delivery.Options{
		PersistBeforePush: cfg.PersistBeforePush,
	})

	// Cross-instance relay
	var natsRelay *relay.NATSRelay
	if cfg.NATSURL != "" {
		var err error
		natsRelay, err = relay.Connect(cfg.NATSURL, instance, registry, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connection failed")
		}
		if err := natsRelay.Start(); err != nil {
			logger.Fatal().Err(err).Msg("nats subscribe failed")
		}
		defer natsRelay.Close()
		router.SetRelay(natsRelay)
		logger.Info().Msg("connected to NATS")
	}

	ws := gateway.NewServer(registry, router, tracker, instance, logger, gateway.Options{
		PingInterval:    cfg.WSPingInterval,
		SendBuffer:      cfg.WSSendBuffer,
		MaxMessageBytes: cfg.MaxBodyBytes,
		AllowedOrigins:  cfg.AllowedOrigins,
	})

	h := handlers.NewHandler(handlers.Deps{
		Store:    dataStore,
		Redis:    redisStore,
		Relay:    natsRelay,
		History:  history.NewService(dataStore, dataStore, logger),
		Router:   router,
		Registry: registry,
		Instance: instance,
	})

	// Create router
	mux := api.NewRouter(logger, h, ws, redisStore, api.Options{
		MaxBodyBytes:   cfg.MaxBodyBytes,
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit: middleware.RateLimiterConfig{
			Whitelist:        cfg.RateLimitWhitelist,
			AutoBlockEnabled: cfg.AutoBlockEnabled,
		},
	})

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Bool("persist_before_push", cfg.PersistBeforePush).
			Msg("starting chat server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
