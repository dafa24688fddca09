package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/user/shortvid-backend/internal/config"
	"github.com/user/shortvid-backend/internal/ingest"
	"github.com/user/shortvid-backend/internal/objectstore"
	"github.com/user/shortvid-backend/internal/queue"
	"github.com/user/shortvid-backend/internal/scheduler"
	"github.com/user/shortvid-backend/internal/search"
	"github.com/user/shortvid-backend/internal/server"
	"github.com/user/shortvid-backend/internal/store"
)

const (
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout = 30 * time.Second
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	log.Info().Msg("Configuration loaded successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mysqlStore, err := store.NewMySQLStore(&cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	log.Info().Msg("Database connection established")

	objects, err := objectstore.NewMinioStore(&cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create object store client")
	}
	if err := objects.EnsureBuckets(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure storage buckets")
	}
	log.Info().Msg("Object store initialized")

	amqpQueue, err := queue.NewAMQPQueue(&cfg.Queue)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to task queue")
	}
	log.Info().Msg("Task queue connected")

	index, err := search.NewElasticIndex(&cfg.Search)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create search index client")
	}
	// The index is best-effort everywhere else; startup is the one place a
	// missing mapping should be loud but not fatal.
	if err := index.EnsureIndex(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to ensure search index, continuing degraded")
	} else {
		log.Info().Msg("Search index ready")
	}

	ingestSvc := ingest.NewService(mysqlStore, objects, amqpQueue, index, &cfg.Upload)
	searchSvc := search.NewService(index, mysqlStore, cfg.Refresh.BatchSize)

	sched := scheduler.NewScheduler(mysqlStore, index, ingestSvc, &cfg.Refresh)

	httpServer := server.NewServer(ingestSvc, searchSvc, mysqlStore, cfg.Server.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := httpServer.Start(); err != nil {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	sched.Start(ctx)
	log.Info().Msg("Short video server started successfully")

	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()

	log.Info().Msg("Starting graceful shutdown...")

	// Stop background loops before the surfaces they feed.
	sched.Stop()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping HTTP server")
	} else {
		log.Info().Msg("HTTP server stopped")
	}

	if err := amqpQueue.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing task queue")
	} else {
		log.Info().Msg("Task queue closed")
	}

	if err := objects.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing object store client")
	}

	if err := mysqlStore.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing database connection")
	} else {
		log.Info().Msg("Database connection closed")
	}

	cancel()

	select {
	case <-shutdownCtx.Done():
		if shutdownCtx.Err() == context.DeadlineExceeded {
			log.Warn().Msg("Shutdown timeout exceeded, forcing exit")
		}
	default:
		log.Info().Msg("Graceful shutdown completed")
	}
}
