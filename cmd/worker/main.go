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
	"github.com/user/shortvid-backend/internal/media"
	"github.com/user/shortvid-backend/internal/notify"
	"github.com/user/shortvid-backend/internal/objectstore"
	"github.com/user/shortvid-backend/internal/queue"
	"github.com/user/shortvid-backend/internal/search"
	"github.com/user/shortvid-backend/internal/server"
	"github.com/user/shortvid-backend/internal/store"
	"github.com/user/shortvid-backend/internal/worker"
)

const (
	// ShutdownTimeout is the maximum time to wait for in-flight jobs
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
	if err := index.EnsureIndex(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to ensure search index, continuing degraded")
	}

	notifier, err := notify.NewTelegram(&cfg.Notify)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create operator notifier")
	}

	processor := media.NewProcessor(cfg.Worker.FFmpegPath, cfg.Worker.FFprobePath)

	pool := worker.NewPool(
		mysqlStore,
		objects,
		processor,
		index,
		notifier,
		amqpQueue,
		&cfg.Worker,
		&cfg.Queue,
	)

	// The worker records the transcode and index-sync metrics; without its
	// own listener they could never be scraped.
	opsServer := server.NewOpsServer(mysqlStore, cfg.Worker.MetricsPort)
	go func() {
		if err := opsServer.Start(); err != nil {
			log.Error().Err(err).Msg("Ops server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := pool.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Worker pool error")
		}
	}()

	log.Info().Msg("Transcode worker started successfully")

	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	log.Info().Msg("Starting graceful shutdown...")

	// Close the consumer first so the delivery channel drains, then wait
	// for in-flight jobs up to the timeout.
	if err := amqpQueue.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing task queue")
	}

	select {
	case <-poolDone:
		log.Info().Msg("Worker pool drained")
	case <-time.After(ShutdownTimeout):
		log.Warn().Msg("Shutdown timeout exceeded, abandoning in-flight jobs")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error shutting down ops server")
	}

	if err := objects.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing object store client")
	}

	if err := mysqlStore.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing database connection")
	} else {
		log.Info().Msg("Database connection closed")
	}

	log.Info().Msg("Graceful shutdown completed")
}
