package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/zoff-tech/go-courier/pkg/api"
	"github.com/zoff-tech/go-courier/pkg/cache"
	"github.com/zoff-tech/go-courier/pkg/config"
	"github.com/zoff-tech/go-courier/pkg/jobs"
	"github.com/zoff-tech/go-courier/pkg/orchestrator"
	"github.com/zoff-tech/go-courier/pkg/provider"
	"github.com/zoff-tech/go-courier/pkg/store"
	"github.com/zoff-tech/go-courier/pkg/telemetry"
	"github.com/zoff-tech/go-courier/pkg/trigger"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// .env is optional, real deployments set the environment directly
	_ = godotenv.Load()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/courier")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	logger := newLogger(cfg.LogLevel)

	// Initialize telemetry (tracing)
	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		log.Fatal("Failed to initialize telemetry: ", err)
	}
	defer shutdownTelemetry() // Ensure telemetry is properly shut down on exit

	// Initialize the repositories
	repos, err := store.NewRepositories(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to initialize repositories: ", err)
	}
	defer repos.Close()

	// Initialize the trigger bus
	bus, err := trigger.NewBus(ctx, &cfg.Trigger)
	if err != nil {
		log.Fatal("Failed to initialize trigger bus: ", err)
	}
	defer bus.Close()

	// Initialize the correlation cache
	correlations, err := cache.NewCache(ctx, &cfg.Redis)
	if err != nil {
		log.Fatal("Failed to initialize correlation cache: ", err)
	}
	defer correlations.Close()

	providers := provider.NewRegistry(&cfg.Provider)
	subscriptions := provider.NewSubscriptionClient(&cfg.Provider)

	orch := orchestrator.New(
		repos.Messages,
		repos.Queue,
		bus,
		providers,
		subscriptions,
		correlations,
		cfg.Delivery,
		logger,
	)

	// Attach the dispatcher after the orchestrator exists
	dispatcher := trigger.NewDispatcher(orch, logger)
	if err := dispatcher.Attach(ctx, bus); err != nil {
		log.Fatal("Failed to subscribe to trigger bus: ", err)
	}

	// Start the reconciliation jobs
	runner, err := jobs.NewRunner(orch, cfg.Jobs, logger)
	if err != nil {
		log.Fatal("Failed to initialize jobs: ", err)
	}
	runner.Start()
	defer runner.Stop()

	server := api.NewServer(cfg.Server, orch, repos.Messages, bus, logger)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Block until a shutdown signal arrives
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	cancel()
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(parsed).With().Timestamp().Logger()
}
