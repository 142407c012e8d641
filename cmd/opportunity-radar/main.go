package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"opportunityradar/internal/app"
	"opportunityradar/internal/platform/config"
	"opportunityradar/internal/platform/settings"
	db "opportunityradar/internal/storage"
)

func main() {
	mode := flag.String("mode", "worker", "Service mode (worker, once, resummarize)")
	clusterID := flag.String("cluster", "", "Cluster id (for resummarize mode)")

	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := newLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	poolOpts := db.PoolOptions{
		MaxConns:          cfg.DBMaxConnections,
		MinConns:          cfg.DBMinConnections,
		MaxConnIdleTime:   cfg.DBMaxConnIdleTime,
		MaxConnLifetime:   cfg.DBMaxConnLifetime,
		HealthCheckPeriod: cfg.DBHealthCheckPeriod,
	}

	database, err := db.NewWithOptions(ctx, cfg.PostgresDSN, poolOpts, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	if err := database.SeedSettings(ctx, settings.Defaults()); err != nil {
		logger.Fatal().Err(err).Msg("failed to seed settings")
	}

	application := app.New(cfg, database, &logger)

	// Health and metrics server runs alongside every mode.
	go func() {
		if err := application.StartHealthServer(ctx); err != nil {
			logger.Error().Err(err).Msg("health check server error")
		}
	}()

	if err := runMode(ctx, application, *mode, *clusterID); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info().Msg("application stopped")
			return
		}

		logger.Fatal().Err(err).Msg("application error")
	}
}

func newLogger(appEnv string) zerolog.Logger {
	if appEnv == "local" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func runMode(ctx context.Context, application *app.App, mode, clusterID string) error {
	switch mode {
	case "worker":
		return application.RunWorker(ctx)
	case "once":
		return application.RunOnce(ctx)
	case "resummarize":
		return application.Resummarize(ctx, clusterID)
	default:
		log.Fatalf("Usage: %s --mode=[worker|once|resummarize]", os.Args[0])

		return nil
	}
}
