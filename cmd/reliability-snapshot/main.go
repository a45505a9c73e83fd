// Command reliability-snapshot scores every annotator against recent finals
// and appends one snapshot row per qualifying annotator. Run it nightly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"labelconsensus/internal/config"
	"labelconsensus/internal/repository"
	"labelconsensus/internal/service"

	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbType, dbURL, err := config.DatabaseFromEnv()
	if err != nil {
		logger.Fatal("Missing database configuration", zap.Error(err))
	}

	defaults := service.DefaultReliabilityConfig()
	cfg := service.ReliabilityConfig{}
	if cfg.WindowDays, err = config.EnvInt("LABELER_WINDOW_DAYS", defaults.WindowDays); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}
	if cfg.MinSamples, err = config.EnvInt("LABELER_MIN_SAMPLES", defaults.MinSamples); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}
	if cfg.MaxSamples, err = config.EnvInt("LABELER_MAX_SAMPLES", defaults.MaxSamples); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	store, err := repository.Open(dbType, dbURL, logger)
	if err != nil {
		logger.Fatal("Failed to initialize repository", zap.Error(err))
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := service.NewReliabilityEstimator(store, logger).Run(ctx, cfg)
	if err != nil {
		logger.Fatal("Reliability run failed", zap.Error(err))
	}

	fmt.Println(summary)
	if len(summary.Failed) > 0 {
		logger.Sync()
		os.Exit(1)
	}
}
