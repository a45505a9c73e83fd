// Command export-training writes finalized, weighted labels as JSON lines
// for the training pipeline.
package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"path/filepath"
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
	limit, err := config.EnvInt("TRAIN_LIMIT", 50000)
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}
	outPath := os.Getenv("TRAIN_JSONL_PATH")
	if outPath == "" {
		outPath = "./data/train.jsonl"
	}

	store, err := repository.Open(dbType, dbURL, logger)
	if err != nil {
		logger.Fatal("Failed to initialize repository", zap.Error(err))
	}
	defer store.Close()

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		logger.Fatal("Failed to create output directory", zap.Error(err))
	}
	file, err := os.Create(outPath)
	if err != nil {
		logger.Fatal("Failed to create output file", zap.Error(err))
	}
	defer file.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := bufio.NewWriter(file)
	n, err := service.NewExporter(store, logger).WriteTrainingJSONL(ctx, w, limit)
	if err != nil {
		logger.Fatal("Export failed", zap.Error(err))
	}
	if err := w.Flush(); err != nil {
		logger.Fatal("Failed to flush output", zap.Error(err))
	}

	logger.Info("Training export written", zap.String("path", outPath), zap.Int("rows", n))
}
