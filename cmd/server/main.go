package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"labelconsensus/internal/config"
	"labelconsensus/internal/consensus"
	"labelconsensus/internal/handler"
	"labelconsensus/internal/repository"
	"labelconsensus/internal/scheduler"
	"labelconsensus/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	logger.Info("Starting Label Consensus Service...")

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config", zap.Error(err))
	}

	// Initialize repository
	if cfg.Database.Type == repository.DriverSQLite {
		os.MkdirAll(filepath.Dir(cfg.Database.URL), 0755)
	}
	store, err := repository.Open(cfg.Database.Type, cfg.Database.URL, logger)
	if err != nil {
		logger.Fatal("Failed to initialize repository", zap.Error(err))
	}
	defer store.Close()

	// Initialize services
	classifier := consensus.NewClassifier(cfg.Consensus)
	finalizer := service.NewFinalizer(store, classifier, logger)
	estimator := service.NewReliabilityEstimator(store, logger)
	exporter := service.NewExporter(store, logger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if cfg.Reliability.ScheduleEnabled {
		sched := scheduler.NewScheduler(estimator, cfg.Reliability.ReliabilityConfig,
			time.Duration(cfg.Reliability.IntervalHours)*time.Hour, logger)
		go sched.Run(ctx)
	}

	// Initialize HTTP handler
	apiHandler := handler.NewHandler(store, finalizer, estimator, exporter, handler.Options{
		JWTSecret:   []byte(cfg.Auth.JWTSecret),
		Reliability: cfg.Reliability.ReliabilityConfig,
		ExportLimit: cfg.Export.Limit,
	}, logger)

	// Setup Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()

	// Add CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Register routes
	apiHandler.RegisterRoutes(router)

	// Start server
	serverAddr := fmt.Sprintf(":%s", cfg.Server.Port)
	logger.Info("Server starting", zap.String("address", serverAddr))

	// Graceful shutdown
	srv := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Label Consensus Service is running",
		zap.String("port", cfg.Server.Port),
		zap.String("database", cfg.Database.Type),
		zap.Int("base_n", cfg.Consensus.BaseN),
		zap.Bool("escalate_enabled", cfg.Consensus.EscalateEnabled))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
