package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"labelconsensus/internal/service"
)

// Scheduler runs the reliability estimator on a fixed interval inside the
// server process, for deployments without an external cron.
type Scheduler struct {
	estimator *service.ReliabilityEstimator
	cfg       service.ReliabilityConfig
	interval  time.Duration
	logger    *zap.Logger
}

// NewScheduler creates a new scheduler.
func NewScheduler(estimator *service.ReliabilityEstimator, cfg service.ReliabilityConfig, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		estimator: estimator,
		cfg:       cfg,
		interval:  interval,
		logger:    logger,
	}
}

// Run blocks until ctx is cancelled, running one estimator pass per tick.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Error("Reliability scheduler not started: interval must be positive", zap.Duration("interval", s.interval))
		return
	}
	s.logger.Info("Reliability scheduler started.", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Reliability scheduler stopped.")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	summary, err := s.estimator.Run(ctx, s.cfg)
	if err != nil {
		s.logger.Error("Scheduled reliability run failed", zap.Error(err))
		return
	}
	if len(summary.Failed) > 0 {
		s.logger.Warn("Scheduled reliability run had failures",
			zap.String("run_id", summary.RunID),
			zap.Int64s("annotator_ids", summary.Failed))
	}
}
