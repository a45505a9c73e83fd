package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"labelconsensus/internal/models"
	"labelconsensus/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MinWeight is the floor of the derived training weight.
const MinWeight = 0.2

// ReliabilityConfig bounds one estimator run.
type ReliabilityConfig struct {
	WindowDays int `yaml:"window_days"`
	MinSamples int `yaml:"min_samples"`
	MaxSamples int `yaml:"max_samples"`
}

// DefaultReliabilityConfig returns the nightly batch defaults.
func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{WindowDays: 180, MinSamples: 10, MaxSamples: 20000}
}

// AnnotatorReliability is one annotator's score for a run.
type AnnotatorReliability struct {
	AnnotatorID  int64   `json:"annotator_id"`
	NSamples     int     `json:"n_samples"`
	MeanAbsError float64 `json:"mean_abs_error"`
	Reliability  float64 `json:"reliability"`
	Weight       float64 `json:"weight"`
}

// RunSummary reports what a reliability run did.
type RunSummary struct {
	RunID          string                 `json:"run_id"`
	StartedAt      time.Time              `json:"started_at"`
	WindowDays     int                    `json:"window_days"`
	MinSamples     int                    `json:"min_samples"`
	SamplesScanned int                    `json:"samples_scanned"`
	Scored         []AnnotatorReliability `json:"scored"`
	BelowMinimum   []int64                `json:"below_minimum"`
	Failed         []int64                `json:"failed"`
	Written        int                    `json:"written"`
}

// String renders the summary for batch logs.
func (s *RunSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: window=%dd min_samples=%d scanned=%d scored=%d written=%d",
		s.RunID, s.WindowDays, s.MinSamples, s.SamplesScanned, len(s.Scored), s.Written)
	if len(s.BelowMinimum) > 0 {
		fmt.Fprintf(&b, " below_minimum=%d", len(s.BelowMinimum))
	}
	if len(s.Failed) > 0 {
		fmt.Fprintf(&b, " failed=%v", s.Failed)
	}
	for _, r := range s.Scored {
		fmt.Fprintf(&b, "\n  annotator=%d n=%d mae=%.4f reliability=%.4f weight=%.4f",
			r.AnnotatorID, r.NSamples, r.MeanAbsError, r.Reliability, r.Weight)
	}
	return b.String()
}

// ReliabilityEstimator scores each annotator against the finals they
// contributed to.
type ReliabilityEstimator struct {
	store  *repository.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewReliabilityEstimator creates a new estimator.
func NewReliabilityEstimator(store *repository.Store, logger *zap.Logger) *ReliabilityEstimator {
	return &ReliabilityEstimator{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WeightFor maps reliability onto the training weight range [MinWeight, 1].
func WeightFor(reliability float64) float64 {
	return MinWeight + (1-MinWeight)*models.Clamp01(reliability)
}

// MeanAbsError compares two flattened score maps over their shared keys.
// It reports false when they share none.
func MeanAbsError(final, sub map[string]float64) (float64, bool) {
	var sum float64
	var n int
	for k, fv := range final {
		sv, ok := sub[k]
		if !ok {
			continue
		}
		sum += math.Abs(models.Clamp01(fv) - models.Clamp01(sv))
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Compute scores annotators without writing anything.
func (e *ReliabilityEstimator) Compute(ctx context.Context, cfg ReliabilityConfig) (*RunSummary, error) {
	started := e.now()
	summary := &RunSummary{
		RunID:      uuid.NewString(),
		StartedAt:  started,
		WindowDays: cfg.WindowDays,
		MinSamples: cfg.MinSamples,
	}

	cutoff := started.Add(-time.Duration(cfg.WindowDays) * 24 * time.Hour)
	samples, err := e.store.FinalizedSamples(ctx, &cutoff, cfg.MaxSamples)
	if err != nil {
		return nil, fmt.Errorf("failed to load finalized samples: %w", err)
	}
	summary.SamplesScanned = len(samples)

	sums := make(map[int64]float64)
	counts := make(map[int64]int)
	failed := make(map[int64]bool)

	for _, sample := range samples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		final, err := sample.Final()
		if err != nil {
			e.logger.Warn("Skipping sample with unreadable final labels", zap.Int64("sample_id", sample.ID), zap.Error(err))
			continue
		}
		if final.Skipped {
			continue
		}
		flat := final.Flatten()
		if len(flat) == 0 {
			continue
		}

		for _, annotatorID := range final.Consensus.AnnotatorIDs() {
			if failed[annotatorID] {
				continue
			}
			sub, err := e.store.LatestSubmission(ctx, sample.ID, annotatorID, false)
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			if err != nil {
				e.logger.Warn("Excluding annotator from run",
					zap.Int64("annotator_id", annotatorID),
					zap.Int64("sample_id", sample.ID),
					zap.Error(err))
				failed[annotatorID] = true
				continue
			}

			mae, ok := MeanAbsError(flat, sub.Payload.Flatten())
			if !ok {
				continue
			}
			sums[annotatorID] += mae
			counts[annotatorID]++
		}
	}

	ids := make([]int64, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if failed[id] {
			continue
		}
		n := counts[id]
		if n < cfg.MinSamples {
			summary.BelowMinimum = append(summary.BelowMinimum, id)
			continue
		}
		mae := sums[id] / float64(n)
		rel := models.Clamp01(1 - mae)
		summary.Scored = append(summary.Scored, AnnotatorReliability{
			AnnotatorID:  id,
			NSamples:     n,
			MeanAbsError: mae,
			Reliability:  rel,
			Weight:       WeightFor(rel),
		})
	}
	for id := range failed {
		summary.Failed = append(summary.Failed, id)
	}
	sort.Slice(summary.Failed, func(i, j int) bool { return summary.Failed[i] < summary.Failed[j] })

	return summary, nil
}

// Run computes scores and appends one snapshot per scored annotator. Each
// snapshot commits on its own; a failed write only drops that annotator.
func (e *ReliabilityEstimator) Run(ctx context.Context, cfg ReliabilityConfig) (*RunSummary, error) {
	summary, err := e.Compute(ctx, cfg)
	if err != nil {
		return nil, err
	}

	details, err := json.Marshal(map[string]any{
		"run_id":      summary.RunID,
		"min_samples": cfg.MinSamples,
		"max_samples": cfg.MaxSamples,
	})
	if err != nil {
		return nil, err
	}

	for _, r := range summary.Scored {
		snap := &models.ReliabilitySnapshot{
			RunID:        summary.RunID,
			CreatedAt:    summary.StartedAt,
			WindowDays:   cfg.WindowDays,
			AnnotatorID:  r.AnnotatorID,
			NSamples:     r.NSamples,
			MeanAbsError: r.MeanAbsError,
			Reliability:  r.Reliability,
			Weight:       r.Weight,
			DetailsJSON:  string(details),
		}
		if err := e.store.InsertSnapshot(ctx, snap); err != nil {
			e.logger.Warn("Failed to write reliability snapshot",
				zap.Int64("annotator_id", r.AnnotatorID),
				zap.String("run_id", summary.RunID),
				zap.Error(err))
			summary.Failed = append(summary.Failed, r.AnnotatorID)
			continue
		}
		summary.Written++
	}

	e.logger.Info("Reliability run completed",
		zap.String("run_id", summary.RunID),
		zap.Int("samples_scanned", summary.SamplesScanned),
		zap.Int("written", summary.Written),
		zap.Int("failed", len(summary.Failed)))

	return summary, nil
}
