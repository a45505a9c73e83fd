package service

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"labelconsensus/internal/models"
	"labelconsensus/internal/repository"

	"go.uber.org/zap"
)

// Exporter writes finalized labels for downstream training and raw
// submissions for offline review.
type Exporter struct {
	store  *repository.Store
	logger *zap.Logger
}

// NewExporter creates a new exporter.
func NewExporter(store *repository.Store, logger *zap.Logger) *Exporter {
	return &Exporter{store: store, logger: logger}
}

// TrainingRecords returns up to limit weighted training rows, newest finals
// first. Skipped finals carry no scores and are left out.
func (e *Exporter) TrainingRecords(ctx context.Context, limit int) ([]models.TrainingRecord, error) {
	weights, err := LoadSampleWeights(ctx, e.store)
	if err != nil {
		return nil, fmt.Errorf("failed to load reliability weights: %w", err)
	}

	samples, err := e.store.FinalizedSamples(ctx, nil, limit)
	if err != nil {
		return nil, err
	}

	records := make([]models.TrainingRecord, 0, len(samples))
	for _, sample := range samples {
		final, err := sample.Final()
		if err != nil {
			e.logger.Warn("Skipping sample with unreadable final labels", zap.Int64("sample_id", sample.ID), zap.Error(err))
			continue
		}
		if final.Skipped {
			continue
		}

		labels := final.Labels
		if labels == nil {
			labels = map[string]float64{}
		}
		regions := final.RegionLabels
		if regions == nil {
			regions = map[string]map[string]float64{}
		}

		records = append(records, models.TrainingRecord{
			SampleID:       sample.ID,
			ImageReference: sample.ImagePath,
			Labels: models.TrainingLabels{
				Labels:       labels,
				RegionLabels: regions,
				Fitzpatrick:  final.Fitzpatrick,
				AgeBand:      final.AgeBand,
			},
			SampleWeight: weights.For(final),
			Metadata: models.TrainingMetadata{
				ContentHash: sample.ContentHash,
				Consensus:   final.Consensus,
				FinalizedAt: sample.LabeledAt,
			},
		})
	}
	return records, nil
}

// WriteTrainingJSONL writes one JSON object per line and returns the row count.
func (e *Exporter) WriteTrainingJSONL(ctx context.Context, w io.Writer, limit int) (int, error) {
	records, err := e.TrainingRecords(ctx, limit)
	if err != nil {
		return 0, err
	}

	encoder := json.NewEncoder(w)
	for i := range records {
		if err := encoder.Encode(&records[i]); err != nil {
			return i, fmt.Errorf("failed to write training record: %w", err)
		}
	}
	return len(records), nil
}

// WriteSubmissionsCSV writes raw submissions from the last sinceDays days.
func (e *Exporter) WriteSubmissionsCSV(ctx context.Context, w io.Writer, sinceDays, limit int) (int, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(sinceDays) * 24 * time.Hour)
	subs, err := e.store.SubmissionsSince(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	writer := csv.NewWriter(w)
	writer.Write([]string{"id", "sample_id", "annotator_id", "created_at", "is_skip", "labels_json"})
	for _, s := range subs {
		writer.Write([]string{
			strconv.FormatInt(s.ID, 10),
			strconv.FormatInt(s.SampleID, 10),
			strconv.FormatInt(s.AnnotatorID, 10),
			s.CreatedAt.UTC().Format(time.RFC3339),
			strconv.FormatBool(s.IsSkip),
			s.LabelsJSON,
		})
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return 0, fmt.Errorf("failed to write submissions csv: %w", err)
	}
	return len(subs), nil
}
