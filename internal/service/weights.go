package service

import (
	"context"

	"labelconsensus/internal/models"
	"labelconsensus/internal/repository"
)

// SampleWeights derives a training weight for a final label from the
// latest reliability snapshot of each contributor.
type SampleWeights struct {
	byAnnotator map[int64]float64
}

// NewSampleWeights indexes snapshots, keeping the newest one per annotator.
func NewSampleWeights(snaps []models.ReliabilitySnapshot) *SampleWeights {
	latest := make(map[int64]models.ReliabilitySnapshot, len(snaps))
	for _, s := range snaps {
		cur, ok := latest[s.AnnotatorID]
		if !ok || s.CreatedAt.After(cur.CreatedAt) || (s.CreatedAt.Equal(cur.CreatedAt) && s.ID > cur.ID) {
			latest[s.AnnotatorID] = s
		}
	}

	w := &SampleWeights{byAnnotator: make(map[int64]float64, len(latest))}
	for id, s := range latest {
		w.byAnnotator[id] = s.Weight
	}
	return w
}

// LoadSampleWeights reads the latest snapshots from the store.
func LoadSampleWeights(ctx context.Context, store *repository.Store) (*SampleWeights, error) {
	snaps, err := store.LatestSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	return NewSampleWeights(snaps), nil
}

// AnnotatorWeight returns the annotator's weight, 1.0 when unknown.
func (w *SampleWeights) AnnotatorWeight(annotatorID int64) float64 {
	if v, ok := w.byAnnotator[annotatorID]; ok {
		return v
	}
	return 1.0
}

// For returns the mean weight of the final's contributors. Finals without
// contributors, such as overrides, weigh 1.0.
func (w *SampleWeights) For(final *models.FinalLabels) float64 {
	ids := final.Consensus.AnnotatorIDs()
	if len(ids) == 0 {
		return 1.0
	}
	var sum float64
	for _, id := range ids {
		sum += w.AnnotatorWeight(id)
	}
	return sum / float64(len(ids))
}
