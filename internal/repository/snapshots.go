package repository

import (
	"context"
	"fmt"

	"labelconsensus/internal/models"
)

const snapshotColumns = `id, run_id, created_at, window_days, annotator_id, n_samples,
	       mean_abs_error, reliability, weight, details_json`

// InsertSnapshot appends one reliability row. Each call commits on its own,
// so a failure for one annotator leaves rows already written in place.
func (s *Store) InsertSnapshot(ctx context.Context, snap *models.ReliabilitySnapshot) error {
	query := s.db.Rebind(`
		INSERT INTO labeler_reliability_snapshots (
			run_id, created_at, window_days, annotator_id, n_samples,
			mean_abs_error, reliability, weight, details_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	err := s.db.QueryRowxContext(ctx, query,
		snap.RunID,
		snap.CreatedAt.UTC(),
		snap.WindowDays,
		snap.AnnotatorID,
		snap.NSamples,
		snap.MeanAbsError,
		snap.Reliability,
		snap.Weight,
		snap.DetailsJSON,
	).Scan(&snap.ID)
	if err != nil {
		return fmt.Errorf("failed to save reliability snapshot for annotator %d: %w", snap.AnnotatorID, err)
	}
	return nil
}

// LatestSnapshots returns the newest snapshot of every annotator.
func (s *Store) LatestSnapshots(ctx context.Context) ([]models.ReliabilitySnapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM labeler_reliability_snapshots s
		WHERE s.id = (
		    SELECT s2.id FROM labeler_reliability_snapshots s2
		    WHERE s2.annotator_id = s.annotator_id
		    ORDER BY s2.created_at DESC, s2.id DESC
		    LIMIT 1
		)
		ORDER BY s.annotator_id ASC
	`
	var snaps []models.ReliabilitySnapshot
	if err := s.db.SelectContext(ctx, &snaps, query); err != nil {
		return nil, fmt.Errorf("failed to query latest snapshots: %w", err)
	}
	return snaps, nil
}

// SnapshotSeries returns an annotator's snapshots, newest first.
func (s *Store) SnapshotSeries(ctx context.Context, annotatorID int64, limit int) ([]models.ReliabilitySnapshot, error) {
	query := s.db.Rebind(`
		SELECT ` + snapshotColumns + `
		FROM labeler_reliability_snapshots
		WHERE annotator_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`)
	var snaps []models.ReliabilitySnapshot
	if err := s.db.SelectContext(ctx, &snaps, query, annotatorID, limit); err != nil {
		return nil, fmt.Errorf("failed to query snapshot series: %w", err)
	}
	return snaps, nil
}
