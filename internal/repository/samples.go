package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"labelconsensus/internal/models"

	"github.com/jmoiron/sqlx"
)

const sampleColumns = `id, roi_sha256, roi_image_path, metadata_json, labels_json, labeled_at,
	       is_withdrawn, withdrawn_at, created_at`

func getSample(ctx context.Context, q sqlx.ExtContext, id int64, forUpdate bool) (*models.Sample, error) {
	query := `SELECT ` + sampleColumns + ` FROM donated_samples WHERE id = ?`
	if forUpdate && q.DriverName() == DriverPostgres {
		query += ` FOR UPDATE`
	}

	var s models.Sample
	err := sqlx.GetContext(ctx, q, &s, q.Rebind(query), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sample %d: %w", id, err)
	}
	return &s, nil
}

// CreateSample registers a donated sample. The donation subsystem owns this
// in production; the service uses it for seeding and tests.
func (s *Store) CreateSample(ctx context.Context, sample *models.Sample) error {
	if sample.CreatedAt.IsZero() {
		sample.CreatedAt = time.Now().UTC()
	}
	query := s.db.Rebind(`
		INSERT INTO donated_samples (roi_sha256, roi_image_path, metadata_json, is_withdrawn, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`)
	err := s.db.QueryRowxContext(ctx, query,
		sample.ContentHash,
		sample.ImagePath,
		sample.MetadataJSON,
		sample.IsWithdrawn,
		sample.CreatedAt.UTC(),
	).Scan(&sample.ID)
	if isUniqueViolation(err) {
		return ErrUniqueViolation
	}
	if err != nil {
		return fmt.Errorf("failed to create sample: %w", err)
	}
	return nil
}

// WithdrawSample marks a sample withdrawn by its donor.
func (s *Store) WithdrawSample(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE donated_samples SET is_withdrawn = ?, withdrawn_at = ? WHERE id = ?`),
		true, at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to withdraw sample %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSample retrieves a sample by id.
func (s *Store) GetSample(ctx context.Context, id int64) (*models.Sample, error) {
	return getSample(ctx, s.db, id, false)
}

// PendingSamples returns samples still waiting for ground truth that the
// annotator has not judged yet, oldest first.
func (s *Store) PendingSamples(ctx context.Context, annotatorID int64, limit int) ([]models.Sample, error) {
	query := s.db.Rebind(`
		SELECT ` + sampleColumns + `
		FROM donated_samples d
		WHERE d.is_withdrawn = ?
		  AND d.labels_json IS NULL
		  AND NOT EXISTS (
		      SELECT 1 FROM donated_sample_labels l
		      WHERE l.donated_sample_id = d.id AND l.annotator_id = ?
		  )
		ORDER BY d.created_at ASC, d.id ASC
		LIMIT ?
	`)
	var samples []models.Sample
	if err := s.db.SelectContext(ctx, &samples, query, false, annotatorID, limit); err != nil {
		return nil, fmt.Errorf("failed to query pending samples: %w", err)
	}
	return samples, nil
}

// FinalizedSamples returns finalized, non-withdrawn samples, most recently
// finalized first. A nil since means no lower bound on labeled_at.
func (s *Store) FinalizedSamples(ctx context.Context, since *time.Time, limit int) ([]models.Sample, error) {
	query := `
		SELECT ` + sampleColumns + `
		FROM donated_samples
		WHERE is_withdrawn = ?
		  AND labels_json IS NOT NULL
		  AND labeled_at IS NOT NULL`
	args := []any{false}
	if since != nil {
		query += ` AND labeled_at >= ?`
		args = append(args, since.UTC())
	}
	query += ` ORDER BY labeled_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var samples []models.Sample
	if err := s.db.SelectContext(ctx, &samples, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query finalized samples: %w", err)
	}
	return samples, nil
}

// LockSample loads a sample and, on Postgres, holds its row lock until the
// transaction ends.
func (t *Tx) LockSample(ctx context.Context, id int64) (*models.Sample, error) {
	return getSample(ctx, t.tx, id, true)
}

// FinalizeSample writes the final payload. Unless overwrite is set the write
// only applies to a still-pending sample; the boolean reports whether a row changed.
func (t *Tx) FinalizeSample(ctx context.Context, id int64, labelsJSON string, at time.Time, overwrite bool) (bool, error) {
	query := `UPDATE donated_samples SET labels_json = ?, labeled_at = ? WHERE id = ?`
	if !overwrite {
		query += ` AND labels_json IS NULL`
	}
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(query), labelsJSON, at.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to finalize sample %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}
