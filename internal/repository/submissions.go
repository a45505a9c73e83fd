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

const submissionColumns = `id, donated_sample_id, annotator_id, created_at, is_skip, labels_json`

func listSubmissions(ctx context.Context, q sqlx.ExtContext, sampleID int64) ([]models.Submission, error) {
	query := q.Rebind(`
		SELECT ` + submissionColumns + `
		FROM donated_sample_labels
		WHERE donated_sample_id = ?
		ORDER BY created_at DESC, id DESC
	`)
	var subs []models.Submission
	if err := sqlx.SelectContext(ctx, q, &subs, query, sampleID); err != nil {
		return nil, fmt.Errorf("failed to query submissions for sample %d: %w", sampleID, err)
	}
	for i := range subs {
		subs[i].DecodePayload()
	}
	return subs, nil
}

// ListSubmissions returns every submission for a sample, newest first.
func (s *Store) ListSubmissions(ctx context.Context, sampleID int64) ([]models.Submission, error) {
	return listSubmissions(ctx, s.db, sampleID)
}

// LatestSubmission returns the annotator's newest submission for a sample
// with the given skip flag, or ErrNotFound.
func (s *Store) LatestSubmission(ctx context.Context, sampleID, annotatorID int64, skip bool) (*models.Submission, error) {
	query := s.db.Rebind(`
		SELECT ` + submissionColumns + `
		FROM donated_sample_labels
		WHERE donated_sample_id = ? AND annotator_id = ? AND is_skip = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`)
	var sub models.Submission
	err := s.db.GetContext(ctx, &sub, query, sampleID, annotatorID, skip)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	sub.DecodePayload()
	return &sub, nil
}

// SubmissionsSince returns submissions created at or after cutoff, newest first.
func (s *Store) SubmissionsSince(ctx context.Context, cutoff time.Time, limit int) ([]models.Submission, error) {
	query := s.db.Rebind(`
		SELECT ` + submissionColumns + `
		FROM donated_sample_labels
		WHERE created_at >= ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`)
	var subs []models.Submission
	if err := s.db.SelectContext(ctx, &subs, query, cutoff.UTC(), limit); err != nil {
		return nil, fmt.Errorf("failed to query submissions: %w", err)
	}
	return subs, nil
}

// ListSubmissions returns every submission for a sample inside the transaction.
func (t *Tx) ListSubmissions(ctx context.Context, sampleID int64) ([]models.Submission, error) {
	return listSubmissions(ctx, t.tx, sampleID)
}

// HasSubmission reports whether the annotator already judged the sample.
func (t *Tx) HasSubmission(ctx context.Context, sampleID, annotatorID int64) (bool, error) {
	var n int
	err := t.tx.GetContext(ctx, &n,
		t.tx.Rebind(`SELECT COUNT(*) FROM donated_sample_labels WHERE donated_sample_id = ? AND annotator_id = ?`),
		sampleID, annotatorID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to check existing submission: %w", err)
	}
	return n > 0, nil
}

// InsertSubmission stores a submission and sets its ID. A second submission
// by the same annotator for the same sample yields ErrUniqueViolation.
func (t *Tx) InsertSubmission(ctx context.Context, sub *models.Submission) error {
	query := t.tx.Rebind(`
		INSERT INTO donated_sample_labels (donated_sample_id, annotator_id, created_at, is_skip, labels_json)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`)
	err := t.tx.QueryRowxContext(ctx, query,
		sub.SampleID,
		sub.AnnotatorID,
		sub.CreatedAt.UTC(),
		sub.IsSkip,
		sub.LabelsJSON,
	).Scan(&sub.ID)
	if isUniqueViolation(err) {
		return ErrUniqueViolation
	}
	if err != nil {
		return fmt.Errorf("failed to save submission: %w", err)
	}
	return nil
}
