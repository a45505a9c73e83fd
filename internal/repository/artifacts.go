package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"labelconsensus/internal/models"
)

const (
	defaultArtifactPage = 100
	maxArtifactPage     = 500
)

// InsertArtifact appends an audit row. Artifacts are never updated or deleted.
func (t *Tx) InsertArtifact(ctx context.Context, a *models.ConsensusArtifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Algorithm == "" {
		a.Algorithm = models.AlgorithmConsensus
	}
	query := t.tx.Rebind(`
		INSERT INTO consensus_artifacts (
			donated_sample_id, created_at, status, algorithm,
			computed_by_user_id, computed_by_email, request_id, artifact_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	err := t.tx.QueryRowxContext(ctx, query,
		a.SampleID,
		a.CreatedAt.UTC(),
		a.Status,
		a.Algorithm,
		a.ComputedByUserID,
		a.ComputedByEmail,
		a.RequestID,
		a.ArtifactJSON,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to save consensus artifact: %w", err)
	}
	a.Detail = json.RawMessage(a.ArtifactJSON)
	return nil
}

// ListArtifacts pages through artifact history newest first. Pass the last
// seen id as BeforeID to fetch the next page.
func (s *Store) ListArtifacts(ctx context.Context, f models.ArtifactFilter) ([]models.ConsensusArtifact, error) {
	query := `
		SELECT id, donated_sample_id, created_at, status, algorithm,
		       computed_by_user_id, computed_by_email, request_id, artifact_json
		FROM consensus_artifacts
		WHERE 1 = 1`
	var args []any

	if f.SampleID > 0 {
		query += ` AND donated_sample_id = ?`
		args = append(args, f.SampleID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, f.Since.UTC())
	}
	if f.Until != nil {
		query += ` AND created_at < ?`
		args = append(args, f.Until.UTC())
	}
	if f.BeforeID > 0 {
		query += ` AND id < ?`
		args = append(args, f.BeforeID)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultArtifactPage
	}
	if limit > maxArtifactPage {
		limit = maxArtifactPage
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var artifacts []models.ConsensusArtifact
	if err := s.db.SelectContext(ctx, &artifacts, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query consensus artifacts: %w", err)
	}
	for i := range artifacts {
		artifacts[i].Detail = json.RawMessage(artifacts[i].ArtifactJSON)
	}
	return artifacts, nil
}

// CountArtifacts returns the number of artifacts recorded for a sample.
func (s *Store) CountArtifacts(ctx context.Context, sampleID int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM consensus_artifacts WHERE donated_sample_id = ?`), sampleID)
	if err != nil {
		return 0, fmt.Errorf("failed to count artifacts: %w", err)
	}
	return n, nil
}
