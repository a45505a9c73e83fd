package models

import (
	"encoding/json"
	"time"
)

// Artifact statuses, one per evaluation attempt.
const (
	StatusNeedsMore    = "needs_more"
	StatusConflict     = "conflict"
	StatusEscalated    = "escalated"
	StatusFinalized    = "finalized"
	StatusSkippedFinal = "skipped_final"
)

// Algorithm identifiers recorded on artifacts.
const (
	AlgorithmConsensus     = "median/mean_consensus"
	AlgorithmForceFinalize = "force_finalize"
)

// DisagreementMeta describes how far apart the aggregated submissions were.
type DisagreementMeta struct {
	NLabelers   int     `json:"n_labelers"`
	NCompared   int     `json:"n_compared"`
	NPairs      int     `json:"n_pairs"`
	MeanAbsDiff float64 `json:"mean_abs_diff"`
	MaxAbsDiff  float64 `json:"max_abs_diff"`
	Method      string  `json:"method"`
}

// ContributorRef points at a submission that fed a consensus.
type ContributorRef struct {
	SubmissionID int64 `json:"submission_id"`
	AnnotatorID  int64 `json:"annotator_id"`
}

// ConsensusInfo is the provenance block of a final payload.
type ConsensusInfo struct {
	Method string            `json:"method"`
	Meta   *DisagreementMeta `json:"meta,omitempty"`
	From   []ContributorRef  `json:"from"`
}

// AnnotatorIDs returns the distinct positive annotator ids in From, in order.
func (c ConsensusInfo) AnnotatorIDs() []int64 {
	seen := make(map[int64]bool, len(c.From))
	var ids []int64
	for _, ref := range c.From {
		if ref.AnnotatorID <= 0 || seen[ref.AnnotatorID] {
			continue
		}
		seen[ref.AnnotatorID] = true
		ids = append(ids, ref.AnnotatorID)
	}
	return ids
}

// FinalLabels is the ground-truth payload stored on a sample.
type FinalLabels struct {
	Skipped      bool                          `json:"skipped,omitempty"`
	Reason       string                        `json:"reason,omitempty"`
	Labels       map[string]float64            `json:"labels,omitempty"`
	RegionLabels map[string]map[string]float64 `json:"region_labels,omitempty"`
	Fitzpatrick  *string                       `json:"fitzpatrick,omitempty"`
	AgeBand      *string                       `json:"age_band,omitempty"`
	Consensus    ConsensusInfo                 `json:"consensus"`
	FinalizedAt  time.Time                     `json:"finalized_at"`
	FinalizedVia string                        `json:"finalized_via,omitempty"`
	FinalizedBy  *int64                        `json:"finalized_by,omitempty"`
}

// Flatten returns the final scores in the same key space as LabelPayload.Flatten.
func (f *FinalLabels) Flatten() map[string]float64 {
	return FlattenScores(f.Labels, f.RegionLabels)
}

// ArtifactDetail is the snapshot serialized into artifact_json.
type ArtifactDetail struct {
	Mode              string            `json:"mode,omitempty"`
	Ready             bool              `json:"ready"`
	Conflict          bool              `json:"conflict"`
	Escalate          bool              `json:"escalate"`
	Reason            string            `json:"reason,omitempty"`
	UsedN             int               `json:"used_n,omitempty"`
	BaseN             int               `json:"base_n,omitempty"`
	EscalateN         int               `json:"escalate_n,omitempty"`
	NonSkipCount      int               `json:"n_non_skip"`
	SkipCount         int               `json:"n_skip"`
	Meta              *DisagreementMeta `json:"meta,omitempty"`
	EscalationMeta    *DisagreementMeta `json:"escalation_meta,omitempty"`
	UsedSubmissionIDs []int64           `json:"used_submission_ids"`
	ConsensusMethod   string            `json:"consensus_method,omitempty"`
	OverrodeExisting  bool              `json:"overrode_existing,omitempty"`
}

// ConsensusArtifact is an append-only audit row for one evaluation attempt.
type ConsensusArtifact struct {
	ID               int64           `json:"id" db:"id"`
	SampleID         int64           `json:"sample_id" db:"donated_sample_id"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	Status           string          `json:"status" db:"status"`
	Algorithm        string          `json:"algorithm" db:"algorithm"`
	ComputedByUserID *int64          `json:"computed_by_user_id,omitempty" db:"computed_by_user_id"`
	ComputedByEmail  *string         `json:"computed_by_email,omitempty" db:"computed_by_email"`
	RequestID        *string         `json:"request_id,omitempty" db:"request_id"`
	ArtifactJSON     string          `json:"-" db:"artifact_json"`
	Detail           json.RawMessage `json:"artifact" db:"-"`
}

// ArtifactFilter narrows an artifact history query. Zero values mean "any".
type ArtifactFilter struct {
	SampleID int64
	Status   string
	Since    *time.Time
	Until    *time.Time
	BeforeID int64
	Limit    int
}

// ReliabilitySnapshot is one annotator's score from one batch run.
type ReliabilitySnapshot struct {
	ID           int64     `json:"id" db:"id"`
	RunID        string    `json:"run_id" db:"run_id"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	WindowDays   int       `json:"window_days" db:"window_days"`
	AnnotatorID  int64     `json:"annotator_id" db:"annotator_id"`
	NSamples     int       `json:"n_samples" db:"n_samples"`
	MeanAbsError float64   `json:"mean_abs_error" db:"mean_abs_error"`
	Reliability  float64   `json:"reliability" db:"reliability"`
	Weight       float64   `json:"weight" db:"weight"`
	DetailsJSON  string    `json:"details_json,omitempty" db:"details_json"`
}

// TrainingRecord is one row of the training export.
type TrainingRecord struct {
	SampleID       int64            `json:"sample_id"`
	ImageReference string           `json:"image_reference"`
	Labels         TrainingLabels   `json:"final_label_payload"`
	SampleWeight   float64          `json:"sample_weight"`
	Metadata       TrainingMetadata `json:"metadata"`
}

// TrainingLabels carries only the score maps the training loop consumes.
type TrainingLabels struct {
	Labels       map[string]float64            `json:"labels"`
	RegionLabels map[string]map[string]float64 `json:"region_labels"`
	Fitzpatrick  *string                       `json:"fitzpatrick,omitempty"`
	AgeBand      *string                       `json:"age_band,omitempty"`
}

// TrainingMetadata is provenance for a training row.
type TrainingMetadata struct {
	ContentHash string        `json:"roi_sha256"`
	Consensus   ConsensusInfo `json:"consensus"`
	FinalizedAt *time.Time    `json:"finalized_at,omitempty"`
}
