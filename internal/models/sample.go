package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Sample is a donated image region awaiting ground truth. The donation
// subsystem owns the row; this service only writes labels_json and labeled_at.
type Sample struct {
	ID           int64      `json:"id" db:"id"`
	ContentHash  string     `json:"roi_sha256" db:"roi_sha256"`
	ImagePath    string     `json:"image_reference" db:"roi_image_path"`
	MetadataJSON string     `json:"metadata_json" db:"metadata_json"`
	LabelsJSON   *string    `json:"-" db:"labels_json"`
	LabeledAt    *time.Time `json:"labeled_at,omitempty" db:"labeled_at"`
	IsWithdrawn  bool       `json:"is_withdrawn" db:"is_withdrawn"`
	WithdrawnAt  *time.Time `json:"withdrawn_at,omitempty" db:"withdrawn_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// IsFinal reports whether the final label payload has been written.
func (s *Sample) IsFinal() bool {
	return s.LabelsJSON != nil
}

// Final decodes the stored final payload. It returns nil for pending samples.
func (s *Sample) Final() (*FinalLabels, error) {
	if s.LabelsJSON == nil {
		return nil, nil
	}
	var f FinalLabels
	if err := json.Unmarshal([]byte(*s.LabelsJSON), &f); err != nil {
		return nil, fmt.Errorf("decode final labels for sample %d: %w", s.ID, err)
	}
	return &f, nil
}

// Submission is one annotator's judgment for one sample. Immutable once stored.
type Submission struct {
	ID          int64        `json:"id" db:"id"`
	SampleID    int64        `json:"sample_id" db:"donated_sample_id"`
	AnnotatorID int64        `json:"annotator_id" db:"annotator_id"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	IsSkip      bool         `json:"is_skip" db:"is_skip"`
	LabelsJSON  string       `json:"-" db:"labels_json"`
	Payload     LabelPayload `json:"payload" db:"-"`
}

// DecodePayload fills Payload from LabelsJSON. Undecodable rows yield an
// empty payload, which the aggregator treats as "no keys provided".
func (s *Submission) DecodePayload() {
	var p LabelPayload
	if err := json.Unmarshal([]byte(s.LabelsJSON), &p); err != nil {
		p = LabelPayload{}
	}
	s.Payload = p
}

// Ref returns the reference stored in a consensus "from" list.
func (s *Submission) Ref() ContributorRef {
	return ContributorRef{SubmissionID: s.ID, AnnotatorID: s.AnnotatorID}
}
