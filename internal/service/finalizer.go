package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"labelconsensus/internal/consensus"
	"labelconsensus/internal/models"
	"labelconsensus/internal/repository"

	"go.uber.org/zap"
)

var (
	ErrSampleNotFound      = errors.New("sample not found")
	ErrSampleWithdrawn     = errors.New("sample withdrawn")
	ErrSampleFinalized     = errors.New("sample already finalized")
	ErrDuplicateSubmission = errors.New("annotator already submitted for this sample")
	ErrEmptyOverride       = errors.New("override payload is empty")
)

// ReasonAlreadyFinal is reported when a finalize call finds the work done.
const ReasonAlreadyFinal = "already_final"

const defaultSkipReason = "unclear"

// SubmissionInput is a validated submission from the labeling UI.
type SubmissionInput struct {
	SampleID    int64
	AnnotatorID int64
	IsSkip      bool
	Payload     models.LabelPayload
}

// Outcome is the result of one finalize evaluation.
type Outcome struct {
	SampleID   int64                    `json:"sample_id"`
	Finalized  bool                     `json:"finalized"`
	Status     string                   `json:"status,omitempty"`
	Reason     string                   `json:"reason"`
	Mode       string                   `json:"mode,omitempty"`
	Ready      bool                     `json:"ready"`
	Conflict   bool                     `json:"conflict"`
	Escalate   bool                     `json:"escalate"`
	UsedN      int                      `json:"used_n,omitempty"`
	Meta       *models.DisagreementMeta `json:"meta,omitempty"`
	ArtifactID int64                    `json:"artifact_id,omitempty"`
	Final      *models.FinalLabels      `json:"final,omitempty"`
}

// Finalizer turns accumulated submissions into a final label set, exactly
// once per sample, and writes the audit trail as it goes.
type Finalizer struct {
	store      *repository.Store
	classifier *consensus.Classifier
	logger     *zap.Logger
	now        func() time.Time
}

// NewFinalizer creates a new finalizer.
func NewFinalizer(store *repository.Store, classifier *consensus.Classifier, logger *zap.Logger) *Finalizer {
	return &Finalizer{
		store:      store,
		classifier: classifier,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Submit stores a submission and evaluates the sample in the same
// transaction, so the submission and its verdict become visible together.
func (f *Finalizer) Submit(ctx context.Context, in SubmissionInput, actor models.Actor) (*models.Submission, *Outcome, error) {
	payload := in.Payload.Sanitize()
	if in.IsSkip {
		payload = models.LabelPayload{Labels: map[string]float64{}, Reason: in.Payload.Reason}
		if payload.Reason == "" {
			payload.Reason = defaultSkipReason
		}
	} else {
		payload.Reason = ""
	}

	labelsJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode submission: %w", err)
	}

	sub := &models.Submission{
		SampleID:    in.SampleID,
		AnnotatorID: in.AnnotatorID,
		CreatedAt:   f.now(),
		IsSkip:      in.IsSkip,
		LabelsJSON:  string(labelsJSON),
		Payload:     payload,
	}

	var outcome *Outcome
	err = f.store.WithTx(ctx, func(tx *repository.Tx) error {
		sample, err := lockPending(ctx, tx, in.SampleID)
		if err != nil {
			return err
		}
		if sample.IsFinal() {
			return ErrSampleFinalized
		}

		exists, err := tx.HasSubmission(ctx, in.SampleID, in.AnnotatorID)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateSubmission
		}
		if err := tx.InsertSubmission(ctx, sub); err != nil {
			if errors.Is(err, repository.ErrUniqueViolation) {
				return ErrDuplicateSubmission
			}
			return err
		}

		outcome, err = f.evaluate(ctx, tx, sample, actor)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	f.logger.Info("Submission stored",
		zap.Int64("sample_id", sub.SampleID),
		zap.Int64("annotator_id", sub.AnnotatorID),
		zap.Bool("is_skip", sub.IsSkip),
		zap.String("status", outcome.Status))

	return sub, outcome, nil
}

// FinalizeIfReady evaluates a sample and finalizes it when the classifier
// allows. It is idempotent: a finalized sample yields "already_final" and
// no new artifact.
func (f *Finalizer) FinalizeIfReady(ctx context.Context, sampleID int64, actor models.Actor) (*Outcome, error) {
	var outcome *Outcome
	err := f.store.WithTx(ctx, func(tx *repository.Tx) error {
		sample, err := lockPending(ctx, tx, sampleID)
		if err != nil {
			return err
		}
		if sample.IsFinal() {
			outcome = &Outcome{SampleID: sampleID, Reason: ReasonAlreadyFinal}
			return nil
		}
		outcome, err = f.evaluate(ctx, tx, sample, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// Preview classifies a sample without writing anything.
func (f *Finalizer) Preview(ctx context.Context, sampleID int64) (*Outcome, error) {
	sample, err := f.store.GetSample(ctx, sampleID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSampleNotFound
	}
	if err != nil {
		return nil, err
	}
	if sample.IsFinal() {
		final, err := sample.Final()
		if err != nil {
			return nil, err
		}
		return &Outcome{SampleID: sampleID, Reason: ReasonAlreadyFinal, Final: final}, nil
	}

	subs, err := f.store.ListSubmissions(ctx, sampleID)
	if err != nil {
		return nil, err
	}
	st := f.classifier.Classify(subs)
	return outcomeFromState(sampleID, st), nil
}

// ForceFinalize writes a privileged override, bypassing the classifier.
// It may replace an existing final payload.
func (f *Finalizer) ForceFinalize(ctx context.Context, sampleID int64, payload models.LabelPayload, skipped bool, actor models.Actor) (*Outcome, error) {
	payload = payload.Sanitize()
	if payload.IsEmpty() && !skipped {
		return nil, ErrEmptyOverride
	}

	now := f.now()
	final := &models.FinalLabels{
		Skipped:      skipped,
		Reason:       payload.Reason,
		Labels:       payload.Labels,
		RegionLabels: payload.RegionLabels,
		Fitzpatrick:  payload.Fitzpatrick,
		AgeBand:      payload.AgeBand,
		Consensus: models.ConsensusInfo{
			Method: models.AlgorithmForceFinalize,
			From:   []models.ContributorRef{},
		},
		FinalizedAt:  now,
		FinalizedVia: models.AlgorithmForceFinalize,
	}
	if actor.UserID > 0 {
		id := actor.UserID
		final.FinalizedBy = &id
	}

	var outcome *Outcome
	err := f.store.WithTx(ctx, func(tx *repository.Tx) error {
		sample, err := tx.LockSample(ctx, sampleID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrSampleNotFound
		}
		if err != nil {
			return err
		}

		finalJSON, err := json.Marshal(final)
		if err != nil {
			return fmt.Errorf("failed to encode final labels: %w", err)
		}
		if _, err := tx.FinalizeSample(ctx, sampleID, string(finalJSON), now, true); err != nil {
			return err
		}

		detail := models.ArtifactDetail{
			Ready:             true,
			Reason:            models.AlgorithmForceFinalize,
			UsedSubmissionIDs: []int64{},
			ConsensusMethod:   models.AlgorithmForceFinalize,
			OverrodeExisting:  sample.IsFinal(),
		}
		artifact, err := f.writeArtifact(ctx, tx, sampleID, models.StatusFinalized, models.AlgorithmForceFinalize, detail, actor, now)
		if err != nil {
			return err
		}

		outcome = &Outcome{
			SampleID:   sampleID,
			Finalized:  true,
			Status:     models.StatusFinalized,
			Reason:     models.AlgorithmForceFinalize,
			Ready:      true,
			ArtifactID: artifact.ID,
			Final:      final,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	f.logger.Info("Sample force-finalized",
		zap.Int64("sample_id", sampleID),
		zap.Int64("actor_id", actor.UserID),
		zap.String("request_id", actor.RequestID))

	return outcome, nil
}

func lockPending(ctx context.Context, tx *repository.Tx, sampleID int64) (*models.Sample, error) {
	sample, err := tx.LockSample(ctx, sampleID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSampleNotFound
	}
	if err != nil {
		return nil, err
	}
	if sample.IsWithdrawn {
		return nil, ErrSampleWithdrawn
	}
	return sample, nil
}

// evaluate runs the classifier for a pending, locked sample, finalizes it
// when ready and always records the evaluation as an artifact.
func (f *Finalizer) evaluate(ctx context.Context, tx *repository.Tx, sample *models.Sample, actor models.Actor) (*Outcome, error) {
	subs, err := tx.ListSubmissions(ctx, sample.ID)
	if err != nil {
		return nil, err
	}

	st := f.classifier.Classify(subs)
	detail := f.classifier.Detail(st)
	status := st.Status()
	now := f.now()
	outcome := outcomeFromState(sample.ID, st)

	if !st.Ready {
		artifact, err := f.writeArtifact(ctx, tx, sample.ID, status, models.AlgorithmConsensus, detail, actor, now)
		if err != nil {
			return nil, err
		}
		outcome.ArtifactID = artifact.ID

		if st.Conflict || st.Escalate {
			f.logger.Info("Sample needs attention",
				zap.Int64("sample_id", sample.ID),
				zap.String("status", status),
				zap.String("reason", st.Reason))
		}
		return outcome, nil
	}

	final := f.buildFinal(st, now)
	detail.ConsensusMethod = final.Consensus.Method

	finalJSON, err := json.Marshal(final)
	if err != nil {
		return nil, fmt.Errorf("failed to encode final labels: %w", err)
	}
	updated, err := tx.FinalizeSample(ctx, sample.ID, string(finalJSON), now, false)
	if err != nil {
		return nil, err
	}
	if !updated {
		return &Outcome{SampleID: sample.ID, Reason: ReasonAlreadyFinal}, nil
	}

	// A skip quorum records the evaluation itself, then the skipped_final
	// stamp with the contributing submissions.
	if st.Mode == consensus.ModeSkip {
		if _, err := f.writeArtifact(ctx, tx, sample.ID, models.StatusFinalized, models.AlgorithmConsensus, detail, actor, now); err != nil {
			return nil, err
		}
	}
	artifact, err := f.writeArtifact(ctx, tx, sample.ID, status, models.AlgorithmConsensus, detail, actor, now)
	if err != nil {
		return nil, err
	}

	outcome.Finalized = true
	outcome.ArtifactID = artifact.ID
	outcome.Final = final

	f.logger.Info("Sample finalized",
		zap.Int64("sample_id", sample.ID),
		zap.String("status", status),
		zap.String("method", final.Consensus.Method))

	return outcome, nil
}

func (f *Finalizer) buildFinal(st consensus.State, now time.Time) *models.FinalLabels {
	refs := consensus.Refs(st.Used)

	if st.Mode == consensus.ModeSkip {
		return &models.FinalLabels{
			Skipped: true,
			Reason:  skipReason(st.Used),
			Consensus: models.ConsensusInfo{
				Method: fmt.Sprintf("%d_distinct_labelers_skip", len(st.Used)),
				From:   refs,
			},
			FinalizedAt: now,
		}
	}

	res := consensus.Aggregate(consensus.Payloads(st.Used))
	meta := res.Meta
	return &models.FinalLabels{
		Labels:       res.Global,
		RegionLabels: res.Regions,
		Fitzpatrick:  unanimous(st.Used, func(p models.LabelPayload) *string { return p.Fitzpatrick }),
		AgeBand:      unanimous(st.Used, func(p models.LabelPayload) *string { return p.AgeBand }),
		Consensus: models.ConsensusInfo{
			Method: consensus.ConsensusMethod(len(st.Used)),
			Meta:   &meta,
			From:   refs,
		},
		FinalizedAt: now,
	}
}

func (f *Finalizer) writeArtifact(ctx context.Context, tx *repository.Tx, sampleID int64, status, algorithm string, detail models.ArtifactDetail, actor models.Actor, now time.Time) (*models.ConsensusArtifact, error) {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("failed to encode artifact: %w", err)
	}

	a := &models.ConsensusArtifact{
		SampleID:     sampleID,
		CreatedAt:    now,
		Status:       status,
		Algorithm:    algorithm,
		ArtifactJSON: string(detailJSON),
	}
	if actor.UserID > 0 {
		id := actor.UserID
		a.ComputedByUserID = &id
	}
	if actor.Email != "" {
		email := actor.Email
		a.ComputedByEmail = &email
	}
	if actor.RequestID != "" {
		rid := actor.RequestID
		a.RequestID = &rid
	}

	if err := tx.InsertArtifact(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func outcomeFromState(sampleID int64, st consensus.State) *Outcome {
	meta := st.Meta
	if st.EscalationMeta != nil {
		meta = st.EscalationMeta
	}
	return &Outcome{
		SampleID: sampleID,
		Status:   st.Status(),
		Reason:   st.Reason,
		Mode:     string(st.Mode),
		Ready:    st.Ready,
		Conflict: st.Conflict,
		Escalate: st.Escalate,
		UsedN:    st.UsedN,
		Meta:     meta,
	}
}

// unanimous returns the shared value when every submission carries the
// same one, and nil on any disagreement or gap.
func unanimous(subs []models.Submission, get func(models.LabelPayload) *string) *string {
	var first string
	for i, s := range subs {
		v := get(s.Payload)
		if v == nil {
			return nil
		}
		if i == 0 {
			first = *v
			continue
		}
		if *v != first {
			return nil
		}
	}
	if len(subs) == 0 {
		return nil
	}
	return &first
}

func skipReason(subs []models.Submission) string {
	reason := ""
	for i, s := range subs {
		r := s.Payload.Reason
		if r == "" {
			r = defaultSkipReason
		}
		if i == 0 {
			reason = r
			continue
		}
		if r != reason {
			return consensus.ReasonSkipQuorum
		}
	}
	if reason == "" {
		return consensus.ReasonSkipQuorum
	}
	return reason
}
