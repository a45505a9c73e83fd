package consensus

import (
	"errors"
	"fmt"

	"labelconsensus/internal/models"
)

// Mode is the kind of input a sample has accumulated.
type Mode string

const (
	ModeLabel Mode = "label"
	ModeSkip  Mode = "skip"
	ModeMixed Mode = "mixed"
)

// Classifier reasons.
const (
	ReasonNeedMoreLabels      = "need_more_labels"
	ReasonMixedSkipAndLabels  = "mixed_skip_and_labels"
	ReasonSkipQuorum          = "skip_quorum"
	ReasonWithinThresholds    = "within_thresholds"
	ReasonNoOverlappingKeys   = "no_overlapping_keys"
	ReasonEscalateNoOverlap   = "no_overlapping_keys_escalate"
	ReasonEscalateDisagree    = "disagreement_escalate"
	ReasonDisagreement        = "disagreement_exceeds_thresholds"
	ReasonUnresolvedEscalated = "disagreement_unresolved_after_escalation"
	ReasonEscalatedAgreement  = "within_thresholds_after_escalation"
)

// Threshold bounds the tolerated disagreement for a given number of raters.
type Threshold struct {
	N       int     `yaml:"n" json:"n"`
	MeanMax float64 `yaml:"mean_max" json:"mean_max"`
	MaxMax  float64 `yaml:"max_max" json:"max_max"`
}

// Allows reports whether meta stays within the threshold.
func (t Threshold) Allows(meta models.DisagreementMeta) bool {
	return meta.MeanAbsDiff <= t.MeanMax && meta.MaxAbsDiff <= t.MaxMax
}

// Config drives the classifier.
type Config struct {
	BaseN           int         `yaml:"base_n"`
	EscalateN       int         `yaml:"escalate_n"`
	EscalateEnabled bool        `yaml:"escalate_enabled"`
	Thresholds      []Threshold `yaml:"thresholds"`
}

// DefaultConfig is two raters with one escalation rater and looser bounds at three.
func DefaultConfig() Config {
	return Config{
		BaseN:           2,
		EscalateN:       3,
		EscalateEnabled: true,
		Thresholds: []Threshold{
			{N: 2, MeanMax: 0.15, MaxMax: 0.30},
			{N: 3, MeanMax: 0.20, MaxMax: 0.40},
		},
	}
}

// ThresholdFor returns the threshold row configured for n raters.
func (c Config) ThresholdFor(n int) (Threshold, bool) {
	for _, t := range c.Thresholds {
		if t.N == n {
			return t, true
		}
	}
	return Threshold{N: n}, false
}

// Validate checks the quorum sizes and that threshold rows exist for them.
func (c Config) Validate() error {
	if c.BaseN < 2 {
		return fmt.Errorf("base_n must be >= 2, got %d", c.BaseN)
	}
	for _, t := range c.Thresholds {
		if t.MeanMax < 0 || t.MaxMax < 0 {
			return errors.New("thresholds must be non-negative")
		}
	}
	if _, ok := c.ThresholdFor(c.BaseN); !ok {
		return fmt.Errorf("no threshold configured for base_n=%d", c.BaseN)
	}
	if !c.EscalateEnabled {
		return nil
	}
	if c.EscalateN <= c.BaseN {
		return fmt.Errorf("escalate_n (%d) must be greater than base_n (%d)", c.EscalateN, c.BaseN)
	}
	if _, ok := c.ThresholdFor(c.EscalateN); !ok {
		return fmt.Errorf("no threshold configured for escalate_n=%d", c.EscalateN)
	}
	return nil
}

// State is the classifier's verdict for one sample.
type State struct {
	Mode           Mode
	Ready          bool
	Conflict       bool
	Escalate       bool
	Reason         string
	UsedN          int
	NonSkipCount   int
	SkipCount      int
	Meta           *models.DisagreementMeta
	EscalationMeta *models.DisagreementMeta
	// Used holds the submissions the verdict was computed from, newest first.
	Used []models.Submission
}

// Status maps the state onto an artifact status.
func (s State) Status() string {
	switch {
	case s.Ready && s.Mode == ModeSkip:
		return models.StatusSkippedFinal
	case s.Ready:
		return models.StatusFinalized
	case s.Conflict:
		return models.StatusConflict
	case s.Escalate:
		return models.StatusEscalated
	default:
		return models.StatusNeedsMore
	}
}

// Classifier decides whether a sample can be finalized.
type Classifier struct {
	cfg Config
}

// NewClassifier creates a classifier for cfg.
func NewClassifier(cfg Config) *Classifier {
	return &Classifier{cfg: cfg}
}

// Config returns the classifier configuration.
func (c *Classifier) Config() Config {
	return c.cfg
}

// Classify evaluates every submission recorded for a sample.
func (c *Classifier) Classify(subs []models.Submission) State {
	labels, skips := SplitDistinct(subs)
	st := State{
		Mode:         ModeLabel,
		NonSkipCount: len(labels),
		SkipCount:    len(skips),
	}

	if len(labels) > 0 && len(skips) > 0 {
		st.Mode = ModeMixed
		st.Conflict = true
		st.Reason = ReasonMixedSkipAndLabels
		return st
	}

	if len(skips) >= c.cfg.BaseN && len(labels) == 0 {
		st.Mode = ModeSkip
		st.Ready = true
		st.Reason = ReasonSkipQuorum
		st.UsedN = c.cfg.BaseN
		st.Used = skips[:c.cfg.BaseN]
		return st
	}

	if len(labels) < c.cfg.BaseN {
		st.Reason = ReasonNeedMoreLabels
		return st
	}

	base := labels[:c.cfg.BaseN]
	res := Aggregate(Payloads(base))
	st.Meta = &res.Meta
	st.Used = base

	canEscalate := c.cfg.EscalateEnabled && len(labels) < c.cfg.EscalateN

	if res.Meta.NCompared == 0 {
		if canEscalate {
			st.Escalate = true
			st.Reason = ReasonEscalateNoOverlap
			return st
		}
		st.Conflict = true
		st.Reason = ReasonNoOverlappingKeys
		return st
	}

	if th, _ := c.cfg.ThresholdFor(c.cfg.BaseN); th.Allows(res.Meta) {
		st.Ready = true
		st.UsedN = c.cfg.BaseN
		st.Reason = ReasonWithinThresholds
		return st
	}

	if !c.cfg.EscalateEnabled {
		st.Conflict = true
		st.Reason = ReasonDisagreement
		return st
	}

	if canEscalate {
		st.Escalate = true
		st.Reason = ReasonEscalateDisagree
		return st
	}

	wide := labels[:c.cfg.EscalateN]
	wideRes := Aggregate(Payloads(wide))
	st.EscalationMeta = &wideRes.Meta
	st.Used = wide

	if th, _ := c.cfg.ThresholdFor(c.cfg.EscalateN); wideRes.Meta.NCompared > 0 && th.Allows(wideRes.Meta) {
		st.Ready = true
		st.UsedN = c.cfg.EscalateN
		st.Reason = ReasonEscalatedAgreement
		return st
	}

	st.Conflict = true
	st.Reason = ReasonUnresolvedEscalated
	return st
}

// Detail builds the audit snapshot for st.
func (c *Classifier) Detail(st State) models.ArtifactDetail {
	d := models.ArtifactDetail{
		Mode:              string(st.Mode),
		Ready:             st.Ready,
		Conflict:          st.Conflict,
		Escalate:          st.Escalate,
		Reason:            st.Reason,
		UsedN:             st.UsedN,
		BaseN:             c.cfg.BaseN,
		NonSkipCount:      st.NonSkipCount,
		SkipCount:         st.SkipCount,
		Meta:              st.Meta,
		EscalationMeta:    st.EscalationMeta,
		UsedSubmissionIDs: SubmissionIDs(st.Used),
	}
	if c.cfg.EscalateEnabled {
		d.EscalateN = c.cfg.EscalateN
	}
	return d
}
