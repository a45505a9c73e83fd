package consensus

import (
	"math"
	"testing"
	"time"

	"labelconsensus/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func payload(labels map[string]float64) models.LabelPayload {
	return models.LabelPayload{Labels: labels}
}

// sub builds a submission created `age` minutes before t0.
func sub(id, annotator int64, age int, skip bool, labels map[string]float64) models.Submission {
	return models.Submission{
		ID:          id,
		SampleID:    1,
		AnnotatorID: annotator,
		CreatedAt:   t0.Add(-time.Duration(age) * time.Minute),
		IsSkip:      skip,
		Payload:     payload(labels),
	}
}

func TestAggregate_MeanForTwo(t *testing.T) {
	res := Aggregate([]models.LabelPayload{
		payload(map[string]float64{"redness": 0.2}),
		payload(map[string]float64{"redness": 0.6}),
	})
	if res.Meta.Method != MethodMean {
		t.Fatalf("expected mean, got %s", res.Meta.Method)
	}
	if !approx(res.Global["redness"], 0.4) {
		t.Errorf("expected 0.4, got %f", res.Global["redness"])
	}
	if !approx(res.Meta.MeanAbsDiff, 0.4) || !approx(res.Meta.MaxAbsDiff, 0.4) {
		t.Errorf("unexpected diffs: %+v", res.Meta)
	}
	if res.Meta.NLabelers != 2 || res.Meta.NCompared != 1 || res.Meta.NPairs != 1 {
		t.Errorf("unexpected counts: %+v", res.Meta)
	}
}

func TestAggregate_MedianForThreeAndMore(t *testing.T) {
	for _, tc := range []struct {
		name string
		vals []float64
		want float64
	}{
		{"three", []float64{0.1, 0.9, 0.5}, 0.5},
		{"outlier", []float64{0.3, 0.35, 1.0}, 0.35},
		{"four", []float64{0.1, 0.2, 0.4, 0.9}, 0.3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var ps []models.LabelPayload
			for _, v := range tc.vals {
				ps = append(ps, payload(map[string]float64{"k": v}))
			}
			res := Aggregate(ps)
			if res.Meta.Method != MethodMedian {
				t.Fatalf("expected median, got %s", res.Meta.Method)
			}
			if !approx(res.Global["k"], tc.want) {
				t.Errorf("expected %f, got %f", tc.want, res.Global["k"])
			}
		})
	}
}

func TestAggregate_DropsKeysMissingFromAnyPayload(t *testing.T) {
	a := models.LabelPayload{
		Labels:       map[string]float64{"redness": 0.4, "oiliness": 0.2},
		RegionLabels: map[string]map[string]float64{"forehead": {"acne": 0.5, "pores": 0.1}},
	}
	b := models.LabelPayload{
		Labels:       map[string]float64{"redness": 0.4},
		RegionLabels: map[string]map[string]float64{"forehead": {"acne": 0.7}, "chin": {"acne": 0.3}},
	}
	res := Aggregate([]models.LabelPayload{a, b})

	if _, ok := res.Global["oiliness"]; ok {
		t.Error("oiliness missing from one payload must be dropped")
	}
	if _, ok := res.Regions["forehead"]["pores"]; ok {
		t.Error("forehead/pores missing from one payload must be dropped")
	}
	if _, ok := res.Regions["chin"]; ok {
		t.Error("chin missing from one payload must be dropped")
	}
	if !approx(res.Regions["forehead"]["acne"], 0.6) {
		t.Errorf("expected forehead/acne 0.6, got %f", res.Regions["forehead"]["acne"])
	}
	if res.Meta.NCompared != 2 {
		t.Errorf("expected 2 compared keys, got %d", res.Meta.NCompared)
	}
	// diffs: redness 0.0, forehead/acne 0.2
	if !approx(res.Meta.MeanAbsDiff, 0.1) || !approx(res.Meta.MaxAbsDiff, 0.2) {
		t.Errorf("unexpected diffs: %+v", res.Meta)
	}
}

func TestAggregate_NaNAndOutOfRange(t *testing.T) {
	res := Aggregate([]models.LabelPayload{
		payload(map[string]float64{"a": math.NaN(), "b": 1.7}),
		payload(map[string]float64{"a": 0.5, "b": 1.0}),
	})
	if _, ok := res.Global["a"]; ok {
		t.Error("NaN must make the key absent")
	}
	if res.Global["b"] != 1.0 {
		t.Errorf("expected clamped 1.0, got %f", res.Global["b"])
	}
}

func TestAggregate_OutputsStayInUnitInterval(t *testing.T) {
	for n := 2; n <= 5; n++ {
		var ps []models.LabelPayload
		for i := 0; i < n; i++ {
			ps = append(ps, payload(map[string]float64{"x": float64(i*3) - 2}))
		}
		res := Aggregate(ps)
		v := res.Global["x"]
		if v < 0 || v > 1 {
			t.Errorf("n=%d: value %f outside [0,1]", n, v)
		}
		if want := MethodFor(n); res.Meta.Method != want {
			t.Errorf("n=%d: method %s, want %s", n, res.Meta.Method, want)
		}
	}
}

func TestConsensusMethod(t *testing.T) {
	if got := ConsensusMethod(2); got != "mean_of_2_distinct_labelers" {
		t.Errorf("got %q", got)
	}
	if got := ConsensusMethod(3); got != "median_of_3_distinct_labelers" {
		t.Errorf("got %q", got)
	}
}

func TestDistinctLatest_KeepsNewestPerAnnotator(t *testing.T) {
	subs := []models.Submission{
		sub(1, 10, 30, false, nil),
		sub(2, 11, 20, false, nil),
		sub(3, 10, 5, false, nil),
		sub(4, 12, 20, false, nil),
	}
	got := DistinctLatest(subs)
	ids := SubmissionIDs(got)
	want := []int64{3, 2, 4}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
}

func TestSplitDistinct_SeparatesSkips(t *testing.T) {
	labels, skips := SplitDistinct([]models.Submission{
		sub(1, 10, 3, true, nil),
		sub(2, 10, 2, false, map[string]float64{"a": 0.1}),
		sub(3, 11, 1, true, nil),
	})
	if len(labels) != 1 || len(skips) != 2 {
		t.Fatalf("expected 1 label and 2 skips, got %d and %d", len(labels), len(skips))
	}
}

func TestClassify_AgreementIsReady(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	st := c.Classify([]models.Submission{
		sub(2, 11, 1, false, map[string]float64{"redness": 0.4}),
		sub(1, 10, 2, false, map[string]float64{"redness": 0.4}),
	})
	if !st.Ready || st.Conflict || st.Escalate {
		t.Fatalf("expected ready, got %+v", st)
	}
	if st.UsedN != 2 || st.Mode != ModeLabel {
		t.Errorf("unexpected state: %+v", st)
	}
	if st.Meta.MeanAbsDiff != 0 || st.Meta.MaxAbsDiff != 0 {
		t.Errorf("expected zero disagreement, got %+v", st.Meta)
	}
	if st.Status() != models.StatusFinalized {
		t.Errorf("expected finalized status, got %s", st.Status())
	}
}

func TestClassify_SkipQuorum(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	st := c.Classify([]models.Submission{
		sub(2, 11, 1, true, nil),
		sub(1, 10, 2, true, nil),
	})
	if st.Mode != ModeSkip || !st.Ready {
		t.Fatalf("expected ready skip, got %+v", st)
	}
	if st.Status() != models.StatusSkippedFinal {
		t.Errorf("expected skipped_final, got %s", st.Status())
	}
	if len(st.Used) != 2 {
		t.Errorf("expected 2 contributing skips, got %d", len(st.Used))
	}
}

func TestClassify_MixedIsConflict(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	st := c.Classify([]models.Submission{
		sub(3, 12, 1, false, map[string]float64{"redness": 0.4}),
		sub(2, 11, 2, false, map[string]float64{"redness": 0.4}),
		sub(1, 10, 3, true, nil),
	})
	if st.Mode != ModeMixed || !st.Conflict || st.Ready {
		t.Fatalf("expected mixed conflict, got %+v", st)
	}
	if st.Reason != ReasonMixedSkipAndLabels {
		t.Errorf("unexpected reason %q", st.Reason)
	}
}

func TestClassify_NeedMore(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	for name, subs := range map[string][]models.Submission{
		"one label":      {sub(1, 10, 1, false, map[string]float64{"a": 0.1})},
		"one skip":       {sub(1, 10, 1, true, nil)},
		"same annotator": {sub(1, 10, 1, false, map[string]float64{"a": 0.1}), sub(2, 10, 2, false, map[string]float64{"a": 0.1})},
		"no submissions": nil,
	} {
		t.Run(name, func(t *testing.T) {
			st := c.Classify(subs)
			if st.Ready || st.Conflict || st.Escalate {
				t.Fatalf("expected needs-more, got %+v", st)
			}
			if st.Reason != ReasonNeedMoreLabels || st.Status() != models.StatusNeedsMore {
				t.Errorf("unexpected reason/status %q/%s", st.Reason, st.Status())
			}
		})
	}
}

func scenarioDConfig() Config {
	return Config{
		BaseN:           2,
		EscalateN:       3,
		EscalateEnabled: true,
		Thresholds: []Threshold{
			{N: 2, MeanMax: 0.15, MaxMax: 0.30},
			{N: 3, MeanMax: 0.60, MaxMax: 0.85},
		},
	}
}

func TestClassify_EscalatesOnDisagreement(t *testing.T) {
	c := NewClassifier(scenarioDConfig())
	st := c.Classify([]models.Submission{
		sub(2, 11, 1, false, map[string]float64{"oiliness": 0.9}),
		sub(1, 10, 2, false, map[string]float64{"oiliness": 0.1}),
	})
	if !st.Escalate || st.Conflict || st.Ready {
		t.Fatalf("expected escalate, got %+v", st)
	}
	if st.Status() != models.StatusEscalated {
		t.Errorf("expected escalated status, got %s", st.Status())
	}
}

func TestClassify_EscalationResolvesWithMedian(t *testing.T) {
	c := NewClassifier(scenarioDConfig())
	st := c.Classify([]models.Submission{
		sub(3, 12, 1, false, map[string]float64{"oiliness": 0.5}),
		sub(2, 11, 2, false, map[string]float64{"oiliness": 0.9}),
		sub(1, 10, 3, false, map[string]float64{"oiliness": 0.1}),
	})
	if !st.Ready || st.UsedN != 3 {
		t.Fatalf("expected ready at N=3, got %+v", st)
	}
	if st.EscalationMeta == nil || st.EscalationMeta.Method != MethodMedian {
		t.Fatalf("expected median escalation meta, got %+v", st.EscalationMeta)
	}
	res := Aggregate(Payloads(st.Used))
	if !approx(res.Global["oiliness"], 0.5) {
		t.Errorf("expected median 0.5, got %f", res.Global["oiliness"])
	}
}

func TestClassify_UnresolvedAfterEscalation(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	st := c.Classify([]models.Submission{
		sub(3, 12, 1, false, map[string]float64{"oiliness": 0.5}),
		sub(2, 11, 2, false, map[string]float64{"oiliness": 0.9}),
		sub(1, 10, 3, false, map[string]float64{"oiliness": 0.1}),
	})
	if !st.Conflict || st.Ready {
		t.Fatalf("expected conflict, got %+v", st)
	}
	if st.Reason != ReasonUnresolvedEscalated {
		t.Errorf("unexpected reason %q", st.Reason)
	}
}

func TestClassify_DisagreementWithoutEscalation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EscalateEnabled = false
	st := NewClassifier(cfg).Classify([]models.Submission{
		sub(2, 11, 1, false, map[string]float64{"oiliness": 0.9}),
		sub(1, 10, 2, false, map[string]float64{"oiliness": 0.1}),
	})
	if !st.Conflict || st.Escalate {
		t.Fatalf("expected conflict without escalation, got %+v", st)
	}
}

func TestClassify_NoOverlappingKeys(t *testing.T) {
	subs := []models.Submission{
		sub(2, 11, 1, false, map[string]float64{"a": 0.9}),
		sub(1, 10, 2, false, map[string]float64{"b": 0.1}),
	}

	st := NewClassifier(DefaultConfig()).Classify(subs)
	if !st.Escalate || st.Reason != ReasonEscalateNoOverlap {
		t.Fatalf("expected escalation for no overlap, got %+v", st)
	}

	cfg := DefaultConfig()
	cfg.EscalateEnabled = false
	st = NewClassifier(cfg).Classify(subs)
	if !st.Conflict || st.Reason != ReasonNoOverlappingKeys {
		t.Fatalf("expected conflict for no overlap, got %+v", st)
	}
}

func TestClassify_UsesMostRecentBaseN(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	st := c.Classify([]models.Submission{
		sub(1, 10, 30, false, map[string]float64{"a": 0.0}),
		sub(2, 11, 2, false, map[string]float64{"a": 0.5}),
		sub(3, 12, 1, false, map[string]float64{"a": 0.5}),
	})
	if !st.Ready || st.UsedN != 2 {
		t.Fatalf("expected ready at base_n, got %+v", st)
	}
	ids := SubmissionIDs(st.Used)
	if ids[0] != 3 || ids[1] != 2 {
		t.Errorf("expected newest two submissions, got %v", ids)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := []Config{
		{BaseN: 1, Thresholds: []Threshold{{N: 1}}},
		{BaseN: 2, EscalateN: 2, EscalateEnabled: true, Thresholds: []Threshold{{N: 2}}},
		{BaseN: 2, EscalateN: 3, EscalateEnabled: true, Thresholds: []Threshold{{N: 2}}},
		{BaseN: 2, Thresholds: []Threshold{{N: 3}}},
		{BaseN: 2, Thresholds: []Threshold{{N: 2, MeanMax: -1}}},
	}
	for i, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestDetail_RecordsUsedIDs(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	st := c.Classify([]models.Submission{
		sub(2, 11, 1, false, map[string]float64{"redness": 0.4}),
		sub(1, 10, 2, false, map[string]float64{"redness": 0.4}),
	})
	d := c.Detail(st)
	if len(d.UsedSubmissionIDs) != 2 || d.BaseN != 2 || d.EscalateN != 3 {
		t.Errorf("unexpected detail: %+v", d)
	}
}
