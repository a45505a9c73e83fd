package consensus

import (
	"fmt"
	"math"
	"sort"

	"labelconsensus/internal/models"
)

// Aggregation method names reported in DisagreementMeta.Method.
const (
	MethodMean   = "mean"
	MethodMedian = "median"
)

// Result is the consensus of a fixed set of payloads.
type Result struct {
	Global  map[string]float64
	Regions map[string]map[string]float64
	Meta    models.DisagreementMeta
}

// MethodFor returns the aggregation used for n payloads. Median needs at
// least three points to be meaningful.
func MethodFor(n int) string {
	if n >= 3 {
		return MethodMedian
	}
	return MethodMean
}

// ConsensusMethod is the method label stored in a final payload,
// e.g. "mean_of_2_distinct_labelers".
func ConsensusMethod(n int) string {
	return fmt.Sprintf("%s_of_%d_distinct_labelers", MethodFor(n), n)
}

// Aggregate combines payloads into a consensus. A key survives only if
// every payload provides a value for it; there is no imputation.
func Aggregate(payloads []models.LabelPayload) Result {
	n := len(payloads)
	res := Result{
		Global:  make(map[string]float64),
		Regions: make(map[string]map[string]float64),
		Meta: models.DisagreementMeta{
			NLabelers: n,
			Method:    MethodFor(n),
		},
	}
	if n == 0 {
		return res
	}

	var acc diffAccumulator
	vals := make([]float64, n)

	for _, key := range models.SortedKeys(payloads[0].Labels) {
		if !collect(vals, payloads, func(p models.LabelPayload) (float64, bool) { return p.Global(key) }) {
			continue
		}
		res.Global[key] = combine(vals)
		acc.add(vals)
	}

	for _, region := range models.SortedKeys(payloads[0].RegionLabels) {
		for _, key := range models.SortedKeys(payloads[0].RegionLabels[region]) {
			if !collect(vals, payloads, func(p models.LabelPayload) (float64, bool) { return p.Region(region, key) }) {
				continue
			}
			if res.Regions[region] == nil {
				res.Regions[region] = make(map[string]float64)
			}
			res.Regions[region][key] = combine(vals)
			acc.add(vals)
		}
	}

	res.Meta.NCompared = acc.keys
	res.Meta.NPairs = acc.pairs
	res.Meta.MaxAbsDiff = acc.max
	if acc.pairs > 0 {
		res.Meta.MeanAbsDiff = acc.sum / float64(acc.pairs)
	}
	return res
}

// collect fills vals from every payload and reports whether all of them
// provided a usable value.
func collect(vals []float64, payloads []models.LabelPayload, get func(models.LabelPayload) (float64, bool)) bool {
	for i, p := range payloads {
		v, ok := get(p)
		if !ok || math.IsNaN(v) {
			return false
		}
		vals[i] = models.Clamp01(v)
	}
	return true
}

func combine(vals []float64) float64 {
	if len(vals) >= 3 {
		return models.Clamp01(median(vals))
	}
	return models.Clamp01(mean(vals))
}

func mean(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func median(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

type diffAccumulator struct {
	keys  int
	pairs int
	sum   float64
	max   float64
}

func (a *diffAccumulator) add(vals []float64) {
	a.keys++
	for i := 0; i < len(vals); i++ {
		for j := i + 1; j < len(vals); j++ {
			d := math.Abs(vals[i] - vals[j])
			a.pairs++
			a.sum += d
			if d > a.max {
				a.max = d
			}
		}
	}
}
