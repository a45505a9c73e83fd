package models

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// LabelPayload is one annotator's judgment after boundary validation.
// Only valid scores are present in the maps; anything non-numeric or NaN
// never makes it past UnmarshalJSON.
type LabelPayload struct {
	Labels       map[string]float64            `json:"labels"`
	RegionLabels map[string]map[string]float64 `json:"region_labels,omitempty"`
	Fitzpatrick  *string                       `json:"fitzpatrick,omitempty"`
	AgeBand      *string                       `json:"age_band,omitempty"`
	Reason       string                        `json:"reason,omitempty"` // skip submissions only
}

type rawLabelPayload struct {
	Labels       any `json:"labels"`
	RegionLabels any `json:"region_labels"`
	Fitzpatrick  any `json:"fitzpatrick"`
	AgeBand      any `json:"age_band"`
	Reason       any `json:"reason"`
}

// UnmarshalJSON parses loosely typed JSON into a LabelPayload, dropping
// malformed scores and wrongly shaped fields instead of failing. Only a
// body that is not a JSON object is an error.
func (p *LabelPayload) UnmarshalJSON(data []byte) error {
	var raw rawLabelPayload
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	labels, _ := raw.Labels.(map[string]any)
	out := LabelPayload{
		Labels:      parseScores(labels),
		Fitzpatrick: parseCategory(raw.Fitzpatrick),
		AgeBand:     parseCategory(raw.AgeBand),
	}
	if s, ok := raw.Reason.(string); ok {
		out.Reason = strings.TrimSpace(s)
	}

	regions, _ := raw.RegionLabels.(map[string]any)
	for region, v := range regions {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		scores := parseScores(m)
		if len(scores) == 0 {
			continue
		}
		if out.RegionLabels == nil {
			out.RegionLabels = make(map[string]map[string]float64)
		}
		out.RegionLabels[region] = scores
	}

	*p = out
	return nil
}

// ParseScore converts a loosely typed value into a score in [0,1].
// The second return value is false when the value must be treated as absent.
func ParseScore(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return Clamp01(f), true
}

// Clamp01 clamps f into [0,1].
func Clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func parseScores(m map[string]any) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		if f, ok := ParseScore(v); ok {
			out[k] = f
		}
	}
	return out
}

func parseCategory(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// Global returns the global score for key and whether it was provided.
func (p LabelPayload) Global(key string) (float64, bool) {
	v, ok := p.Labels[key]
	return v, ok
}

// Region returns the score for key inside region and whether it was provided.
func (p LabelPayload) Region(region, key string) (float64, bool) {
	r, ok := p.RegionLabels[region]
	if !ok {
		return 0, false
	}
	v, ok := r[key]
	return v, ok
}

// IsEmpty reports whether the payload carries no scores and no categorical fields.
func (p LabelPayload) IsEmpty() bool {
	if len(p.Labels) > 0 || p.Fitzpatrick != nil || p.AgeBand != nil {
		return false
	}
	for _, r := range p.RegionLabels {
		if len(r) > 0 {
			return false
		}
	}
	return true
}

// Sanitize drops NaN scores and clamps the rest. Payloads built in code
// rather than decoded from JSON go through this before being stored.
func (p LabelPayload) Sanitize() LabelPayload {
	out := LabelPayload{
		Labels:      make(map[string]float64, len(p.Labels)),
		Fitzpatrick: p.Fitzpatrick,
		AgeBand:     p.AgeBand,
		Reason:      p.Reason,
	}
	for k, v := range p.Labels {
		if f, ok := ParseScore(v); ok {
			out.Labels[k] = f
		}
	}
	for region, m := range p.RegionLabels {
		scores := make(map[string]float64, len(m))
		for k, v := range m {
			if f, ok := ParseScore(v); ok {
				scores[k] = f
			}
		}
		if len(scores) == 0 {
			continue
		}
		if out.RegionLabels == nil {
			out.RegionLabels = make(map[string]map[string]float64)
		}
		out.RegionLabels[region] = scores
	}
	return out
}

// Flatten puts global and region scores into one key space.
func (p LabelPayload) Flatten() map[string]float64 {
	return FlattenScores(p.Labels, p.RegionLabels)
}

// FlattenScores namespaces global keys as "g:<key>" and region keys as
// "r:<region>:<key>" so the two can never collide.
func FlattenScores(labels map[string]float64, regions map[string]map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(labels))
	for k, v := range labels {
		if math.IsNaN(v) {
			continue
		}
		out["g:"+k] = Clamp01(v)
	}
	for region, m := range regions {
		for k, v := range m {
			if math.IsNaN(v) {
				continue
			}
			out["r:"+region+":"+k] = Clamp01(v)
		}
	}
	return out
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
