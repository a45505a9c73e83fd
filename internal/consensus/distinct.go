package consensus

import (
	"sort"

	"labelconsensus/internal/models"
)

// DistinctLatest returns at most one submission per annotator, newest first.
// Submissions are stable-sorted by CreatedAt descending and the first entry
// seen for each annotator wins.
func DistinctLatest(subs []models.Submission) []models.Submission {
	sorted := append([]models.Submission(nil), subs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	seen := make(map[int64]bool, len(sorted))
	out := make([]models.Submission, 0, len(sorted))
	for _, s := range sorted {
		if seen[s.AnnotatorID] {
			continue
		}
		seen[s.AnnotatorID] = true
		out = append(out, s)
	}
	return out
}

// SplitDistinct applies DistinctLatest separately to label and skip submissions.
func SplitDistinct(subs []models.Submission) (labels, skips []models.Submission) {
	var l, s []models.Submission
	for _, sub := range subs {
		if sub.IsSkip {
			s = append(s, sub)
		} else {
			l = append(l, sub)
		}
	}
	return DistinctLatest(l), DistinctLatest(s)
}

// Payloads extracts the label payloads of subs in order.
func Payloads(subs []models.Submission) []models.LabelPayload {
	out := make([]models.LabelPayload, len(subs))
	for i, s := range subs {
		out[i] = s.Payload
	}
	return out
}

// SubmissionIDs extracts the ids of subs in order.
func SubmissionIDs(subs []models.Submission) []int64 {
	out := make([]int64, len(subs))
	for i, s := range subs {
		out[i] = s.ID
	}
	return out
}

// Refs returns the consensus "from" references for subs.
func Refs(subs []models.Submission) []models.ContributorRef {
	out := make([]models.ContributorRef, len(subs))
	for i := range subs {
		out[i] = subs[i].Ref()
	}
	return out
}
