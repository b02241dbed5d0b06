// Package compare implements the agreement verdict over one completed
// correlation group. Compare is pure: no I/O, no clock, deterministic for a
// given group.
package compare

import (
	"sort"

	"github.com/quakeflow/quakeflow/internal/schema"
)

// Compare computes the agreement summary for a completed group keyed by
// producer name.
//
// The comparison policy is defined for exactly two producers, the deployed
// configuration. Any other size yields a zeroed summary with AnomalousSize
// set so the caller can flag it instead of reporting a misleading pairwise
// verdict.
func Compare(group map[string]schema.DetectionRecord) schema.ComparisonSummary {
	if len(group) != 2 {
		return schema.ComparisonSummary{AnomalousSize: true}
	}

	names := make([]string, 0, 2)
	for name := range group {
		names = append(names, name)
	}
	sort.Strings(names)

	a := group[names[0]]
	b := group[names[1]]

	summary := schema.ComparisonSummary{
		Agreement:         a.Detected == b.Detected,
		AllDetected:       a.Detected && b.Detected,
		NoneDetected:      !a.Detected && !b.Detected,
		ConfidenceSpread:  absDiff(a.Confidence, b.Confidence),
		AverageConfidence: (a.Confidence + b.Confidence) / 2,
	}
	summary.DisagreementSet = dissenters(group, summary.Agreement)
	return summary
}

// dissenters names the producers whose detected flag set them apart. With a
// split verdict the producers that reported a detection are listed; this
// generalises the pairwise "only A detected" / "only B detected" flags.
func dissenters(group map[string]schema.DetectionRecord, agreement bool) []string {
	if agreement {
		return nil
	}
	var names []string
	for name, rec := range group {
		if rec.Detected {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
