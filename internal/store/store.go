// Package store is the persistence gateway for completed correlation groups
// and the read-side queries over them. Writes are best-effort relative to the
// live subscriber path: the dispatch loop logs failures and moves on.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/quakeflow/quakeflow/internal/schema"
)

// Record is one persisted detection row: a producer's full record plus the
// agreement fields copied from the group's comparison summary.
type Record struct {
	ID               string          `json:"id"`
	CreatedAt        time.Time       `json:"created_at"`
	EventID          string          `json:"event_id"`
	ModelName        string          `json:"detection_model_name"`
	Detected         bool            `json:"detected"`
	Confidence       float64         `json:"confidence"`
	Threshold        float64         `json:"threshold"`
	ProcessingTimeMS float64         `json:"processing_time_ms"`
	Picks            json.RawMessage `json:"picks,omitempty"`
	Metadata         json.RawMessage `json:"detection_model_metadata,omitempty"`
	Agreement        bool            `json:"agreement"`
	ConfidenceDiff   float64         `json:"confidence_diff"`
}

// Filter narrows ListDetections results.
type Filter struct {
	Limit        int
	Offset       int
	ModelName    string
	DetectedOnly bool
}

// ModelStats breaks detection counts down for one producer.
type ModelStats struct {
	Total       int `json:"total"`
	Detected    int `json:"detected"`
	NotDetected int `json:"not_detected"`
}

// ComparisonStats summarises cross-producer agreement over a period.
type ComparisonStats struct {
	TotalEvents   int                   `json:"total_events"`
	Agreements    int                   `json:"agreements"`
	Disagreements int                   `json:"disagreements"`
	AgreementRate float64               `json:"agreement_rate"`
	ModelStats    map[string]ModelStats `json:"model_stats"`
}

// RecentStats summarises raw detection volume over a period.
type RecentStats struct {
	TotalDetections int     `json:"total_detections"`
	Detected        int     `json:"earthquake_detected"`
	NotDetected     int     `json:"no_detection"`
	DetectionRate   float64 `json:"detection_rate"`
}

// Store is the narrow persistence contract consumed by the dispatch loop and
// the read-side API.
type Store interface {
	// SaveGroup appends one row per producer for a completed group.
	SaveGroup(ctx context.Context, members map[string]schema.DetectionRecord, summary schema.ComparisonSummary) error

	ListDetections(ctx context.Context, f Filter) ([]Record, error)
	EventDetections(ctx context.Context, eventID string) ([]Record, error)
	ComparisonStats(ctx context.Context, since time.Time) (ComparisonStats, error)
	RecentStats(ctx context.Context, since time.Time) (RecentStats, error)

	Close() error
}

// ComputeComparisonStats derives the agreement summary from a set of rows.
// An event counts as an agreement when its rows carry the agreement flag;
// events with fewer than two rows (partial history) are not agreements.
func ComputeComparisonStats(records []Record) ComparisonStats {
	events := make(map[string][]Record)
	for _, rec := range records {
		events[rec.EventID] = append(events[rec.EventID], rec)
	}

	agreements := 0
	for _, rows := range events {
		if len(rows) >= 2 && rows[0].Agreement {
			agreements++
		}
	}

	stats := ComparisonStats{
		TotalEvents:   len(events),
		Agreements:    agreements,
		Disagreements: len(events) - agreements,
		ModelStats:    make(map[string]ModelStats),
	}
	if stats.TotalEvents > 0 {
		stats.AgreementRate = float64(agreements) / float64(stats.TotalEvents)
	}

	for _, rec := range records {
		ms := stats.ModelStats[rec.ModelName]
		ms.Total++
		if rec.Detected {
			ms.Detected++
		} else {
			ms.NotDetected++
		}
		stats.ModelStats[rec.ModelName] = ms
	}
	return stats
}

// ComputeRecentStats derives detection volume from a set of rows.
func ComputeRecentStats(records []Record) RecentStats {
	stats := RecentStats{TotalDetections: len(records)}
	for _, rec := range records {
		if rec.Detected {
			stats.Detected++
		}
	}
	stats.NotDetected = stats.TotalDetections - stats.Detected
	if stats.TotalDetections > 0 {
		stats.DetectionRate = float64(stats.Detected) / float64(stats.TotalDetections)
	}
	return stats
}

// sortedNames returns map keys in a stable order so multi-row writes hit the
// database deterministically.
func sortedNames(members map[string]schema.DetectionRecord) []string {
	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
