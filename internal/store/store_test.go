package store

import (
	"math"
	"reflect"
	"testing"

	"github.com/quakeflow/quakeflow/internal/schema"
)

func row(eventID, model string, detected, agreement bool) Record {
	return Record{
		EventID:   eventID,
		ModelName: model,
		Detected:  detected,
		Agreement: agreement,
	}
}

func TestComputeComparisonStats(t *testing.T) {
	records := []Record{
		// evt_1: both detected, agreement
		row("evt_1", "seisbench_eqtransformer", true, true),
		row("evt_1", "pytorch_custom", true, true),
		// evt_2: split verdict
		row("evt_2", "seisbench_eqtransformer", true, false),
		row("evt_2", "pytorch_custom", false, false),
		// evt_3: partial history, single row
		row("evt_3", "pytorch_custom", false, true),
	}

	stats := ComputeComparisonStats(records)

	if stats.TotalEvents != 3 {
		t.Errorf("total events = %d, want 3", stats.TotalEvents)
	}
	if stats.Agreements != 1 {
		t.Errorf("agreements = %d, want 1", stats.Agreements)
	}
	if stats.Disagreements != 2 {
		t.Errorf("disagreements = %d, want 2", stats.Disagreements)
	}
	if math.Abs(stats.AgreementRate-1.0/3.0) > 1e-9 {
		t.Errorf("agreement rate = %v", stats.AgreementRate)
	}

	wantModels := map[string]ModelStats{
		"seisbench_eqtransformer": {Total: 2, Detected: 2, NotDetected: 0},
		"pytorch_custom":          {Total: 3, Detected: 1, NotDetected: 2},
	}
	if !reflect.DeepEqual(stats.ModelStats, wantModels) {
		t.Errorf("model stats = %v, want %v", stats.ModelStats, wantModels)
	}
}

func TestComputeComparisonStatsEmpty(t *testing.T) {
	stats := ComputeComparisonStats(nil)
	if stats.TotalEvents != 0 || stats.AgreementRate != 0 {
		t.Errorf("empty stats = %+v", stats)
	}
	if len(stats.ModelStats) != 0 {
		t.Errorf("model stats should be empty, got %v", stats.ModelStats)
	}
}

func TestComputeRecentStats(t *testing.T) {
	records := []Record{
		row("evt_1", "a", true, true),
		row("evt_1", "b", true, true),
		row("evt_2", "a", false, false),
		row("evt_2", "b", false, false),
	}

	stats := ComputeRecentStats(records)

	if stats.TotalDetections != 4 {
		t.Errorf("total = %d, want 4", stats.TotalDetections)
	}
	if stats.Detected != 2 || stats.NotDetected != 2 {
		t.Errorf("detected/not = %d/%d, want 2/2", stats.Detected, stats.NotDetected)
	}
	if stats.DetectionRate != 0.5 {
		t.Errorf("detection rate = %v, want 0.5", stats.DetectionRate)
	}
}

func TestComputeRecentStatsEmpty(t *testing.T) {
	stats := ComputeRecentStats(nil)
	if stats.TotalDetections != 0 || stats.DetectionRate != 0 {
		t.Errorf("empty stats = %+v", stats)
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: "postgres"}
	got := pg.rebind("INSERT INTO t (a, b, c) VALUES (?, ?, ?)")
	want := "INSERT INTO t (a, b, c) VALUES ($1, $2, $3)"
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}

	lite := &SQLStore{driver: "sqlite3"}
	query := "SELECT * FROM t WHERE a = ?"
	if got := lite.rebind(query); got != query {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
}

func TestSortedNames(t *testing.T) {
	members := map[string]schema.DetectionRecord{
		"zeta":  {},
		"alpha": {},
		"mid":   {},
	}
	if got, want := sortedNames(members), []string{"alpha", "mid", "zeta"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("sortedNames = %v, want %v", got, want)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(t.Context(), "mysql", "dsn"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}
