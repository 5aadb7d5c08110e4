package rundb

import (
	"path/filepath"
	"testing"

	"github.com/racecourse/density-bins/internal/density/c10runmeta"
	"github.com/racecourse/density-bins/internal/density/c9rollup"
	"github.com/racecourse/density-bins/internal/density/c6flags"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runs.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordAndGetRun(t *testing.T) {
	db := openTestDB(t)

	meta := c10runmeta.Metadata{
		RunID:        "run-1",
		StartedAt:    "2026-07-31T00:00:00Z",
		FinishedAt:   "2026-07-31T00:02:00Z",
		Environment:  "prod",
		Status:       c10runmeta.StatusComplete,
		AnalysisHash: "deadbeef",
	}
	summaries := map[string]c9rollup.Summary{
		"s1": {SegmentID: "s1", WorstSeverity: c6flags.SeverityCritical, FlaggedBinCount: 2, PeakDensity: 5.0},
	}
	if err := RecordRun(db, meta, summaries); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	got, err := GetRun(db, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != string(c10runmeta.StatusComplete) || got.AnalysisHash != "deadbeef" {
		t.Errorf("unexpected run record: %+v", got)
	}
}

func TestRecordRunPersistsOccupancyCounts(t *testing.T) {
	db := openTestDB(t)

	meta := c10runmeta.Metadata{
		RunID:         "run-occupied",
		StartedAt:     "2026-07-31T00:00:00Z",
		FinishedAt:    "2026-07-31T00:02:00Z",
		Environment:   "prod",
		Status:        c10runmeta.StatusComplete,
		OccupiedBins:  42,
		TotalFeatures: 108,
	}
	if err := RecordRun(db, meta, nil); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	got, err := GetRun(db, "run-occupied")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.OccupiedBins != 42 || got.TotalFeatures != 108 {
		t.Errorf("expected occupied_bins=42 total_features=108, got occupied_bins=%d total_features=%d", got.OccupiedBins, got.TotalFeatures)
	}
}

func TestGetRunUnknownID(t *testing.T) {
	db := openTestDB(t)
	_, err := GetRun(db, "does-not-exist")
	if err == nil {
		t.Error("expected error for unknown run id")
	}
}

func TestRecordRunReplacesSegmentRows(t *testing.T) {
	db := openTestDB(t)
	meta := c10runmeta.Metadata{RunID: "run-1", Status: c10runmeta.StatusComplete}

	first := map[string]c9rollup.Summary{
		"s1": {SegmentID: "s1", WorstSeverity: c6flags.SeverityWatch, FlaggedBinCount: 1},
	}
	if err := RecordRun(db, meta, first); err != nil {
		t.Fatalf("RecordRun (first): %v", err)
	}

	second := map[string]c9rollup.Summary{
		"s1": {SegmentID: "s1", WorstSeverity: c6flags.SeverityCritical, FlaggedBinCount: 5},
	}
	if err := RecordRun(db, meta, second); err != nil {
		t.Fatalf("RecordRun (second): %v", err)
	}

	runIDs, err := SegmentsFlaggedAcrossRuns(db, "s1")
	if err != nil {
		t.Fatalf("SegmentsFlaggedAcrossRuns: %v", err)
	}
	if len(runIDs) != 1 || runIDs[0] != "run-1" {
		t.Errorf("expected exactly one flagged run for s1, got %v", runIDs)
	}
}

func TestListRunsByStatus(t *testing.T) {
	db := openTestDB(t)
	if err := RecordRun(db, c10runmeta.Metadata{RunID: "run-1", Status: c10runmeta.StatusComplete, FinishedAt: "2026-07-31T00:01:00Z"}, nil); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if err := RecordRun(db, c10runmeta.Metadata{RunID: "run-2", Status: c10runmeta.StatusFailed, FinishedAt: "2026-07-31T00:02:00Z"}, nil); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	complete, err := ListRunsByStatus(db, string(c10runmeta.StatusComplete))
	if err != nil {
		t.Fatalf("ListRunsByStatus: %v", err)
	}
	if len(complete) != 1 || complete[0].RunID != "run-1" {
		t.Errorf("expected only run-1 to be complete, got %+v", complete)
	}
}
