package c10runmeta

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/racecourse/density-bins/internal/fsutil"
)

func TestBeginRunWritesInProgressStatus(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	w := New(fs, "/runs/run-1", "/shared")

	err := w.BeginRun(Metadata{RunID: "run-1", StartedAt: "2026-07-31T00:00:00Z", Environment: "prod"})
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}

	raw, err := fs.ReadFile("/runs/run-1/metadata.json")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if meta.Status != StatusInProgress {
		t.Errorf("expected status in_progress, got %v", meta.Status)
	}
}

func TestCompleteRunUpdatesLatestAndIndex(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	w := New(fs, "/runs/run-1", "/shared")

	meta := Metadata{RunID: "run-1", StartedAt: "2026-07-31T00:00:00Z", FinishedAt: "2026-07-31T00:02:00Z", Environment: "prod"}
	if err := w.BeginRun(meta); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if err := w.CompleteRun(meta, StatusComplete, nil); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	rawMeta, err := fs.ReadFile("/runs/run-1/metadata.json")
	if err != nil {
		t.Fatalf("ReadFile metadata: %v", err)
	}
	var gotMeta Metadata
	if err := json.Unmarshal(rawMeta, &gotMeta); err != nil {
		t.Fatalf("unmarshal metadata: %v", err)
	}
	if gotMeta.Status != StatusComplete {
		t.Errorf("expected status complete, got %v", gotMeta.Status)
	}

	rawLatest, err := fs.ReadFile("/shared/latest.json")
	if err != nil {
		t.Fatalf("ReadFile latest: %v", err)
	}
	var latest latestEntry
	if err := json.Unmarshal(rawLatest, &latest); err != nil {
		t.Fatalf("unmarshal latest: %v", err)
	}
	if latest.RunID != "run-1" {
		t.Errorf("expected latest.json run_id run-1, got %q", latest.RunID)
	}

	rawIndex, err := fs.ReadFile("/shared/index.json")
	if err != nil {
		t.Fatalf("ReadFile index: %v", err)
	}
	var entries []indexEntry
	if err := json.Unmarshal(rawIndex, &entries); err != nil {
		t.Fatalf("unmarshal index: %v", err)
	}
	if len(entries) != 1 || entries[0].RunID != "run-1" {
		t.Errorf("expected one index entry for run-1, got %+v", entries)
	}
}

func TestCompleteRunAppendsSubsequentRunsToIndex(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()

	for _, runID := range []string{"run-1", "run-2"} {
		w := New(fs, "/runs/"+runID, "/shared")
		meta := Metadata{RunID: runID, FinishedAt: "2026-07-31T00:00:00Z"}
		if err := w.BeginRun(meta); err != nil {
			t.Fatalf("BeginRun(%s): %v", runID, err)
		}
		if err := w.CompleteRun(meta, StatusComplete, nil); err != nil {
			t.Fatalf("CompleteRun(%s): %v", runID, err)
		}
	}

	raw, err := fs.ReadFile("/shared/index.json")
	if err != nil {
		t.Fatalf("ReadFile index: %v", err)
	}
	var entries []indexEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		t.Fatalf("unmarshal index: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 index entries, got %d", len(entries))
	}
}

func TestCompleteRunFailedNeverUpdatesLatest(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	w := New(fs, "/runs/run-1", "/shared")

	meta := Metadata{RunID: "run-1"}
	if err := w.BeginRun(meta); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if err := w.CompleteRun(meta, StatusFailed, errors.New("coarsening never converged")); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	raw, err := fs.ReadFile("/runs/run-1/metadata.json")
	if err != nil {
		t.Fatalf("ReadFile metadata: %v", err)
	}
	var gotMeta Metadata
	if err := json.Unmarshal(raw, &gotMeta); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if gotMeta.Status != StatusFailed || gotMeta.Error == "" {
		t.Errorf("expected failed status with error string, got %+v", gotMeta)
	}

	if fs.Exists("/shared/latest.json") {
		t.Error("expected latest.json to not be created for a failed run")
	}
	if fs.Exists("/shared/index.json") {
		t.Error("expected index.json to not be created for a failed run")
	}
}

func TestPartialRunUpdatesSharedFiles(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	w := New(fs, "/runs/run-1", "/shared")

	meta := Metadata{RunID: "run-1", FinishedAt: "2026-07-31T00:03:00Z"}
	if err := w.BeginRun(meta); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if err := w.CompleteRun(meta, StatusPartial, nil); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	if fs.Exists("/shared/latest.json") {
		t.Error("expected a partial run to leave latest.json untouched")
	}
	if !fs.Exists("/shared/index.json") {
		t.Error("expected a partial run to be appended to index.json")
	}
}
