// Package c10runmeta writes a run's metadata.json and updates the
// cross-run latest.json pointer and index.json log, all under a
// two-phase commit discipline: the run directory starts in_progress
// and is only flipped to complete (or partial/failed) once every
// artifact has landed, and the shared pointer/index files are updated
// with write-temp-then-rename so a concurrent reader never observes a
// half-written file.
package c10runmeta

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/racecourse/density-bins/internal/density/errs"
	"github.com/racecourse/density-bins/internal/fsutil"
)

// Status is the run's lifecycle state.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
)

// FileCount records how many files landed in one run subdirectory
// (e.g. "bins", "rollup"), for the metadata's inventory.
type FileCount map[string]int

// Metadata is the run descriptor written to metadata.json.
type Metadata struct {
	RunID         string    `json:"run_id"`
	StartedAt     string    `json:"started_at"`
	FinishedAt    string    `json:"finished_at,omitempty"`
	Environment   string    `json:"environment"`
	Status        Status    `json:"status"`
	Error         string    `json:"error,omitempty"`
	FileCounts    FileCount `json:"file_counts"`
	AnalysisHash  string    `json:"analysis_hash,omitempty"`
	OccupiedBins  int       `json:"occupied_bins,omitempty"`
	TotalFeatures int       `json:"total_features,omitempty"`
}

// latestEntry is the shape of latest.json: a pointer to the most
// recently completed run.
type latestEntry struct {
	RunID      string `json:"run_id"`
	FinishedAt string `json:"finished_at"`
}

// indexEntry is one append-only record in index.json.
type indexEntry struct {
	RunID      string `json:"run_id"`
	Status     Status `json:"status"`
	FinishedAt string `json:"finished_at"`
}

// Writer coordinates the run directory's metadata.json plus the two
// shared files (latest.json, index.json) living in sharedDir.
type Writer struct {
	fs        fsutil.FileSystem
	runDir    string
	sharedDir string
}

// New creates a Writer for one run. runDir is this run's own output
// directory; sharedDir holds latest.json/index.json, shared across all
// runs of the same course.
func New(fs fsutil.FileSystem, runDir, sharedDir string) *Writer {
	return &Writer{fs: fs, runDir: runDir, sharedDir: sharedDir}
}

// BeginRun writes metadata.json with status=in_progress, marking the
// start of the two-phase commit.
func (w *Writer) BeginRun(meta Metadata) error {
	meta.Status = StatusInProgress
	return w.writeMetadata(meta)
}

// CompleteRun flips the run's own metadata.json to the terminal status.
// A complete run atomically updates latest.json and appends to
// index.json; a partial run is appended to index.json but leaves
// latest.json pointing at the previous complete run. A failed run
// updates neither shared file.
func (w *Writer) CompleteRun(meta Metadata, status Status, runErr error) error {
	meta.Status = status
	if runErr != nil {
		meta.Error = runErr.Error()
	}
	if err := w.writeMetadata(meta); err != nil {
		return err
	}
	if status != StatusComplete && status != StatusPartial {
		return nil
	}
	if status == StatusComplete {
		if err := w.updateLatest(meta); err != nil {
			return err
		}
	}
	return w.appendIndex(meta)
}

func (w *Writer) writeMetadata(meta Metadata) error {
	if err := w.fs.MkdirAll(w.runDir, 0o755); err != nil {
		return errs.Wrap(errs.IoFailure, err, "creating run directory %s", w.runDir)
	}
	return writeJSONAtomic(w.fs, filepath.Join(w.runDir, "metadata.json"), meta)
}

func (w *Writer) updateLatest(meta Metadata) error {
	if err := w.fs.MkdirAll(w.sharedDir, 0o755); err != nil {
		return errs.Wrap(errs.IoFailure, err, "creating shared directory %s", w.sharedDir)
	}
	entry := latestEntry{RunID: meta.RunID, FinishedAt: meta.FinishedAt}
	return writeJSONAtomic(w.fs, filepath.Join(w.sharedDir, "latest.json"), entry)
}

// appendIndex reads the existing index.json (if any), appends this
// run's record, and rewrites the whole file atomically. index.json is
// small enough (one record per run) that read-modify-write under a
// rename is sufficient; concurrent runs racing on this step is a known
// limitation of the single-host deployment this pipeline targets.
func (w *Writer) appendIndex(meta Metadata) error {
	path := filepath.Join(w.sharedDir, "index.json")
	var entries []indexEntry
	if raw, err := w.fs.ReadFile(path); err == nil {
		if jsonErr := json.Unmarshal(raw, &entries); jsonErr != nil {
			return errs.Wrap(errs.IoFailure, jsonErr, "parsing existing index.json")
		}
	}
	entries = append(entries, indexEntry{RunID: meta.RunID, Status: meta.Status, FinishedAt: meta.FinishedAt})
	return writeJSONAtomic(w.fs, path, entries)
}

// writeJSONAtomic marshals v and writes it to path via write-temp then
// rename, so a reader never observes a partially-written file.
func writeJSONAtomic(fs fsutil.FileSystem, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, "marshaling %s", path)
	}
	tmpPath := path + ".tmp"
	if err := fs.WriteFile(tmpPath, data, 0o644); err != nil {
		return errs.Wrap(errs.IoFailure, err, "writing temp file %s", tmpPath)
	}
	if err := fs.Rename(tmpPath, path); err != nil {
		return errs.Wrap(errs.IoFailure, err, "renaming %s to %s", tmpPath, path)
	}
	return nil
}

// RunDirName derives a run's directory name from its id under a flat
// per-run layout.
func RunDirName(baseDir, runID string) string {
	return filepath.Join(baseDir, fmt.Sprintf("run-%s", runID))
}
