// Package rundb gives the run catalog (metadata.json/index.json's
// content, per run) a queryable home alongside the flat files C10
// writes. It is additive: nothing in the core pipeline depends on it,
// and it performs no cross-run aggregation — only per-run lookup by id,
// status, or segment.
package rundb

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/racecourse/density-bins/internal/density/c10runmeta"
	"github.com/racecourse/density-bins/internal/density/c9rollup"
	"github.com/racecourse/density-bins/internal/density/errs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a sqlite connection holding the run catalog.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the sqlite database at path and applies
// pending migrations.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.IoFailure, err, "opening rundb %q", path)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			return nil, errs.Wrap(errs.IoFailure, err, "executing %q", pragma)
		}
	}
	db := &DB{conn}
	if err := db.migrateUp(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) migrateUp() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, "opening embedded migrations")
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, "creating sqlite migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, "creating migrate instance")
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errs.Wrap(errs.IoFailure, err, "applying rundb migrations")
	}
	return nil
}

// RecordRun upserts one run's metadata row plus one row per segment
// summary. A prior record for the same run_id keeps its started_at and
// environment; its other runs columns and all its segment rows are
// replaced.
func RecordRun(db *DB, meta c10runmeta.Metadata, summaries map[string]c9rollup.Summary) error {
	tx, err := db.Begin()
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, "beginning rundb transaction")
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO runs (run_id, started_at, finished_at, environment, status, error, analysis_hash, occupied_bins, total_features)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			finished_at = excluded.finished_at,
			status = excluded.status,
			error = excluded.error,
			analysis_hash = excluded.analysis_hash,
			occupied_bins = excluded.occupied_bins,
			total_features = excluded.total_features
	`, meta.RunID, meta.StartedAt, meta.FinishedAt, meta.Environment, string(meta.Status), meta.Error, meta.AnalysisHash, meta.OccupiedBins, meta.TotalFeatures)
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, "upserting run %q", meta.RunID)
	}

	if _, err := tx.Exec(`DELETE FROM run_segments WHERE run_id = ?`, meta.RunID); err != nil {
		return errs.Wrap(errs.IoFailure, err, "clearing prior segment rows for run %q", meta.RunID)
	}
	for segID, s := range summaries {
		_, err := tx.Exec(`
			INSERT INTO run_segments (run_id, segment_id, worst_severity, flagged_bin_count, peak_density)
			VALUES (?, ?, ?, ?, ?)
		`, meta.RunID, segID, string(s.WorstSeverity), s.FlaggedBinCount, s.PeakDensity)
		if err != nil {
			return errs.Wrap(errs.IoFailure, err, "inserting segment row %q for run %q", segID, meta.RunID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.IoFailure, err, "committing rundb transaction for run %q", meta.RunID)
	}
	return nil
}

// RunRecord is one row of the runs table.
type RunRecord struct {
	RunID         string
	StartedAt     string
	FinishedAt    string
	Environment   string
	Status        string
	Error         string
	AnalysisHash  string
	OccupiedBins  int
	TotalFeatures int
}

// GetRun looks up a single run by id.
func GetRun(db *DB, runID string) (*RunRecord, error) {
	row := db.QueryRow(`SELECT run_id, started_at, finished_at, environment, status, error, analysis_hash, occupied_bins, total_features FROM runs WHERE run_id = ?`, runID)
	var r RunRecord
	var finishedAt, errStr, hash sql.NullString
	if err := row.Scan(&r.RunID, &r.StartedAt, &finishedAt, &r.Environment, &r.Status, &errStr, &hash, &r.OccupiedBins, &r.TotalFeatures); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.InvalidInput, "no such run %q", runID)
		}
		return nil, errs.Wrap(errs.IoFailure, err, "querying run %q", runID)
	}
	r.FinishedAt, r.Error, r.AnalysisHash = finishedAt.String, errStr.String, hash.String
	return &r, nil
}

// ListRunsByStatus returns every run with the given status, most
// recently finished first.
func ListRunsByStatus(db *DB, status string) ([]RunRecord, error) {
	rows, err := db.Query(`SELECT run_id, started_at, finished_at, environment, status, error, analysis_hash FROM runs WHERE status = ? ORDER BY finished_at DESC`, status)
	if err != nil {
		return nil, errs.Wrap(errs.IoFailure, err, "querying runs with status %q", status)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var finishedAt, errStr, hash sql.NullString
		if err := rows.Scan(&r.RunID, &r.StartedAt, &finishedAt, &r.Environment, &r.Status, &errStr, &hash); err != nil {
			return nil, errs.Wrap(errs.IoFailure, err, "scanning run row")
		}
		r.FinishedAt, r.Error, r.AnalysisHash = finishedAt.String, errStr.String, hash.String
		out = append(out, r)
	}
	return out, nil
}

// SegmentsFlaggedAcrossRuns returns, for one segment id, the runs in
// which it had a non-none worst_severity — a per-segment lookup, not a
// cross-run aggregate: callers get back individual run rows to inspect,
// nothing is averaged or merged across them.
func SegmentsFlaggedAcrossRuns(db *DB, segmentID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT run_id FROM run_segments
		WHERE segment_id = ? AND worst_severity != 'none'
		ORDER BY run_id
	`, segmentID)
	if err != nil {
		return nil, errs.Wrap(errs.IoFailure, fmt.Errorf("%w", err), "querying flagged runs for segment %q", segmentID)
	}
	defer rows.Close()

	var runIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.IoFailure, err, "scanning run_id")
		}
		runIDs = append(runIDs, id)
	}
	return runIDs, nil
}
