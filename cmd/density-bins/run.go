package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/racecourse/density-bins/internal/config"
	"github.com/racecourse/density-bins/internal/density/c1rulebook"
	"github.com/racecourse/density-bins/internal/density/c2catalog"
	"github.com/racecourse/density-bins/internal/density/c10runmeta"
	"github.com/racecourse/density-bins/internal/density/pipeline"
	"github.com/racecourse/density-bins/internal/density/runmodel"
	"github.com/racecourse/density-bins/internal/fsutil"
	"github.com/racecourse/density-bins/internal/monitoring"
	"github.com/racecourse/density-bins/internal/rundb"
	"github.com/racecourse/density-bins/internal/timeutil"
	"github.com/racecourse/density-bins/internal/units"
)

// Config holds every path and run parameter the CLI accepts.
type Config struct {
	SegmentsPath string
	RunnersPath  string
	EventsPath   string
	RulebookPath string
	ConfigPath   string
	TZ           string
	RunDate      time.Time
	OutDir       string
	SharedDir    string
	RunDBPath    string
	Environment  string
	RunID        string
}

// RunFromFiles loads every input named in cfg, composes pipeline.Inputs,
// and runs the pipeline, writing both serialized artifacts to the run
// directory before returning.
func RunFromFiles(cfg Config) (*pipeline.Result, string, error) {
	if !units.IsTimezoneValid(cfg.TZ) {
		return nil, "", fmt.Errorf("invalid -tz %q; common values include %s", cfg.TZ, units.GetValidTimezonesString())
	}
	if !units.IsCommonTimezone(cfg.TZ) {
		monitoring.Warnf("density-bins: -tz %q (%s) is a valid IANA zone but not one of the course-day common values; double-check it's the course's local zone, not a typo", cfg.TZ, units.GetTimezoneLabel(cfg.TZ))
	}

	eventSpecs, err := loadEventSpecs(cfg.EventsPath)
	if err != nil {
		return nil, "", err
	}
	eventIDs := make([]string, 0, len(eventSpecs))
	for id := range eventSpecs {
		eventIDs = append(eventIDs, id)
	}
	sort.Strings(eventIDs)

	events, err := runmodel.BuildEvents(eventSpecs, cfg.TZ, cfg.RunDate)
	if err != nil {
		return nil, "", fmt.Errorf("building events: %w", err)
	}

	segFile, err := os.Open(cfg.SegmentsPath)
	if err != nil {
		return nil, "", fmt.Errorf("opening segments file: %w", err)
	}
	defer segFile.Close()
	segments, err := c2catalog.LoadSegmentsCSV(segFile, eventIDs)
	if err != nil {
		return nil, "", fmt.Errorf("loading segments: %w", err)
	}

	runnerFile, err := os.Open(cfg.RunnersPath)
	if err != nil {
		return nil, "", fmt.Errorf("opening runners file: %w", err)
	}
	defer runnerFile.Close()
	runners, err := runmodel.LoadRunnersCSV(runnerFile)
	if err != nil {
		return nil, "", fmt.Errorf("loading runners: %w", err)
	}

	rb, err := c1rulebook.Load(cfg.RulebookPath)
	if err != nil {
		return nil, "", fmt.Errorf("loading rulebook: %w", err)
	}

	reportingCfg := config.EmptyReportingConfig()
	if cfg.ConfigPath != "" {
		reportingCfg, err = config.LoadReportingConfig(cfg.ConfigPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading reporting config: %w", err)
		}
	}
	if reportingCfg.GetDeployMode() {
		if floor := reportingCfg.GetMinBinSizeKm(); reportingCfg.GetInitialBinSizeKm() < floor {
			reportingCfg.InitialBinSizeKm = &floor
		}
	}

	epoch := time.Date(cfg.RunDate.Year(), cfg.RunDate.Month(), cfg.RunDate.Day(), 0, 0, 0, 0, time.UTC)

	in := pipeline.Inputs{
		Segments:    segments,
		Runners:     runners,
		Events:      events,
		Rulebook:    rb,
		Config:      reportingCfg,
		Epoch:       epoch,
		RunID:       cfg.RunID,
		Environment: cfg.Environment,
	}

	runID := cfg.RunID
	if runID == "" {
		runID = time.Now().UTC().Format("20060102T150405Z")
	}
	in.RunID = runID
	runDir := c10runmeta.RunDirName(cfg.OutDir, runID)

	fsys := fsutil.OSFileSystem{}
	if err := fsys.MkdirAll(runDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("creating run directory: %w", err)
	}
	if err := fsys.MkdirAll(cfg.SharedDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("creating shared directory: %w", err)
	}

	result, err := pipeline.Run(in, fsys, runDir, cfg.SharedDir, timeutil.RealClock{})
	if err != nil {
		return nil, runDir, err
	}

	if err := writeArtifacts(runDir, result); err != nil {
		return result, runDir, err
	}

	if cfg.RunDBPath != "" {
		db, err := rundb.Open(cfg.RunDBPath)
		if err != nil {
			return result, runDir, fmt.Errorf("opening run catalog: %w", err)
		}
		defer db.Close()
		if err := rundb.RecordRun(db, result.RunMetadata, result.Rollup.Summaries); err != nil {
			return result, runDir, fmt.Errorf("recording run in catalog: %w", err)
		}
	}

	return result, runDir, nil
}

func loadEventSpecs(path string) (map[string]runmodel.EventSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading event spec file: %w", err)
	}
	var specs map[string]runmodel.EventSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parsing event spec JSON: %w", err)
	}
	return specs, nil
}

func writeArtifacts(runDir string, result *pipeline.Result) error {
	if err := os.WriteFile(filepath.Join(runDir, "bin_dataset.geojson.gz"), result.FeatureCollectionGz, 0o644); err != nil {
		return fmt.Errorf("writing feature collection: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "bin_dataset.ndjson.gz"), result.ColumnarTableGz, 0o644); err != nil {
		return fmt.Errorf("writing columnar table: %w", err)
	}
	if err := writeJSON(filepath.Join(runDir, "serialize_metadata.json"), result.SerializeMetadata); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(runDir, "rollup_summary.json"), result.Rollup.Summaries); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(runDir, "bin_summary.json"), result.BinSummary); err != nil {
		return err
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}
