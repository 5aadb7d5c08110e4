// Package pipeline is the composition root that wires C1 through C10
// into one run: resolve schemas, project runners, accumulate bins under
// the coarsening controller's budget, classify, flag, serialize, roll
// up, and commit run metadata. Nothing here implements pipeline logic
// itself — every decision belongs to its own component package; this
// package only sequences them in run order.
package pipeline

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/racecourse/density-bins/internal/config"
	"github.com/racecourse/density-bins/internal/density/c1rulebook"
	"github.com/racecourse/density-bins/internal/density/c2catalog"
	"github.com/racecourse/density-bins/internal/density/c3projection"
	"github.com/racecourse/density-bins/internal/density/c4bins"
	"github.com/racecourse/density-bins/internal/density/c5los"
	"github.com/racecourse/density-bins/internal/density/c6flags"
	"github.com/racecourse/density-bins/internal/density/c7coarsen"
	"github.com/racecourse/density-bins/internal/density/c8serialize"
	"github.com/racecourse/density-bins/internal/density/c9rollup"
	"github.com/racecourse/density-bins/internal/density/c10runmeta"
	"github.com/racecourse/density-bins/internal/density/errs"
	"github.com/racecourse/density-bins/internal/density/runmodel"
	"github.com/racecourse/density-bins/internal/fsutil"
	"github.com/racecourse/density-bins/internal/monitoring"
	"github.com/racecourse/density-bins/internal/timeutil"
)

// windowPaddingS is the fixed slack BuildWindows adds past an event's
// scheduled end before the last window stops being worth computing.
const windowPaddingS = 1800

// Inputs is everything one run needs. Segments, runners, and events are
// already loaded and validated by their own loaders (c2catalog.Load*,
// runmodel.LoadRunnersCSV, runmodel.BuildEvents) — this package only
// consumes them.
type Inputs struct {
	Segments     []c2catalog.Segment
	CourseRanges map[string]c2catalog.EventRange // optional; nil skips the containment check
	Runners      []runmodel.Runner
	Events       []runmodel.Event
	Rulebook     *c1rulebook.Rulebook
	Config       *config.ReportingConfig
	Epoch        time.Time
	RunID        string // generated with uuid.NewString() when empty
	Environment  string
}

// Result bundles every artifact a completed run produces.
type Result struct {
	CoarsenStatus       c7coarsen.Status
	SegmentParams       map[string]c7coarsen.SegmentParams
	Rows                []c4bins.Bin
	Flags               []c6flags.Flag
	Features            []c8serialize.Feature
	FeatureCollectionGz []byte
	ColumnarTableGz     []byte
	SerializeMetadata   c8serialize.Metadata
	Rollup              *c9rollup.Rollup
	BinSummary          c9rollup.BinSummary
	RunMetadata         c10runmeta.Metadata
}

// Run executes one full pass of C1-C10 and commits the two-phase-commit
// run metadata via runDir/sharedDir. A failure at any stage after
// BeginRun still writes a terminal "failed" metadata.json before the
// error is returned.
func Run(in Inputs, fsys fsutil.FileSystem, runDir, sharedDir string, clock timeutil.Clock) (*Result, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if in.Rulebook == nil {
		return nil, errs.New(errs.InvalidInput, "pipeline requires a rulebook")
	}
	if err := in.Rulebook.Validate(); err != nil {
		return nil, err
	}
	cfg := in.Config
	if cfg == nil {
		cfg = config.EmptyReportingConfig()
	}

	catalog, err := c2catalog.Build(in.Segments, in.CourseRanges)
	if err != nil {
		return nil, err
	}
	catalog.Freeze()

	segIDs := catalog.SegmentIDs()
	sort.Strings(segIDs)

	schemaKeys := make(map[string]string, len(segIDs))
	for _, id := range segIDs {
		seg, _ := catalog.Get(id)
		key, err := in.Rulebook.ResolveSchema(id, seg.FlowType)
		if err != nil {
			return nil, err
		}
		schemaKeys[id] = key
	}

	runID := in.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	startedAt := clock.Now().UTC().Format(time.RFC3339)

	writer := c10runmeta.New(fsys, runDir, sharedDir)
	meta := c10runmeta.Metadata{RunID: runID, StartedAt: startedAt, Environment: in.Environment}
	if err := writer.BeginRun(meta); err != nil {
		return nil, err
	}
	fail := func(err error) error {
		meta.Error = err.Error()
		if ferr := writer.CompleteRun(meta, c10runmeta.StatusFailed, err); ferr != nil {
			monitoring.Errorf("pipeline: failed to record failed-run metadata for %q: %v", runID, ferr)
		}
		return err
	}

	hotspots := make(map[string]bool, len(cfg.Hotspots))
	for _, id := range cfg.Hotspots {
		hotspots[id] = true
	}
	budget := c7coarsen.Budget{
		TargetSeconds:    cfg.GetTargetSeconds(),
		MaxSeconds:       cfg.GetMaxSeconds(),
		MaxFeatures:      cfg.GetMaxFeatures(),
		InitialDtSeconds: cfg.GetInitialDtSeconds(),
		InitialBinSizeKm: cfg.GetInitialBinSizeKm(),
		MinBinSizeKm:     cfg.GetMinBinSizeKm(),
		MaxDtSeconds:     cfg.GetMaxDtSeconds(),
		Hotspots:         hotspots,
	}
	controller := c7coarsen.New(budget, clock)
	losClassifier := c5los.New(in.Rulebook)

	var rows []c4bins.Bin
	compute := func(params map[string]c7coarsen.SegmentParams) (int, error) {
		// c3projection.Project shares one window list across every
		// segment, so the dt-widening step uses the widest per-segment
		// dt for this strategy step; hotspot segments keep their
		// spatial resolution (bin_size_km) narrow regardless, since
		// Accumulate takes binLenKm per segment independently.
		dt := widestDt(params, segIDs, budget.InitialDtSeconds)
		windows := runmodel.BuildWindows(in.Epoch, in.Events, dt, windowPaddingS)

		arenas, err := c3projection.Project(catalog, in.Events, in.Runners, windows, in.Epoch)
		if err != nil {
			return 0, err
		}

		rows = rows[:0]
		for _, segID := range segIDs {
			seg, _ := catalog.Get(segID)
			segRows, err := c4bins.Accumulate(seg, schemaKeys[segID], arenas[segID], windows, in.Events, in.Epoch, losClassifier, params[segID].BinSizeKm)
			if err != nil {
				return 0, err
			}
			rows = append(rows, segRows...)
		}
		return len(rows), nil
	}

	status, finalParams, err := controller.Run(segIDs, compute)
	if err != nil {
		return nil, fail(err)
	}

	engine := c6flags.NewEngine(in.Rulebook, cfg.GetMinLOSFlag(), cfg.GetUtilizationPctile(), cfg.GetRequireMinBinLenM())
	flags, err := engine.Run(rows)
	if err != nil {
		return nil, fail(err)
	}

	segMap := make(map[string]c2catalog.Segment, len(segIDs))
	for _, id := range segIDs {
		segMap[id], _ = catalog.Get(id)
	}
	features, err := c8serialize.BuildFeatures(rows, flags, segMap)
	if err != nil {
		return nil, fail(err)
	}

	fcGz, err := c8serialize.EncodeFeatureCollection(features)
	if err != nil {
		return nil, fail(err)
	}
	if err := c8serialize.CheckCeilings(fcGz, len(features), budget.MaxFeatures); err != nil {
		return nil, fail(err)
	}
	columnarGz, err := c8serialize.EncodeColumnarTable(features)
	if err != nil {
		return nil, fail(err)
	}

	eventIDs := make([]string, len(in.Events))
	startTimes := make(map[string]float64, len(in.Events))
	eventDurations := make(map[string]int, len(in.Events))
	for i, e := range in.Events {
		eventIDs[i] = e.ID
		startTimes[e.ID] = e.StartTimeMin
		eventDurations[e.ID] = e.DurationMin
	}
	binSizeKm := representativeBinSizeKm(finalParams, segIDs, budget.InitialBinSizeKm)
	analysisHash := c8serialize.AnalysisHash(segIDs, len(in.Runners), eventIDs, in.Rulebook.Version, binSizeKm, dt(finalParams, segIDs, budget.InitialDtSeconds))
	savedAt := clock.Now().UTC().Format(time.RFC3339)
	serializeMeta := c8serialize.BuildMetadata(features, analysisHash, startTimes, eventDurations, savedAt)
	if serializeMeta.OccupiedBins == 0 || serializeMeta.NonzeroDensityBins == 0 {
		emptyErr := errs.New(errs.EmptyOccupancy, "run %q completed with occupied_bins=%d, nonzero_density_bins=%d across %d segments", runID, serializeMeta.OccupiedBins, serializeMeta.NonzeroDensityBins, len(segIDs))
		monitoring.Errorf("pipeline: %v", emptyErr)
	}

	thresholdArealFor := func(segID string) float64 {
		schema, ok := in.Rulebook.Schemas[schemaKeys[segID]]
		if !ok || schema.ThresholdAreal == 0 {
			return cfg.GetDefaultThresholdAreal()
		}
		return schema.ThresholdAreal
	}
	rollup, err := c9rollup.Build(rows, flags, thresholdArealFor, dt(finalParams, segIDs, budget.InitialDtSeconds))
	if err != nil {
		return nil, fail(err)
	}
	binSummary := c9rollup.BuildBinSummary(rollup, 0)

	meta.FinishedAt = clock.Now().UTC().Format(time.RFC3339)
	meta.AnalysisHash = analysisHash
	meta.OccupiedBins = serializeMeta.OccupiedBins
	meta.TotalFeatures = serializeMeta.TotalFeatures
	runStatus := c10runmeta.StatusComplete
	if status == c7coarsen.StatusPartial {
		runStatus = c10runmeta.StatusPartial
	}
	if err := writer.CompleteRun(meta, runStatus, nil); err != nil {
		return nil, err
	}

	return &Result{
		CoarsenStatus:       status,
		SegmentParams:       finalParams,
		Rows:                rows,
		Flags:               flags,
		Features:            features,
		FeatureCollectionGz: fcGz,
		ColumnarTableGz:     columnarGz,
		SerializeMetadata:   serializeMeta,
		Rollup:              rollup,
		BinSummary:          binSummary,
		RunMetadata:         meta,
	}, nil
}

// widestDt returns the largest per-segment DtSeconds currently in force,
// or fallback when params is empty.
func widestDt(params map[string]c7coarsen.SegmentParams, segIDs []string, fallback float64) float64 {
	return dt(params, segIDs, fallback)
}

func dt(params map[string]c7coarsen.SegmentParams, segIDs []string, fallback float64) float64 {
	widest := 0.0
	for _, id := range segIDs {
		if p, ok := params[id]; ok && p.DtSeconds > widest {
			widest = p.DtSeconds
		}
	}
	if widest == 0 {
		return fallback
	}
	return widest
}

// representativeBinSizeKm reports the smallest (finest) per-segment bin
// size in force, for the analysis hash's bin_size_km field.
func representativeBinSizeKm(params map[string]c7coarsen.SegmentParams, segIDs []string, fallback float64) float64 {
	finest := 0.0
	for _, id := range segIDs {
		p, ok := params[id]
		if !ok {
			continue
		}
		if finest == 0 || p.BinSizeKm < finest {
			finest = p.BinSizeKm
		}
	}
	if finest == 0 {
		return fallback
	}
	return finest
}
