package main

import (
	"flag"
	"log"
	"time"

	"github.com/racecourse/density-bins/internal/units"
)

func main() {
	segmentsPath := flag.String("segments", "", "path to the per-segment CSV table")
	runnersPath := flag.String("runners", "", "path to the runner schedule CSV")
	eventsPath := flag.String("events", "", "path to the event spec JSON (event_id -> {start_time, duration_min})")
	rulebookPath := flag.String("rulebook", "", "path to the rulebook YAML document")
	configPath := flag.String("config", "", "path to a reporting config JSON overlay (optional)")
	tz := flag.String("tz", "UTC", "IANA timezone event start_time values are local to")
	runDateStr := flag.String("run-date", "", "run date, YYYY-MM-DD, local to -tz")
	outDir := flag.String("out-dir", "./runs", "parent directory runs are written under")
	sharedDir := flag.String("shared-dir", "./runs/shared", "directory holding latest.json/index.json")
	rundbPath := flag.String("rundb", "", "path to the run catalog sqlite file (optional)")
	environment := flag.String("environment", "prod", "environment name recorded on the run")
	runID := flag.String("run-id", "", "run id; generated if empty")
	flag.Parse()

	if *segmentsPath == "" || *runnersPath == "" || *eventsPath == "" || *rulebookPath == "" {
		log.Fatal("-segments, -runners, -events, and -rulebook are all required")
	}
	runDate := time.Now()
	if *runDateStr != "" {
		d, err := time.Parse("2006-01-02", *runDateStr)
		if err != nil {
			log.Fatalf("invalid -run-date %q: %v", *runDateStr, err)
		}
		runDate = d
	}

	result, runDir, err := RunFromFiles(Config{
		SegmentsPath: *segmentsPath,
		RunnersPath:  *runnersPath,
		EventsPath:   *eventsPath,
		RulebookPath: *rulebookPath,
		ConfigPath:   *configPath,
		TZ:           *tz,
		RunDate:      runDate,
		OutDir:       *outDir,
		SharedDir:    *sharedDir,
		RunDBPath:    *rundbPath,
		Environment:  *environment,
		RunID:        *runID,
	})
	if err != nil {
		log.Fatalf("run failed: %v", err)
	}
	finishedLocal := result.RunMetadata.FinishedAt
	if finishedAt, perr := time.Parse(time.RFC3339, result.RunMetadata.FinishedAt); perr == nil {
		if local, cerr := units.ConvertTime(finishedAt, *tz); cerr == nil {
			finishedLocal = local.Format(time.RFC3339) + " " + units.GetTimezoneLabel(*tz)
		}
	}
	log.Printf("run complete: dir=%s status=%s bins=%d features=%d occupied_bins=%d finished=%s",
		runDir, result.CoarsenStatus, len(result.Rows), len(result.Features), result.SerializeMetadata.OccupiedBins, finishedLocal)
}
