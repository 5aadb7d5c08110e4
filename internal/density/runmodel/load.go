package runmodel

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/racecourse/density-bins/internal/density/errs"
)

// LoadRunnersCSV reads the runner table: event, runner_id,
// pace_min_per_km, start_offset_s (optional, default 0).
func LoadRunnersCSV(r io.Reader) ([]Runner, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "reading runner table header")
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	for _, required := range []string{"event", "runner_id", "pace_min_per_km"} {
		if _, ok := idx[required]; !ok {
			return nil, errs.New(errs.InvalidInput, "runner table missing required column %q", required)
		}
	}
	offsetIdx, hasOffset := idx["start_offset_s"]

	var runners []Runner
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.Wrap(errs.InvalidInput, err, "reading runner table row")
		}
		pace, err := strconv.ParseFloat(strings.TrimSpace(row[idx["pace_min_per_km"]]), 64)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidInput, err, "runner %q: parsing pace_min_per_km", row[idx["runner_id"]])
		}
		offset := 0.0
		if hasOffset {
			s := strings.TrimSpace(row[offsetIdx])
			if s != "" {
				offset, err = strconv.ParseFloat(s, 64)
				if err != nil {
					return nil, errs.Wrap(errs.InvalidInput, err, "runner %q: parsing start_offset_s", row[idx["runner_id"]])
				}
			}
		}
		runner := Runner{
			ID:           row[idx["runner_id"]],
			EventID:      NormalizeID(row[idx["event"]]),
			PaceMinPerKm: pace,
			StartOffsetS: offset,
		}
		if err := runner.Validate(); err != nil {
			return nil, err
		}
		runners = append(runners, runner)
	}
	return runners, nil
}

// EventSpec is the run-metadata shape events/start times are read from:
// event_id -> { start_time (HH:MM local), duration_min }.
type EventSpec struct {
	StartTime   string `json:"start_time" yaml:"start_time"`
	DurationMin int    `json:"duration_min" yaml:"duration_min"`
}

// BuildEvents converts a map of EventSpecs into Events, resolving each
// HH:MM local start time against tz into minutes past midnight UTC.
func BuildEvents(specs map[string]EventSpec, tz string, runDate time.Time) ([]Event, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "loading timezone %q", tz)
	}
	events := make([]Event, 0, len(specs))
	for id, spec := range specs {
		hm := strings.Split(spec.StartTime, ":")
		if len(hm) != 2 {
			return nil, errs.New(errs.InvalidInput, "event %q: start_time %q is not HH:MM", id, spec.StartTime)
		}
		hour, err := strconv.Atoi(hm[0])
		if err != nil {
			return nil, errs.Wrap(errs.InvalidInput, err, "event %q: parsing start_time hour", id)
		}
		minute, err := strconv.Atoi(hm[1])
		if err != nil {
			return nil, errs.Wrap(errs.InvalidInput, err, "event %q: parsing start_time minute", id)
		}
		if spec.DurationMin < 1 {
			return nil, errs.New(errs.InvalidInput, "event %q: duration_min must be >= 1, got %d", id, spec.DurationMin)
		}
		local := time.Date(runDate.Year(), runDate.Month(), runDate.Day(), hour, minute, 0, 0, loc)
		utc := local.UTC()
		midnightUTC := time.Date(runDate.Year(), runDate.Month(), runDate.Day(), 0, 0, 0, 0, time.UTC)
		startMin := utc.Sub(midnightUTC).Minutes()
		events = append(events, Event{
			ID:           NormalizeID(id),
			StartTimeMin: startMin,
			DurationMin:  spec.DurationMin,
		})
	}
	return events, nil
}
