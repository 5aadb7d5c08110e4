// Package runmodel holds the per-run data model shared across the
// pipeline: events, runners, and the time-window grid. These are plain
// immutable records, not packaged per layer, because every C3-C9 stage
// reads them.
package runmodel

import (
	"strings"
	"time"

	"github.com/racecourse/density-bins/internal/density/errs"
)

// Event is one runner cohort's start clock and active-window length.
type Event struct {
	ID           string
	StartTimeMin float64 // minutes past midnight, UTC
	DurationMin  int
}

// ActiveWindow returns [start, start+duration) in seconds since midnight.
func (e Event) ActiveWindow() (startS, endS float64) {
	startS = e.StartTimeMin * 60
	endS = startS + float64(e.DurationMin)*60
	return
}

// NormalizeID lower-cases an event id
func NormalizeID(id string) string { return strings.ToLower(strings.TrimSpace(id)) }

// Runner is one participant: fixed pace and start offset for the whole
// course.
type Runner struct {
	ID           string
	EventID      string
	PaceMinPerKm float64
	StartOffsetS float64
}

// PaceSPerKm converts pace to seconds per kilometer.
func (r Runner) PaceSPerKm() float64 { return r.PaceMinPerKm * 60 }

// Validate checks the §3 invariants for a runner record.
func (r Runner) Validate() error {
	if r.PaceMinPerKm <= 0 {
		return errs.New(errs.InvalidInput, "runner %q: pace_min_per_km must be > 0, got %v", r.ID, r.PaceMinPerKm)
	}
	if r.StartOffsetS < 0 {
		return errs.New(errs.InvalidInput, "runner %q: start_offset_s must be >= 0, got %v", r.ID, r.StartOffsetS)
	}
	return nil
}

// Window is one contiguous time bucket, UTC-anchored.
type Window struct {
	Start time.Time
	End   time.Time
	Index int
}

// DtSeconds returns the window's duration in seconds.
func (w Window) DtSeconds() float64 { return w.End.Sub(w.Start).Seconds() }

// MidpointS returns the window's midpoint, in seconds since the grid's
// epoch (the same epoch Event.StartTimeMin and Runner.StartOffsetS are
// measured against).
func (w Window) MidpointS(epoch time.Time) float64 {
	mid := w.Start.Add(w.End.Sub(w.Start) / 2)
	return mid.Sub(epoch).Seconds()
}

// BuildWindows produces the contiguous, UTC-anchored window grid covering
// [earliest event start - 1h, latest event end + padding],
// epoch is the zero point against which event/runner times are measured
// (typically midnight UTC on the event date).
func BuildWindows(epoch time.Time, events []Event, dtSeconds float64, paddingS float64) []Window {
	if len(events) == 0 || dtSeconds <= 0 {
		return nil
	}
	minStartS := events[0].StartTimeMin * 60
	maxEndS := minStartS
	for _, e := range events {
		startS, endS := e.ActiveWindow()
		if startS < minStartS {
			minStartS = startS
		}
		if endS > maxEndS {
			maxEndS = endS
		}
	}
	gridStartS := minStartS - 3600
	gridEndS := maxEndS + paddingS

	var windows []Window
	idx := 0
	for t := gridStartS; t < gridEndS; t += dtSeconds {
		windows = append(windows, Window{
			Start: epoch.Add(time.Duration(t) * time.Second),
			End:   epoch.Add(time.Duration(t+dtSeconds) * time.Second),
			Index: idx,
		})
		idx++
	}
	return windows
}

// ActiveWindowIndices returns the indices of windows whose midpoint falls
// within the event's active window [start, start+duration).
func ActiveWindowIndices(epoch time.Time, e Event, windows []Window) []int {
	startS, endS := e.ActiveWindow()
	var idxs []int
	for _, w := range windows {
		mid := w.MidpointS(epoch)
		if mid >= startS && mid < endS {
			idxs = append(idxs, w.Index)
		}
	}
	return idxs
}
