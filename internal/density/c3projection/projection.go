// Package c3projection turns runner schedules into per-segment,
// per-window position and speed arrays. Each event's runners are
// projected onto every segment the event passes through using
// elementwise array math (gonum/floats) rather than a loop per runner,
// per the rest of the pipeline's columnar style; only the window-level
// membership filter and the ragged per-window append are scalar, since
// each window keeps a different number of runners.
package c3projection

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/racecourse/density-bins/internal/density/c2catalog"
	"github.com/racecourse/density-bins/internal/density/errs"
	"github.com/racecourse/density-bins/internal/density/runmodel"
)

// Arena holds every (segment, window) runner projection as two flat
// buffers plus an offset table, so a run's whole bin accumulator input
// lives in two contiguous allocations per segment instead of one small
// slice per cell.
type Arena struct {
	SegmentID string
	Pos       []float64
	Speed     []float64
	// Offsets has len(windows)+1 entries; window i's data is
	// Pos[Offsets[i]:Offsets[i+1]] and the parallel Speed slice.
	Offsets []int
}

// Window returns the (pos_m, speed_mps) pair for the given window
// index. Both slices are empty, never nil-vs-empty ambiguous, when no
// runner occupied the segment during that window.
func (a *Arena) Window(i int) (pos, speed []float64) {
	lo, hi := a.Offsets[i], a.Offsets[i+1]
	return a.Pos[lo:hi], a.Speed[lo:hi]
}

// NWindows reports how many windows this arena covers.
func (a *Arena) NWindows() int {
	if len(a.Offsets) == 0 {
		return 0
	}
	return len(a.Offsets) - 1
}

type builder struct {
	pos   [][]float64
	speed [][]float64
}

func newBuilder(nWindows int) *builder {
	return &builder{pos: make([][]float64, nWindows), speed: make([][]float64, nWindows)}
}

func (b *builder) append(windowIdx int, pos, speed float64) {
	b.pos[windowIdx] = append(b.pos[windowIdx], pos)
	b.speed[windowIdx] = append(b.speed[windowIdx], speed)
}

func (b *builder) finalize(segmentID string) *Arena {
	offsets := make([]int, len(b.pos)+1)
	total := 0
	for i, bucket := range b.pos {
		offsets[i] = total
		total += len(bucket)
	}
	offsets[len(b.pos)] = total

	pos := make([]float64, total)
	speed := make([]float64, total)
	for i := range b.pos {
		copy(pos[offsets[i]:offsets[i+1]], b.pos[i])
		copy(speed[offsets[i]:offsets[i+1]], b.speed[i])
	}
	return &Arena{SegmentID: segmentID, Pos: pos, Speed: speed, Offsets: offsets}
}

// looseUpperCutoffKm is the course distance, covered at the event's
// average pace after its latest start offset, beyond which a window is
// no longer worth scanning for an event.
const looseUpperCutoffKm = 50.0

// Project computes runners[segment_id][window_index] for every segment
// in the catalog. epoch is the zero point windows and event start times
// are measured against (see runmodel.BuildWindows).
func Project(catalog *c2catalog.Catalog, events []runmodel.Event, runners []runmodel.Runner, windows []runmodel.Window, epoch time.Time) (map[string]*Arena, error) {
	if !catalog.Frozen() {
		return nil, errs.New(errs.InvalidInput, "runner projection requires a frozen segment catalog")
	}

	eventByID := make(map[string]runmodel.Event, len(events))
	for _, e := range events {
		eventByID[e.ID] = e
	}
	runnersByEvent := make(map[string][]runmodel.Runner)
	for _, r := range runners {
		runnersByEvent[r.EventID] = append(runnersByEvent[r.EventID], r)
	}

	segIDs := catalog.SegmentIDs()
	sort.Strings(segIDs)

	result := make(map[string]*Arena, len(segIDs))
	for _, segID := range segIDs {
		seg, ok := catalog.Get(segID)
		if !ok {
			continue
		}
		b := newBuilder(len(windows))
		for eventID := range catalog.EventsInSegment[segID] {
			event, ok := eventByID[eventID]
			if !ok {
				continue
			}
			rng, ok := seg.Ranges[eventID]
			if !ok {
				continue
			}
			evRunners := runnersByEvent[eventID]
			if len(evRunners) == 0 {
				continue
			}
			if err := projectEvent(b, event, rng, evRunners, windows, epoch); err != nil {
				return nil, err
			}
		}
		result[segID] = b.finalize(segID)
	}
	return result, nil
}

// projectEvent computes, vectorized over evRunners, the window-by-window
// presence and position of one event's runners in one segment.
func projectEvent(b *builder, event runmodel.Event, rng c2catalog.EventRange, evRunners []runmodel.Runner, windows []runmodel.Window, epoch time.Time) error {
	n := len(evRunners)
	eventStartS := event.StartTimeMin * 60

	paceSPerKm := make([]float64, n)
	offsetS := make([]float64, n)
	for i, r := range evRunners {
		if r.PaceSPerKm() <= 0 {
			return errs.New(errs.InvalidInput, "runner %q: non-positive pace", r.ID)
		}
		paceSPerKm[i] = r.PaceSPerKm()
		offsetS[i] = r.StartOffsetS
	}

	// entry[i] = eventStartS + offsetS[i] + paceSPerKm[i]*from_km_e
	entry := append([]float64(nil), paceSPerKm...)
	floats.Scale(rng.FromKm, entry)
	floats.Add(entry, offsetS)
	floats.AddConst(eventStartS, entry)

	// exit[i] = eventStartS + offsetS[i] + paceSPerKm[i]*to_km_e
	exit := append([]float64(nil), paceSPerKm...)
	floats.Scale(rng.ToKm, exit)
	floats.Add(exit, offsetS)
	floats.AddConst(eventStartS, exit)

	maxOffset := floats.Max(offsetS)
	avgPace := floats.Sum(paceSPerKm) / float64(n)
	cutoffEndS := eventStartS + maxOffset + looseUpperCutoffKm*avgPace

	for _, w := range windows {
		halfDt := w.DtSeconds() / 2
		tMid := w.MidpointS(epoch)
		if tMid < eventStartS-w.DtSeconds() || tMid > cutoffEndS {
			continue
		}
		for i := range evRunners {
			if entry[i] > tMid+halfDt || exit[i] < tMid-halfDt {
				continue
			}
			kmAbs := (tMid - eventStartS - offsetS[i]) / paceSPerKm[i]
			if kmAbs < rng.FromKm || kmAbs > rng.ToKm {
				continue
			}
			posM := (kmAbs - rng.FromKm) * 1000
			speedMps := 1000 / paceSPerKm[i]
			b.append(w.Index, posM, speedMps)
		}
	}
	return nil
}
