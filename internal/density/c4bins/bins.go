// Package c4bins turns a segment's per-window runner projection into
// the bin table: count, density, mean speed and flow rate per
// (segment, window, bin), computed with scatter-add over contiguous
// arrays rather than a map keyed by bin index.
package c4bins

import (
	"math"
	"sort"
	"time"

	"github.com/racecourse/density-bins/internal/density/c2catalog"
	"github.com/racecourse/density-bins/internal/density/c3projection"
	"github.com/racecourse/density-bins/internal/density/c5los"
	"github.com/racecourse/density-bins/internal/density/errs"
	"github.com/racecourse/density-bins/internal/density/runmodel"
)

// posClampEpsilon keeps pos_m strictly inside [0, length_m) so the
// final bin index never overflows n_bins-1 due to floating rounding.
const posClampEpsilon = 1e-9

// Bin is one (segment, window, bin_index) row of the accumulated table.
type Bin struct {
	SegmentID string
	WindowIdx int
	BinIdx    int
	StartKm   float64
	EndKm     float64
	TStart    int64 // unix seconds, inherited from the window grid
	TEnd      int64
	Count     int
	SumSpeed  float64
	MeanSpeed float64
	AreaM2    float64
	Density   float64
	RatePerM  float64 // density * width_m * mean_speed, in runners/s across the bin's width
	LOSClass  string
	Events    []string
	SchemaKey string
	WidthM    float64
	BinSizeKm float64
}

// RatePerMinPerM converts RatePerM (runners/s per bin width) to the
// flow-per-minute-per-meter units the trigger layer and schema
// flow_ref thresholds are expressed in.
func (b Bin) RatePerMinPerM() float64 {
	if b.WidthM <= 0 {
		return 0
	}
	return b.RatePerM * 60 / b.WidthM
}

// Accumulate computes the full bin table for one segment across all
// windows. binLenKm is the current (possibly coarsened) bin width for
// this segment; schemaKey is the rulebook schema this segment resolves
// to, used to classify LOS.
func Accumulate(seg c2catalog.Segment, schemaKey string, arena *c3projection.Arena, windows []runmodel.Window, events []runmodel.Event, epoch time.Time, los *c5los.Classifier, binLenKm float64) ([]Bin, error) {
	if binLenKm <= 0 {
		return nil, errs.New(errs.InvalidInput, "segment %q: bin_size_km must be > 0", seg.ID)
	}
	binLenM := binLenKm * 1000
	nBins := c2catalog.NBins(seg.LengthM, binLenM)
	if nBins < 1 {
		nBins = 1
	}

	rows := make([]Bin, 0, nBins*arena.NWindows())
	for wIdx := 0; wIdx < arena.NWindows() && wIdx < len(windows); wIdx++ {
		w := windows[wIdx]
		pos, speed := arena.Window(wIdx)

		count := make([]int, nBins)
		sumSpeed := make([]float64, nBins)
		for i, p := range pos {
			clamped := clampPos(p, seg.LengthM)
			binIdx := int(math.Floor(clamped / binLenM))
			if binIdx >= nBins {
				binIdx = nBins - 1
			}
			if binIdx < 0 {
				binIdx = 0
			}
			count[binIdx]++
			sumSpeed[binIdx] += speed[i]
		}

		active := activeEvents(seg, events, w, epoch)

		for b := 0; b < nBins; b++ {
			startKm := float64(b) * binLenKm
			endKm := math.Min(startKm+binLenKm, seg.LengthM/1000.0)
			areaM2 := (endKm - startKm) * 1000 * seg.WidthM

			meanSpeed := 0.0
			if count[b] > 0 {
				meanSpeed = sumSpeed[b] / float64(count[b])
			}
			density := 0.0
			if areaM2 > 0 {
				density = float64(count[b]) / areaM2
			}
			rate := density * seg.WidthM * meanSpeed

			row := Bin{
				SegmentID: seg.ID,
				WindowIdx: wIdx,
				BinIdx:    b,
				StartKm:   startKm,
				EndKm:     endKm,
				TStart:    w.Start.Unix(),
				TEnd:      w.End.Unix(),
				Count:     count[b],
				SumSpeed:  sumSpeed[b],
				MeanSpeed: meanSpeed,
				AreaM2:    areaM2,
				Density:   density,
				RatePerM:  rate,
				Events:    active,
				SchemaKey: schemaKey,
				WidthM:    seg.WidthM,
				BinSizeKm: binLenKm,
			}
			rows = append(rows, row)
		}
	}

	if los != nil {
		densities := make([]float64, len(rows))
		for i, r := range rows {
			densities[i] = r.Density
		}
		classes, err := los.ClassifyMany(densities, schemaKey)
		if err != nil {
			return nil, err
		}
		for i := range rows {
			rows[i].LOSClass = string(classes[i])
		}
	}

	sortBins(rows)
	return rows, nil
}

func clampPos(posM, lengthM float64) float64 {
	if posM < 0 {
		return 0
	}
	max := lengthM - posClampEpsilon
	if posM > max {
		return max
	}
	return posM
}

// activeEvents returns the ids of every event present in seg whose
// active window [start, start+duration) has non-empty overlap with
// [w.Start, w.End), in the order events were supplied. A bin may belong
// to multiple events.
func activeEvents(seg c2catalog.Segment, events []runmodel.Event, w runmodel.Window, epoch time.Time) []string {
	wStartS := w.Start.Sub(epoch).Seconds()
	wEndS := w.End.Sub(epoch).Seconds()

	var ids []string
	for _, e := range events {
		if _, ok := seg.Ranges[e.ID]; !ok {
			continue
		}
		startS, endS := e.ActiveWindow()
		if startS < wEndS && endS > wStartS {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// sortBins enforces the deterministic (segment_id, window_index,
// bin_index) emission order downstream consumers rely on.
func sortBins(rows []Bin) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].SegmentID != rows[j].SegmentID {
			return rows[i].SegmentID < rows[j].SegmentID
		}
		if rows[i].WindowIdx != rows[j].WindowIdx {
			return rows[i].WindowIdx < rows[j].WindowIdx
		}
		return rows[i].BinIdx < rows[j].BinIdx
	})
}
