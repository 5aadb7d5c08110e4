// Package c9rollup aggregates a run's bin table into the per-segment
// summary and per-flagged-bin detail tables consumed by reports,
// heatmaps, and tooltips. Aggregation is order-independent:
// it reads the full bin+flag tables and never mutates them.
package c9rollup

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/racecourse/density-bins/internal/density/c1rulebook"
	"github.com/racecourse/density-bins/internal/density/c4bins"
	"github.com/racecourse/density-bins/internal/density/c6flags"
	"github.com/racecourse/density-bins/internal/density/errs"
)

// LOSDistribution is the fraction of a segment's active bins landing in
// each LOS letter.
type LOSDistribution map[c1rulebook.Letter]float64

// Summary is one segment's rollup row.
type Summary struct {
	SegmentID       string
	ActiveWindows   []int
	ActiveStart     int64
	ActiveEnd       int64
	ActiveDurationS int64
	PeakDensity     float64
	P95Density      float64
	MeanDensity     float64
	PeakRate        float64
	PeakConcurrency int
	OccupancyRate   float64
	TotArealSec     float64
	LOSDistribution LOSDistribution
	WorstSeverity   c6flags.Severity
	FlaggedBinCount int
	WorstBin        *c4bins.Bin
}

// Detail is one row of the per-flagged-bin detail table.
type Detail struct {
	Bin  c4bins.Bin
	Flag c6flags.Flag
}

// Rollup holds both output tables, keyed by segment_id.
type Rollup struct {
	Summaries map[string]Summary
	Details   map[string][]Detail
}

type segmentAccum struct {
	bins            []c4bins.Bin
	flags           []c6flags.Flag
	activeWindowSet map[int]bool
	activeStart     int64
	activeEnd       int64
	haveActive      bool
}

// Build aggregates rows (bin + flag tables, index-aligned) into the
// per-segment summary and detail tables. thresholdArealFor resolves each
// bin's segment to the density cutoff used for tot_areal_sec — schemas
// bind their own threshold_areal (open course vs. start corral have
// different meaningful cutoffs), so this is a per-segment lookup rather
// than one global constant. dtSeconds is the uniform window length.
func Build(rows []c4bins.Bin, flags []c6flags.Flag, thresholdArealFor func(segmentID string) float64, dtSeconds float64) (*Rollup, error) {
	if len(rows) != len(flags) {
		return nil, errs.New(errs.InvalidInput, "rows/flags length mismatch: %d vs %d", len(rows), len(flags))
	}

	bySegment := make(map[string]*segmentAccum)
	order := []string{}
	for i, r := range rows {
		acc, ok := bySegment[r.SegmentID]
		if !ok {
			acc = &segmentAccum{activeWindowSet: make(map[int]bool)}
			bySegment[r.SegmentID] = acc
			order = append(order, r.SegmentID)
		}
		acc.bins = append(acc.bins, r)
		acc.flags = append(acc.flags, flags[i])
		if r.Count > 0 {
			acc.activeWindowSet[r.WindowIdx] = true
			if !acc.haveActive || r.TStart < acc.activeStart {
				acc.activeStart = r.TStart
			}
			if !acc.haveActive || r.TEnd > acc.activeEnd {
				acc.activeEnd = r.TEnd
			}
			acc.haveActive = true
		}
	}

	out := &Rollup{Summaries: make(map[string]Summary, len(order)), Details: make(map[string][]Detail, len(order))}
	for _, segID := range order {
		acc := bySegment[segID]
		summary := summarize(segID, acc, thresholdArealFor(segID), dtSeconds)
		out.Summaries[segID] = summary
		out.Details[segID] = details(acc)
	}
	return out, nil
}

func summarize(segID string, acc *segmentAccum, thresholdAreal, dtSeconds float64) Summary {
	activeWindows := make([]int, 0, len(acc.activeWindowSet))
	for w := range acc.activeWindowSet {
		activeWindows = append(activeWindows, w)
	}
	sort.Ints(activeWindows)

	var activeBins []c4bins.Bin
	for _, b := range acc.bins {
		if b.Count > 0 {
			activeBins = append(activeBins, b)
		}
	}

	var peakDensity, p95Density, meanDensity, peakRate float64
	var peakConcurrency int
	var totAreal float64
	losCounts := make(map[c1rulebook.Letter]int)
	var totalActiveBins int

	if len(activeBins) > 0 {
		densities := make([]float64, len(activeBins))
		for i, b := range activeBins {
			densities[i] = b.Density
			if b.Density > peakDensity {
				peakDensity = b.Density
			}
			if b.RatePerM > peakRate {
				peakRate = b.RatePerM
			}
			if b.Count > peakConcurrency {
				peakConcurrency = b.Count
			}
			losCounts[c1rulebook.Letter(b.LOSClass)]++
		}
		sort.Float64s(densities)
		meanDensity = stat.Mean(densities, nil)
		p95Density = stat.Quantile(0.95, stat.Empirical, densities, nil)
		totalActiveBins = len(activeBins)
	}

	for _, b := range acc.bins {
		if b.Density >= thresholdAreal {
			totAreal += dtSeconds
		}
	}

	losDist := make(LOSDistribution, len(losCounts))
	if totalActiveBins > 0 {
		for letter, count := range losCounts {
			losDist[letter] = float64(count) / float64(totalActiveBins)
		}
	}

	var occupancyRate float64
	if len(acc.bins) > 0 {
		occupancyRate = float64(totalActiveBins) / float64(len(acc.bins))
	}

	worstSeverity := c6flags.SeverityNone
	flaggedCount := 0
	for _, f := range acc.flags {
		if f.Severity.Rank() > worstSeverity.Rank() {
			worstSeverity = f.Severity
		}
		if f.Severity != c6flags.SeverityNone {
			flaggedCount++
		}
	}
	worstBin := selectWorstBin(acc.bins, acc.flags)

	var activeDuration int64
	if acc.haveActive {
		activeDuration = acc.activeEnd - acc.activeStart
	}

	return Summary{
		SegmentID:       segID,
		ActiveWindows:   activeWindows,
		ActiveStart:     acc.activeStart,
		ActiveEnd:       acc.activeEnd,
		ActiveDurationS: activeDuration,
		PeakDensity:     peakDensity,
		P95Density:      p95Density,
		MeanDensity:     meanDensity,
		PeakRate:        peakRate,
		PeakConcurrency: peakConcurrency,
		OccupancyRate:   occupancyRate,
		TotArealSec:     totAreal,
		LOSDistribution: losDist,
		WorstSeverity:   worstSeverity,
		FlaggedBinCount: flaggedCount,
		WorstBin:        worstBin,
	}
}

// selectWorstBin implements the per-segment worst-bin selector: sort by
// (severity_rank desc, density desc, start_km asc) and take the first.
func selectWorstBin(bins []c4bins.Bin, flags []c6flags.Flag) *c4bins.Bin {
	if len(bins) == 0 {
		return nil
	}
	idx := make([]int, len(bins))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool {
		a, b := idx[i], idx[j]
		if flags[a].Severity.Rank() != flags[b].Severity.Rank() {
			return flags[a].Severity.Rank() > flags[b].Severity.Rank()
		}
		if bins[a].Density != bins[b].Density {
			return bins[a].Density > bins[b].Density
		}
		return bins[a].StartKm < bins[b].StartKm
	})
	worst := bins[idx[0]]
	return &worst
}

func details(acc *segmentAccum) []Detail {
	var out []Detail
	for i, f := range acc.flags {
		if f.Severity == c6flags.SeverityNone {
			continue
		}
		out = append(out, Detail{Bin: acc.bins[i], Flag: f})
	}
	return out
}
