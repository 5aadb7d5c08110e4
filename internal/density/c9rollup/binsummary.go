package c9rollup

import (
	"sort"

	"github.com/racecourse/density-bins/internal/density/c6flags"
)

// BinSummaryEntry is one row of a segment's worst-bin roster: enough to
// drive a tooltip without re-joining the full bin/flag tables.
type BinSummaryEntry struct {
	BinIdx             int
	WindowIdx          int
	StartKm            float64
	EndKm              float64
	Severity           string
	Reason             string
	Density            float64
	UtilPercentileRank float64
}

// BinSummary is the bin_summary.json document: per-segment top-N flagged
// bins, most severe first.
type BinSummary map[string][]BinSummaryEntry

// BuildBinSummary ranks each segment's flagged bins by (severity desc,
// density desc) and keeps the top topN, matching the worst-bin roster the
// original pipeline exposes for tooltips. A topN of 0 or less keeps every
// flagged bin.
func BuildBinSummary(r *Rollup, topN int) BinSummary {
	out := make(BinSummary, len(r.Details))
	for segID, details := range r.Details {
		rows := make([]BinSummaryEntry, len(details))
		for i, d := range details {
			rows[i] = BinSummaryEntry{
				BinIdx:             d.Bin.BinIdx,
				WindowIdx:          d.Bin.WindowIdx,
				StartKm:            d.Bin.StartKm,
				EndKm:              d.Bin.EndKm,
				Severity:           string(d.Flag.Severity),
				Reason:             string(d.Flag.Reason),
				Density:            d.Bin.Density,
				UtilPercentileRank: d.Flag.UtilPercentileRank,
			}
		}
		sort.Slice(rows, func(i, j int) bool {
			ri, rj := c6flags.Severity(rows[i].Severity).Rank(), c6flags.Severity(rows[j].Severity).Rank()
			if ri != rj {
				return ri > rj
			}
			return rows[i].Density > rows[j].Density
		})
		if topN > 0 && len(rows) > topN {
			rows = rows[:topN]
		}
		out[segID] = rows
	}
	return out
}
