// Package c7coarsen holds the coarsening controller: a bounded
// strategy-step loop that widens the time window, then the bin width,
// when a run is too slow or too large. Segments in the hotspot set are
// exempted from both widenings.
package c7coarsen

import (
	"github.com/racecourse/density-bins/internal/monitoring"
	"github.com/racecourse/density-bins/internal/timeutil"
)

// Status is the coarsening outcome recorded on the run.
type Status string

const (
	StatusComplete Status = "complete"
	StatusPartial  Status = "partial"
)

// SegmentParams is the (possibly coarsened) spatial/temporal
// resolution in force for one segment.
type SegmentParams struct {
	DtSeconds float64
	BinSizeKm float64
}

// Budget is the controller's time/feature budget, sourced from
// internal/config.ReportingConfig.
type Budget struct {
	TargetSeconds    float64
	MaxSeconds       float64
	MaxFeatures      int
	InitialDtSeconds float64
	InitialBinSizeKm float64
	MinBinSizeKm     float64
	MaxDtSeconds     float64
	Hotspots         map[string]bool
}

// Controller drives the strategy-step coarsening loop.
type Controller struct {
	budget Budget
	clock  timeutil.Clock
}

// New builds a Controller over the given budget. clock defaults to
// timeutil.RealClock{} when nil.
func New(budget Budget, clock timeutil.Clock) *Controller {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Controller{budget: budget, clock: clock}
}

// initialParams returns every segment's starting resolution: the
// hotspot set keeps InitialDtSeconds/InitialBinSizeKm unconditionally
// through every later widening step.
func (c *Controller) initialParams(segmentIDs []string) map[string]SegmentParams {
	out := make(map[string]SegmentParams, len(segmentIDs))
	for _, id := range segmentIDs {
		out[id] = SegmentParams{DtSeconds: c.budget.InitialDtSeconds, BinSizeKm: c.budget.InitialBinSizeKm}
	}
	return out
}

// ComputeFunc runs C3+C4 (and whatever else depends on resolution)
// under the given per-segment params and returns the resulting total
// feature (bin row) count.
type ComputeFunc func(params map[string]SegmentParams) (featureCount int, err error)

// Run drives the bounded strategy-step loop: it calls compute with the
// current resolution, and if the elapsed wall time exceeds
// Budget.TargetSeconds or the feature count exceeds Budget.MaxFeatures,
// widens resolution and recomputes, up to two widening steps. Segments
// named in Budget.Hotspots are held at their initial resolution through
// every step.
func (c *Controller) Run(segmentIDs []string, compute ComputeFunc) (Status, map[string]SegmentParams, error) {
	start := c.clock.Now()
	params := c.initialParams(segmentIDs)

	strategyStep := 0
	for {
		featureCount, err := compute(params)
		if err != nil {
			return "", nil, err
		}
		elapsed := c.clock.Since(start).Seconds()

		overBudget := elapsed > c.budget.TargetSeconds || featureCount > c.budget.MaxFeatures
		if !overBudget {
			return StatusComplete, params, nil
		}
		if elapsed > c.budget.MaxSeconds {
			monitoring.Warnf("c7coarsen: hard ceiling exceeded at step %d (elapsed=%.1fs, features=%d); marking partial",
				strategyStep, elapsed, featureCount)
			return StatusPartial, params, nil
		}

		switch strategyStep {
		case 0:
			params = widenDt(params, c.budget, segmentIDs)
			strategyStep = 1
		case 1:
			params = widenBinSize(params, c.budget, segmentIDs)
			strategyStep = 2
		default:
			monitoring.Warnf("c7coarsen: exhausted both widening strategies (elapsed=%.1fs, features=%d); marking partial",
				elapsed, featureCount)
			return StatusPartial, params, nil
		}
	}
}

func widenDt(prev map[string]SegmentParams, budget Budget, segmentIDs []string) map[string]SegmentParams {
	out := make(map[string]SegmentParams, len(segmentIDs))
	for _, id := range segmentIDs {
		p := prev[id]
		if budget.Hotspots[id] {
			out[id] = p
			continue
		}
		newDt := p.DtSeconds * 2
		if newDt > budget.MaxDtSeconds {
			newDt = budget.MaxDtSeconds
		}
		out[id] = SegmentParams{DtSeconds: newDt, BinSizeKm: p.BinSizeKm}
	}
	return out
}

func widenBinSize(prev map[string]SegmentParams, budget Budget, segmentIDs []string) map[string]SegmentParams {
	out := make(map[string]SegmentParams, len(segmentIDs))
	for _, id := range segmentIDs {
		p := prev[id]
		if budget.Hotspots[id] {
			out[id] = p
			continue
		}
		binSizeKm := p.BinSizeKm
		if budget.MinBinSizeKm > binSizeKm {
			binSizeKm = budget.MinBinSizeKm
		}
		out[id] = SegmentParams{DtSeconds: p.DtSeconds, BinSizeKm: binSizeKm}
	}
	return out
}
