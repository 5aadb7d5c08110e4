// Package c6flags applies the LOS and utilization predicates to a run's
// bin table, combines them into a severity/reason pair,
// and drives the per-(segment, trigger) debounce/cooldown state machine
// that arms schema-defined trigger actions.
package c6flags

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/racecourse/density-bins/internal/density/c1rulebook"
	"github.com/racecourse/density-bins/internal/density/c4bins"
	"github.com/racecourse/density-bins/internal/density/errs"
)

// Severity ranks none < watch < caution < critical.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityWatch    Severity = "watch"
	SeverityCaution  Severity = "caution"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityNone: 0, SeverityWatch: 1, SeverityCaution: 2, SeverityCritical: 3,
}

// Rank returns this severity's ordinal rank for comparisons.
func (s Severity) Rank() int { return severityRank[s] }

// Reason is the flag_reason enum produced by combine.
type Reason string

const (
	ReasonNone            Reason = "NONE"
	ReasonLOSHigh         Reason = "LOS_HIGH"
	ReasonUtilizationHigh Reason = "UTILIZATION_HIGH"
	ReasonBoth            Reason = "BOTH"
)

// Flag is the C6 annotation attached to one bin.
type Flag struct {
	SegmentID string
	WindowIdx int
	BinIdx    int
	Severity  Severity
	Reason    Reason
	// UtilPercentileRank is this bin's own percentile rank (0-100) of
	// density within its window's course-wide cohort.
	UtilPercentileRank float64
	// UtilPercent is the configured percentile threshold (e.g. 95) the
	// run evaluated every cohort against, carried on each bin for
	// provenance rather than recomputed downstream.
	UtilPercent float64
	Actions     []c1rulebook.Action
}

// triggerState tracks one (segment_id, trigger_id)'s debounce/cooldown
// streaks across windows, processed in ascending window order.
type triggerState struct {
	hotStreak  int
	coldStreak int
	armed      bool
}

// Engine evaluates flags and triggers for a whole run. It is stateful:
// trigger debounce/cooldown counters persist across calls to Run within
// the engine's lifetime (a fresh Engine per run).
type Engine struct {
	rb                *c1rulebook.Rulebook
	minLOSFlag        c1rulebook.Letter
	utilPctile        float64
	requireMinBinLenM float64
	states            map[string]*triggerState // key: segmentID + "|" + triggerID
}

// NewEngine builds a flagging engine bound to a rulebook and the C6
// tunables (see internal/config.ReportingConfig).
func NewEngine(rb *c1rulebook.Rulebook, minLOSFlag string, utilPctile, requireMinBinLenM float64) *Engine {
	return &Engine{
		rb:                rb,
		minLOSFlag:        c1rulebook.Letter(minLOSFlag),
		utilPctile:        utilPctile,
		requireMinBinLenM: requireMinBinLenM,
		states:            make(map[string]*triggerState),
	}
}

// Run computes a Flag for every bin in rows. Bins must already be sorted
// by (segment_id, window_index, bin_index) as C4 guarantees. Cohorts are
// the course-wide set of bins sharing a window_index.
func (e *Engine) Run(rows []c4bins.Bin) ([]Flag, error) {
	cohorts := make(map[int][]float64)
	for _, r := range rows {
		cohorts[r.WindowIdx] = append(cohorts[r.WindowIdx], r.Density)
	}
	sortedCohorts := make(map[int][]float64, len(cohorts))
	thresholds := make(map[int]float64, len(cohorts))
	for w, densities := range cohorts {
		sorted := append([]float64(nil), densities...)
		sort.Float64s(sorted)
		sortedCohorts[w] = sorted
		thresholds[w] = stat.Quantile(e.utilPctile/100, stat.Empirical, sorted, nil)
	}

	flags := make([]Flag, len(rows))

	// Group row indices by (segment, window) in the order they already
	// appear, so trigger state advances once per window per segment
	// using the window's worst (max-density) bin as the representative
	// sample, instead of re-triggering once per bin.
	type segWindowKey struct {
		segID string
		win   int
	}
	groups := make(map[segWindowKey][]int)
	var groupOrder []segWindowKey
	for i, r := range rows {
		k := segWindowKey{r.SegmentID, r.WindowIdx}
		if _, ok := groups[k]; !ok {
			groupOrder = append(groupOrder, k)
		}
		groups[k] = append(groups[k], i)
	}

	for _, k := range groupOrder {
		idxs := groups[k]
		threshold := thresholds[k.win]
		sorted := sortedCohorts[k.win]

		worstIdx := idxs[0]
		for _, i := range idxs {
			if rows[i].Density > rows[worstIdx].Density {
				worstIdx = i
			}
		}

		for _, i := range idxs {
			r := rows[i]
			losMet := c1rulebook.Letter(r.LOSClass).AtLeast(e.minLOSFlag)
			utilMet := r.Density >= threshold

			severity, reason := combine(losMet, utilMet)
			lengthM := (r.EndKm - r.StartKm) * 1000
			if lengthM < e.requireMinBinLenM {
				severity, reason = SeverityNone, ReasonNone
			}

			flags[i] = Flag{
				SegmentID:          r.SegmentID,
				WindowIdx:          r.WindowIdx,
				BinIdx:             r.BinIdx,
				Severity:           severity,
				Reason:             reason,
				UtilPercentileRank: percentileRank(r.Density, sorted),
				UtilPercent:        e.utilPctile,
			}
		}

		// Advance trigger state once for the window using the worst bin
		// in the group, and attach fired actions to every flagged bin in
		// the group.
		worst := rows[worstIdx]
		if flags[worstIdx].Severity == SeverityNone {
			e.advanceCold(worst.SegmentID, worst.SchemaKey)
			continue
		}
		actions, err := e.evaluateArmedTriggers(worst.SchemaKey, worst.SegmentID, c1rulebook.Letter(worst.LOSClass), worst.RatePerMinPerM())
		if err != nil {
			return nil, err
		}
		if len(actions) == 0 {
			continue
		}
		for _, i := range idxs {
			if flags[i].Severity == SeverityNone {
				continue
			}
			flags[i].Actions = actions
		}
	}

	return flags, nil
}

func combine(losMet, utilMet bool) (Severity, Reason) {
	switch {
	case losMet && utilMet:
		return SeverityCritical, ReasonBoth
	case losMet:
		return SeverityCaution, ReasonLOSHigh
	case utilMet:
		return SeverityWatch, ReasonUtilizationHigh
	default:
		return SeverityNone, ReasonNone
	}
}

// percentileRank returns x's rank (0-100) within sorted (ascending),
// using the midpoint-of-ties convention: half credit for values equal
// to x.
func percentileRank(x float64, sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	lo := sort.SearchFloat64s(sorted, x)
	hi := sort.Search(n, func(i int) bool { return sorted[i] > x })
	return 100 * (float64(lo)+float64(hi)) / 2 / float64(n)
}

// evaluateArmedTriggers runs the schema's pure per-window predicate
// check, then advances each trigger's debounce/cooldown state and
// returns only the actions for triggers that are armed after this
// update.
func (e *Engine) evaluateArmedTriggers(schemaKey, segmentID string, densityClass c1rulebook.Letter, flowPerMinPerM float64) ([]c1rulebook.Action, error) {
	schema, ok := e.rb.Schemas[schemaKey]
	if !ok {
		return nil, errs.New(errs.BadRulebookBinding, "no such schema %q", schemaKey)
	}
	hotByTrigger, err := e.rb.EvaluateTriggers(schemaKey, densityClass, flowPerMinPerM)
	if err != nil {
		return nil, err
	}
	hotSet := make(map[string]bool, len(hotByTrigger))
	for _, a := range hotByTrigger {
		hotSet[a.TriggerID] = true
	}

	var armed []c1rulebook.Action
	for _, t := range schema.Triggers {
		key := segmentID + "|" + t.ID
		st, ok := e.states[key]
		if !ok {
			st = &triggerState{}
			e.states[key] = st
		}
		if hotSet[t.ID] {
			st.hotStreak++
			st.coldStreak = 0
			if st.hotStreak >= schema.DebounceBins {
				st.armed = true
			}
		} else {
			st.coldStreak++
			st.hotStreak = 0
			if st.coldStreak >= schema.CooldownBins {
				st.armed = false
			}
		}
		if st.armed {
			for _, a := range hotByTrigger {
				if a.TriggerID == t.ID {
					armed = append(armed, a)
				}
			}
		}
	}
	return armed, nil
}

// advanceCold advances every known trigger for a segment's cold streak
// when its window produced no flagged bins at all, keeping debounce
// streaks accurate across windows with nothing to evaluate.
func (e *Engine) advanceCold(segmentID, schemaKey string) {
	schema, ok := e.rb.Schemas[schemaKey]
	if !ok {
		return
	}
	for _, t := range schema.Triggers {
		key := segmentID + "|" + t.ID
		st, ok := e.states[key]
		if !ok {
			st = &triggerState{}
			e.states[key] = st
		}
		st.coldStreak++
		st.hotStreak = 0
		if st.coldStreak >= schema.CooldownBins {
			st.armed = false
		}
	}
}
