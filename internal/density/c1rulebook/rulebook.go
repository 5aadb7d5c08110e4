// Package c1rulebook holds the LOS thresholds, schema bindings, and
// trigger definitions that drive classification and flagging. It is pure
// data plus lookup: nothing here accumulates state across bins.
package c1rulebook

import (
	"fmt"
	"strings"

	"github.com/racecourse/density-bins/internal/density/errs"
)

// Letter is a Level-of-Service grade.
type Letter string

const (
	LOS_A Letter = "A"
	LOS_B Letter = "B"
	LOS_C Letter = "C"
	LOS_D Letter = "D"
	LOS_E Letter = "E"
	LOS_F Letter = "F"
)

// losOrder ranks letters for comparisons (A < B < ... < F).
var losOrder = map[Letter]int{
	LOS_A: 0, LOS_B: 1, LOS_C: 2, LOS_D: 3, LOS_E: 4, LOS_F: 5,
}

// Rank returns the ordinal rank of a LOS letter (A=0 .. F=5).
func (l Letter) Rank() int { return losOrder[l] }

// AtLeast reports whether l is at least as severe as other under letter
// ordering A < B < ... < F.
func (l Letter) AtLeast(other Letter) bool { return l.Rank() >= other.Rank() }

// Band is a contiguous density interval mapped to a LOS letter. Bands are
// half-open [Min, Max): a density exactly at Max belongs to the next band.
type Band struct {
	Letter Letter
	Min    float64
	Max    float64 // +Inf for the last band
}

// FlowRef holds the warn/critical flow-rate reference for a schema, in
// persons/min/m. Either field may be zero if the schema has no flow
// triggers.
type FlowRef struct {
	Warn     float64
	Critical float64
}

// TriggerWhen is the condition under which a trigger fires.
type TriggerWhen struct {
	DensityGTE Letter  // zero value means "not set"
	FlowGTE    float64 // compared against rate_p_min_per_m; only used when HasFlow is set
	HasFlow    bool
}

// Trigger is one schema-scoped rule: when its condition holds for
// debounce_bins consecutive windows, its actions fire until cooldown_bins
// consecutive windows return to cold.
type Trigger struct {
	ID      string
	When    TriggerWhen
	Actions []string
}

// Schema is one named LOS/flow regime (e.g. "on_course_open",
// "start_corral").
type Schema struct {
	Key            string
	Bands          []Band
	Flow           FlowRef
	Triggers       []Trigger
	DebounceBins   int
	CooldownBins   int
	ThresholdAreal float64 // density cutoff for segment TOT accounting
}

// Rulebook is the frozen, loaded rulebook document: schemas plus the
// bindings that map a segment to one of them.
type Rulebook struct {
	Version string
	Schemas map[string]Schema

	// bindBySegment takes priority over bindByFlow; bindDefault is
	// used when neither matches and is non-empty.
	bindBySegment map[string]string
	bindByFlow    map[string]string
	bindDefault   string
}

// ErrUnknownSchema is the sentinel comparable via errors.Is for an
// unresolvable schema binding.
var ErrUnknownSchema = errs.New(errs.BadRulebookBinding, "unknown schema")

// Validate checks internal consistency: version prefix, contiguous bands,
// and debounce/cooldown bounds. Called once after loading, before the
// rulebook is used by any other component.
func (r *Rulebook) Validate() error {
	if !strings.HasPrefix(r.Version, "2") {
		return errs.New(errs.BadRulebookBinding, "rulebook version %q does not start with \"2\"", r.Version)
	}
	for key, s := range r.Schemas {
		if err := validateBands(s.Bands); err != nil {
			return errs.Wrap(errs.BadRulebookBinding, err, "schema %q has invalid bands", key)
		}
		if s.DebounceBins < 1 || s.CooldownBins < 1 {
			return errs.New(errs.BadRulebookBinding, "schema %q: debounce_bins and cooldown_bins must be >= 1", key)
		}
	}
	return nil
}

func validateBands(bands []Band) error {
	if len(bands) == 0 {
		return fmt.Errorf("no bands defined")
	}
	if bands[0].Min != 0 {
		return fmt.Errorf("first band must start at 0, got %v", bands[0].Min)
	}
	for i := 1; i < len(bands); i++ {
		if bands[i].Min != bands[i-1].Max {
			return fmt.Errorf("bands not contiguous at index %d: %v != %v", i, bands[i].Min, bands[i-1].Max)
		}
	}
	return nil
}

// GetBands returns the ordered LOS bands for a schema key.
func (r *Rulebook) GetBands(schemaKey string) ([]Band, error) {
	s, ok := r.Schemas[schemaKey]
	if !ok {
		return nil, errs.New(errs.BadRulebookBinding, "no such schema %q", schemaKey)
	}
	return s.Bands, nil
}

// Classify maps a density to a LOS letter using the first band whose
// [Min, Max) contains it. Below the first band's Min returns the lowest
// letter; at or above the last band's Max returns the highest letter.
// Ties on an exact Min go to the higher band, since bands are half-open
// on the lower bound.
func Classify(density float64, bands []Band) Letter {
	if len(bands) == 0 {
		return LOS_A
	}
	if density < bands[0].Min {
		return bands[0].Letter
	}
	for _, b := range bands {
		if density >= b.Min && density < b.Max {
			return b.Letter
		}
	}
	return bands[len(bands)-1].Letter
}

// ResolveSchema maps a segment id (and its optional flow type) to a
// schema key, preferring an explicit segment binding, then a flow-type
// binding, then the rulebook's catch-all default. Fails with
// BadRulebookBinding if nothing matches.
func (r *Rulebook) ResolveSchema(segmentID, flowType string) (string, error) {
	if key, ok := r.bindBySegment[segmentID]; ok {
		return key, nil
	}
	if flowType != "" {
		if key, ok := r.bindByFlow[flowType]; ok {
			return key, nil
		}
	}
	if r.bindDefault != "" {
		return r.bindDefault, nil
	}
	return "", errs.New(errs.BadRulebookBinding, "cannot resolve schema for segment %q (flow_type %q)", segmentID, flowType)
}

// Action describes one fired trigger action, attached to a flagged bin.
type Action struct {
	TriggerID string
	Name      string
}

// EvaluateTriggers returns the actions whose condition holds for the
// given metrics under schemaKey. Debounce/cooldown gating (which
// requires state across windows) is applied by the caller via
// TriggerState, not here — this function is a pure per-window predicate
// check.
func (r *Rulebook) EvaluateTriggers(schemaKey string, densityClass Letter, flowPerMinPerM float64) ([]Action, error) {
	s, ok := r.Schemas[schemaKey]
	if !ok {
		return nil, errs.New(errs.BadRulebookBinding, "no such schema %q", schemaKey)
	}
	var fired []Action
	for _, t := range s.Triggers {
		hot := false
		if t.When.DensityGTE != "" && densityClass.AtLeast(t.When.DensityGTE) {
			hot = true
		}
		if t.When.HasFlow && flowPerMinPerM >= t.When.FlowGTE {
			hot = true
		}
		if hot {
			for _, action := range t.Actions {
				fired = append(fired, Action{TriggerID: t.ID, Name: action})
			}
		}
	}
	return fired, nil
}
