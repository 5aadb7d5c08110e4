package c1rulebook

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/racecourse/density-bins/internal/density/errs"
)

// rawBand is one YAML-level band entry. Max is a pointer so the final
// band in a schema can omit it, meaning "+Inf".
type rawBand struct {
	Letter string   `yaml:"letter"`
	Min    float64  `yaml:"min"`
	Max    *float64 `yaml:"max"`
}

// rawFlowGTE decodes a trigger's flow_gte, which is either a literal
// flow-rate float or one of the symbolic strings "warn"/"critical"
// referring back to the owning schema's flow_warn/flow_critical.
type rawFlowGTE struct {
	value  float64
	symbol string // "warn" or "critical"; empty when value is literal
}

// UnmarshalYAML accepts either form flow_gte can take in the document.
func (f *rawFlowGTE) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!str" {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		if s != "warn" && s != "critical" {
			return fmt.Errorf("flow_gte string value must be \"warn\" or \"critical\", got %q", s)
		}
		f.symbol = s
		return nil
	}
	return node.Decode(&f.value)
}

// resolve returns the flow-rate threshold flow_gte names, taking the
// literal value or looking up the schema's warn/critical reference.
func (f *rawFlowGTE) resolve(flow FlowRef) float64 {
	switch f.symbol {
	case "warn":
		return flow.Warn
	case "critical":
		return flow.Critical
	default:
		return f.value
	}
}

type rawTriggerWhen struct {
	DensityGTE string      `yaml:"density_gte"`
	FlowGTE    *rawFlowGTE `yaml:"flow_gte"`
}

type rawTrigger struct {
	ID      string         `yaml:"id"`
	When    rawTriggerWhen `yaml:"when"`
	Actions []string       `yaml:"actions"`
}

type rawSchema struct {
	Bands          []rawBand    `yaml:"los_bands"`
	FlowWarn       float64      `yaml:"flow_warn"`
	FlowCritical   float64      `yaml:"flow_critical"`
	DebounceBins   int          `yaml:"debounce_bins"`
	CooldownBins   int          `yaml:"cooldown_bins"`
	ThresholdAreal float64      `yaml:"threshold_areal"`
	Triggers       []rawTrigger `yaml:"triggers"`
}

// document mirrors the on-disk YAML shape: meta.version, schemas (each
// carrying its own triggers), and binding. Top-level triggers and global
// LOS thresholds are not read; every schema supplies its own los_bands.
type document struct {
	Meta struct {
		Version string `yaml:"version"`
	} `yaml:"meta"`
	Schemas map[string]rawSchema `yaml:"schemas"`
	Binding struct {
		BySegment map[string]string `yaml:"by_segment"`
		ByFlow    map[string]string `yaml:"by_flow_type"`
		Default   string            `yaml:"default"`
	} `yaml:"binding"`
}

// Load parses a rulebook YAML document from disk and returns a validated,
// ready-to-use Rulebook. The document's meta.version must start with "2".
func Load(path string) (*Rulebook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.IoFailure, err, "reading rulebook %q", path)
	}
	return Parse(data)
}

// Parse parses rulebook YAML bytes directly (used by tests and by Load).
func Parse(data []byte) (*Rulebook, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errs.Wrap(errs.BadRulebookBinding, err, "parsing rulebook YAML")
	}

	rb := &Rulebook{
		Version:       doc.Meta.Version,
		Schemas:       make(map[string]Schema, len(doc.Schemas)),
		bindBySegment: doc.Binding.BySegment,
		bindByFlow:    doc.Binding.ByFlow,
		bindDefault:   doc.Binding.Default,
	}

	for key, raw := range doc.Schemas {
		bands := bandsFromRaw(raw.Bands)
		s := Schema{
			Key:            key,
			Bands:          bands,
			Flow:           FlowRef{Warn: raw.FlowWarn, Critical: raw.FlowCritical},
			DebounceBins:   raw.DebounceBins,
			CooldownBins:   raw.CooldownBins,
			ThresholdAreal: raw.ThresholdAreal,
		}
		if s.DebounceBins == 0 {
			s.DebounceBins = 1
		}
		if s.CooldownBins == 0 {
			s.CooldownBins = 1
		}
		for _, t := range raw.Triggers {
			when := TriggerWhen{DensityGTE: Letter(t.When.DensityGTE)}
			if t.When.FlowGTE != nil {
				when.FlowGTE = t.When.FlowGTE.resolve(s.Flow)
				when.HasFlow = true
			}
			s.Triggers = append(s.Triggers, Trigger{ID: t.ID, When: when, Actions: t.Actions})
		}
		rb.Schemas[key] = s
	}

	if err := rb.Validate(); err != nil {
		return nil, err
	}
	return rb, nil
}

// bandsFromRaw converts YAML band entries into contiguous Band values,
// filling in each band's Max from the next band's Min (or +Inf for the
// last band) when the YAML omits it.
func bandsFromRaw(raw []rawBand) []Band {
	bands := make([]Band, 0, len(raw))
	for i, b := range raw {
		max := math.Inf(1)
		switch {
		case b.Max != nil:
			max = *b.Max
		case i+1 < len(raw):
			max = raw[i+1].Min
		}
		bands = append(bands, Band{Letter: Letter(b.Letter), Min: b.Min, Max: max})
	}
	return bands
}
