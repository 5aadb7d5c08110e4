// Package c5los is the Level-of-Service classifier. It is a thin,
// schema-aware wrapper around c1rulebook.Classify: the rulebook owns the
// bands, this package owns the rule that a bin's LOS class is a
// deterministic function of density and the rulebook bands active for
// its resolved schema.
package c5los

import "github.com/racecourse/density-bins/internal/density/c1rulebook"

// Classifier resolves a schema once per segment and classifies many bins
// against it without re-resolving the schema each time.
type Classifier struct {
	rb *c1rulebook.Rulebook
}

// New creates a Classifier bound to a rulebook.
func New(rb *c1rulebook.Rulebook) *Classifier {
	return &Classifier{rb: rb}
}

// ClassifyDensity maps a single density value to a LOS letter under the
// named schema. A bin with count = 0 (density = 0) always lands in the
// lowest band, since every rulebook's first band starts at 0.
func (c *Classifier) ClassifyDensity(density float64, schemaKey string) (c1rulebook.Letter, error) {
	bands, err := c.rb.GetBands(schemaKey)
	if err != nil {
		return "", err
	}
	return c1rulebook.Classify(density, bands), nil
}

// ClassifyMany classifies a slice of densities against one schema,
// resolving the bands once. Used by C4 to classify an entire bin row for
// a segment/window in one pass.
func (c *Classifier) ClassifyMany(densities []float64, schemaKey string) ([]c1rulebook.Letter, error) {
	bands, err := c.rb.GetBands(schemaKey)
	if err != nil {
		return nil, err
	}
	out := make([]c1rulebook.Letter, len(densities))
	for i, d := range densities {
		out[i] = c1rulebook.Classify(d, bands)
	}
	return out, nil
}
