package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/racecourse/density-bins/internal/config"
	"github.com/racecourse/density-bins/internal/density/c1rulebook"
	"github.com/racecourse/density-bins/internal/density/c2catalog"
	"github.com/racecourse/density-bins/internal/density/runmodel"
	"github.com/racecourse/density-bins/internal/fsutil"
	"github.com/racecourse/density-bins/internal/timeutil"
)

const testRulebookYAML = `
meta:
  version: "2.0"
schemas:
  on_course_open:
    los_bands:
      - letter: A
        min: 0
      - letter: D
        min: 2
      - letter: F
        min: 6
    flow_warn: 40
    flow_critical: 60
    threshold_areal: 2.0
binding:
  default: on_course_open
`

func testInputs(epoch time.Time) Inputs {
	seg := c2catalog.Segment{
		ID:       "s1",
		LengthM:  1000,
		WidthM:   3,
		FlowType: "open",
		Ranges:   map[string]c2catalog.EventRange{"marathon": {FromKm: 0, ToKm: 1}},
	}
	events := []runmodel.Event{{ID: "marathon", StartTimeMin: 0, DurationMin: 60}}
	runners := []runmodel.Runner{
		{ID: "r1", EventID: "marathon", PaceMinPerKm: 5, StartOffsetS: 0},
		{ID: "r2", EventID: "marathon", PaceMinPerKm: 5.2, StartOffsetS: 10},
		{ID: "r3", EventID: "marathon", PaceMinPerKm: 4.8, StartOffsetS: 20},
	}
	rb, err := c1rulebook.Parse([]byte(testRulebookYAML))
	if err != nil {
		panic(err)
	}
	return Inputs{
		Segments: []c2catalog.Segment{seg},
		Runners:  runners,
		Events:   events,
		Rulebook: rb,
		Config:   config.EmptyReportingConfig(),
		Epoch:    epoch,
	}
}

func TestRunProducesCompleteArtifacts(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	epoch := time.Date(2026, 7, 31, 6, 0, 0, 0, time.UTC)
	in := testInputs(epoch)
	in.RunID = "run-test-1"
	in.Environment = "test"

	result, err := Run(in, fsys, "/runs/run-test-1", "/shared", timeutil.NewMockClock(epoch))
	require.NoError(t, err)
	require.NotEmpty(t, result.Rows, "expected at least one bin row")
	assert.Len(t, result.Features, len(result.Rows), "expected one feature per row")
	assert.Contains(t, []string{"complete", "partial"}, string(result.RunMetadata.Status))
	assert.True(t, fsys.Exists("/shared/latest.json"), "expected latest.json to be written for a successful run")
	assert.NotEmpty(t, result.FeatureCollectionGz)
	assert.NotEmpty(t, result.ColumnarTableGz)
	_, ok := result.Rollup.Summaries["s1"]
	assert.True(t, ok, "expected a rollup summary for segment s1")
}

func TestRunCommitsOnEmptyOccupancy(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	epoch := time.Date(2026, 7, 31, 6, 0, 0, 0, time.UTC)
	in := testInputs(epoch)
	in.RunID = "run-test-2"
	in.Runners = nil // no runners anywhere on course => every bin has count 0

	result, err := Run(in, fsys, "/runs/run-test-2", "/shared", timeutil.NewMockClock(epoch))
	require.NoError(t, err, "a run with zero occupied bins must still complete, not fail")
	require.NotEmpty(t, result.Rows, "bins are still emitted for every window even with no runners")
	assert.Equal(t, 0, result.SerializeMetadata.OccupiedBins)
	assert.Equal(t, 0, result.SerializeMetadata.NonzeroDensityBins)
	assert.Contains(t, []string{"complete", "partial"}, string(result.RunMetadata.Status))

	raw, rerr := fsys.ReadFile("/runs/run-test-2/metadata.json")
	require.NoError(t, rerr)
	assert.NotEmpty(t, raw, "expected metadata.json to be written for a committed run")
	assert.True(t, fsys.Exists("/shared/latest.json"), "expected latest.json to be written for a run that completes with empty occupancy")
}

func TestRunRejectsInvalidRulebookVersion(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	epoch := time.Date(2026, 7, 31, 6, 0, 0, 0, time.UTC)
	in := testInputs(epoch)
	in.Rulebook.Version = "1.0"

	_, err := Run(in, fsys, "/runs/run-bad", "/shared", timeutil.NewMockClock(epoch))
	assert.Error(t, err, "expected an error for an unsupported rulebook version")
}
