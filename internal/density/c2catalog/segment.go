// Package c2catalog builds the immutable segment catalog: per-segment
// geometry, width, and per-event km ranges, loaded from a wide CSV table
// plus GPX-derived centerlines.
package c2catalog

import (
	"math"

	"github.com/racecourse/density-bins/internal/density/errs"
)

// LonLat is one centerline vertex in WGS-84.
type LonLat struct {
	Lon, Lat float64
}

// EventRange is a segment's (from_km, to_km) window for one event, in
// course-absolute kilometers.
type EventRange struct {
	FromKm, ToKm float64
}

// Segment is one named course segment, immutable for the life of a run.
type Segment struct {
	ID         string
	LengthM    float64
	WidthM     float64
	FlowType   string
	Centerline []LonLat
	Ranges     map[string]EventRange // event_id -> (from_km, to_km)
}

// minSegmentLengthM is the epsilon below which a segment is rejected
// outright (see edge cases).
const minSegmentLengthM = 1e-6

// EventsPresent returns the set of event ids present in this segment,
// derived from Ranges rather than any hard-coded list.
func (s Segment) EventsPresent() []string {
	ids := make([]string, 0, len(s.Ranges))
	for id := range s.Ranges {
		ids = append(ids, id)
	}
	return ids
}

// Catalog is the frozen collection of segments for a run.
type Catalog struct {
	Segments        map[string]Segment
	EventsInSegment map[string]map[string]bool
	// CourseOffsetKm is the km at which each segment's sliced centerline
	// begins on the full course; consumed only by downstream polygon
	// generation, never by C3-C9.
	CourseOffsetKm map[string]float64

	frozen bool
}

// validate enforces segment invariants: positive dimensions,
// and for every event present, from_km < to_km within the event's full
// course range.
func validate(seg Segment, courseRangeByEvent map[string]EventRange) error {
	if seg.LengthM <= minSegmentLengthM {
		return errs.New(errs.InvalidSegment, "segment %q has length_m <= 0", seg.ID)
	}
	if seg.WidthM <= 0 {
		return errs.New(errs.InvalidSegment, "segment %q has width_m <= 0", seg.ID)
	}
	for eventID, r := range seg.Ranges {
		if r.FromKm >= r.ToKm {
			return errs.New(errs.InvalidSegment, "segment %q event %q: from_km (%v) >= to_km (%v)", seg.ID, eventID, r.FromKm, r.ToKm)
		}
		if courseRangeByEvent == nil {
			continue
		}
		full, ok := courseRangeByEvent[eventID]
		if !ok {
			continue
		}
		if r.FromKm < full.FromKm || r.ToKm > full.ToKm {
			return errs.New(errs.InvalidSegment, "segment %q event %q range (%v,%v) falls outside course range (%v,%v)",
				seg.ID, eventID, r.FromKm, r.ToKm, full.FromKm, full.ToKm)
		}
	}
	return nil
}

// Build assembles a Catalog from loaded segment rows and, optionally, each
// event's full course range (for the from_km/to_km containment check).
// Build validates every segment before returning; the returned Catalog is
// not yet frozen.
func Build(segments []Segment, courseRangeByEvent map[string]EventRange) (*Catalog, error) {
	cat := &Catalog{
		Segments:        make(map[string]Segment, len(segments)),
		EventsInSegment: make(map[string]map[string]bool, len(segments)),
		CourseOffsetKm:  make(map[string]float64, len(segments)),
	}
	offset := 0.0
	for _, seg := range segments {
		if err := validate(seg, courseRangeByEvent); err != nil {
			return nil, err
		}
		if _, dup := cat.Segments[seg.ID]; dup {
			return nil, errs.New(errs.InvalidInput, "duplicate segment id %q", seg.ID)
		}
		cat.Segments[seg.ID] = seg
		present := make(map[string]bool, len(seg.Ranges))
		for eventID := range seg.Ranges {
			present[eventID] = true
		}
		cat.EventsInSegment[seg.ID] = present
		cat.CourseOffsetKm[seg.ID] = offset
		offset += seg.LengthM / 1000.0
	}
	return cat, nil
}

// Freeze marks the catalog immutable; it is always called before C3 runs.
// Freeze is idempotent.
func (c *Catalog) Freeze() *Catalog {
	c.frozen = true
	return c
}

// Frozen reports whether Freeze has been called.
func (c *Catalog) Frozen() bool { return c.frozen }

// Get returns the segment for id, or false if unknown.
func (c *Catalog) Get(id string) (Segment, bool) {
	s, ok := c.Segments[id]
	return s, ok
}

// SegmentIDs returns all segment ids, in map-iteration order; callers
// that need deterministic order must sort the result themselves
// (pipeline.Run and c3projection.Project do, for bin emission order).
func (c *Catalog) SegmentIDs() []string {
	ids := make([]string, 0, len(c.Segments))
	for id := range c.Segments {
		ids = append(ids, id)
	}
	return ids
}

// NBins returns the number of bins a segment divides into at the given
// bin length, ceil(length_m / bin_len_m).
func NBins(lengthM, binLenM float64) int {
	return int(math.Ceil(lengthM / binLenM))
}
