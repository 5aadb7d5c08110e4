package c2catalog

import (
	"strings"
	"testing"
)

const sampleSegmentsCSV = `segment_id,width_m,flow_type,length_m,marathon_from_km,marathon_to_km,marathon_present,half_from_km,half_to_km
s1,3.5,open,1000,0,1,1,0,1
s2,4.0,start_corral,500,1,1.5,1,,
`

func TestLoadSegmentsCSVParsesRangesAndPresence(t *testing.T) {
	segments, err := LoadSegmentsCSV(strings.NewReader(sampleSegmentsCSV), []string{"marathon", "half"})
	if err != nil {
		t.Fatalf("LoadSegmentsCSV: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segments))
	}
	s1 := segments[0]
	if s1.ID != "s1" || s1.WidthM != 3.5 || s1.FlowType != "open" {
		t.Errorf("unexpected segment s1: %+v", s1)
	}
	if rg, ok := s1.Ranges["marathon"]; !ok || rg.FromKm != 0 || rg.ToKm != 1 {
		t.Errorf("expected s1 marathon range [0,1], got %+v (ok=%v)", rg, ok)
	}
	if rg, ok := s1.Ranges["half"]; !ok || rg.FromKm != 0 || rg.ToKm != 1 {
		t.Errorf("expected s1 half range [0,1], got %+v (ok=%v)", rg, ok)
	}

	s2 := segments[1]
	if _, ok := s2.Ranges["half"]; ok {
		t.Error("expected s2 to have no half range (blank from/to_km)")
	}
	if rg, ok := s2.Ranges["marathon"]; !ok || rg.FromKm != 1 || rg.ToKm != 1.5 {
		t.Errorf("expected s2 marathon range [1,1.5], got %+v (ok=%v)", rg, ok)
	}
}

func TestLoadSegmentsCSVDerivesLengthFromWidestRangeWhenColumnMissing(t *testing.T) {
	csv := `segment_id,width_m,marathon_from_km,marathon_to_km
s1,3.0,0,1.25
`
	segments, err := LoadSegmentsCSV(strings.NewReader(csv), []string{"marathon"})
	if err != nil {
		t.Fatalf("LoadSegmentsCSV: %v", err)
	}
	if segments[0].LengthM != 1250 {
		t.Errorf("expected derived length_m 1250, got %v", segments[0].LengthM)
	}
}

func TestLoadSegmentsCSVRejectsMissingRequiredColumn(t *testing.T) {
	csv := "segment_id,flow_type\ns1,open\n"
	if _, err := LoadSegmentsCSV(strings.NewReader(csv), nil); err == nil {
		t.Error("expected an error when width_m column is missing")
	}
}

func TestLoadSegmentsCSVRejectsUnparsableWidth(t *testing.T) {
	csv := "segment_id,width_m\ns1,not-a-number\n"
	if _, err := LoadSegmentsCSV(strings.NewReader(csv), nil); err == nil {
		t.Error("expected an error for an unparsable width_m")
	}
}

func TestLoadSegmentsFileMissingPath(t *testing.T) {
	if _, err := LoadSegmentsFile("/nonexistent/segments.csv", nil); err == nil {
		t.Error("expected an error for a missing segments file")
	}
}

func TestSetCenterlineAttachesToMatchingSegment(t *testing.T) {
	segments := []Segment{{ID: "s1"}, {ID: "s2"}}
	line := []LonLat{{Lon: 1, Lat: 2}, {Lon: 3, Lat: 4}}
	SetCenterline(segments, "s2", line)
	if len(segments[0].Centerline) != 0 {
		t.Error("expected s1's centerline to be untouched")
	}
	if len(segments[1].Centerline) != 2 {
		t.Errorf("expected s2's centerline to have 2 points, got %d", len(segments[1].Centerline))
	}
}
