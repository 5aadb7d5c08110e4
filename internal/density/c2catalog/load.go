package c2catalog

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/racecourse/density-bins/internal/density/errs"
)

// LoadSegmentsCSV reads the wide per-segment table: segment_id,
// seg_label, width_m, direction, flow_type, and per-event presence flags
// with from_km/to_km pairs, one column pair per event id in eventIDs.
// Centerlines are not part of this table; attach them with SetCenterline
// after loading (GPX processing is an external collaborator).
func LoadSegmentsCSV(r io.Reader, eventIDs []string) ([]Segment, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "reading segment table header")
	}
	idx, err := columnIndex(header, "segment_id", "width_m")
	if err != nil {
		return nil, err
	}
	flowTypeIdx := -1
	if i, ok := find(header, "flow_type"); ok {
		flowTypeIdx = i
	}

	var segments []Segment
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.Wrap(errs.InvalidInput, err, "reading segment table row")
		}
		seg := Segment{
			ID:     row[idx["segment_id"]],
			Ranges: make(map[string]EventRange),
		}
		widthM, err := strconv.ParseFloat(strings.TrimSpace(row[idx["width_m"]]), 64)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidInput, err, "segment %q: parsing width_m", seg.ID)
		}
		seg.WidthM = widthM
		if flowTypeIdx >= 0 {
			seg.FlowType = row[flowTypeIdx]
		}

		lengthIdx, hasLength := find(header, "length_m")
		if hasLength {
			lengthM, err := strconv.ParseFloat(strings.TrimSpace(row[lengthIdx]), 64)
			if err != nil {
				return nil, errs.Wrap(errs.InvalidInput, err, "segment %q: parsing length_m", seg.ID)
			}
			seg.LengthM = lengthM
		}

		for _, eventID := range eventIDs {
			fromIdx, hasFrom := find(header, eventID+"_from_km")
			toIdx, hasTo := find(header, eventID+"_to_km")
			presentIdx, hasPresent := find(header, eventID+"_present")
			if !hasFrom || !hasTo {
				continue
			}
			if hasPresent && strings.TrimSpace(row[presentIdx]) != "1" && !strings.EqualFold(strings.TrimSpace(row[presentIdx]), "true") {
				continue
			}
			fromStr := strings.TrimSpace(row[fromIdx])
			toStr := strings.TrimSpace(row[toIdx])
			if fromStr == "" || toStr == "" {
				continue
			}
			fromKm, err := strconv.ParseFloat(fromStr, 64)
			if err != nil {
				return nil, errs.Wrap(errs.InvalidInput, err, "segment %q event %q: parsing from_km", seg.ID, eventID)
			}
			toKm, err := strconv.ParseFloat(toStr, 64)
			if err != nil {
				return nil, errs.Wrap(errs.InvalidInput, err, "segment %q event %q: parsing to_km", seg.ID, eventID)
			}
			seg.Ranges[eventID] = EventRange{FromKm: fromKm, ToKm: toKm}
		}
		if seg.LengthM == 0 {
			// length_m wasn't a column; derive it from the widest event range.
			for _, rg := range seg.Ranges {
				span := (rg.ToKm - rg.FromKm) * 1000.0
				if span > seg.LengthM {
					seg.LengthM = span
				}
			}
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// SetCenterline attaches a GPX-derived centerline (ordered lon/lat pairs)
// to the named segment. Called after LoadSegmentsCSV, before Build.
func SetCenterline(segments []Segment, segmentID string, line []LonLat) {
	for i := range segments {
		if segments[i].ID == segmentID {
			segments[i].Centerline = line
			return
		}
	}
}

func columnIndex(header []string, required ...string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	for _, r := range required {
		if _, ok := idx[r]; !ok {
			return nil, errs.New(errs.InvalidInput, "segment table missing required column %q", r)
		}
	}
	return idx, nil
}

func find(header []string, name string) (int, bool) {
	for i, h := range header {
		if strings.TrimSpace(h) == name {
			return i, true
		}
	}
	return -1, false
}

// LoadSegmentsFile is a convenience wrapper around LoadSegmentsCSV for a
// path on disk.
func LoadSegmentsFile(path string, eventIDs []string) ([]Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.IoFailure, err, "opening segment table %q", path)
	}
	defer f.Close()
	return LoadSegmentsCSV(f, eventIDs)
}
