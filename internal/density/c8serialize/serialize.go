// Package c8serialize turns a run's flagged bin table into the two
// artifacts that share one schema: a gzipped GeoJSON feature collection
// and a gzipped columnar table, plus the metadata block recorded
// alongside them.
package c8serialize

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/racecourse/density-bins/internal/density/c2catalog"
	"github.com/racecourse/density-bins/internal/density/c4bins"
	"github.com/racecourse/density-bins/internal/density/c6flags"
	"github.com/racecourse/density-bins/internal/density/errs"
)

// SchemaVersion is the stable, versioned schema shared by both artifacts.
const SchemaVersion = "1.0"

// maxGzipBytes is the hard ceiling on the gzipped feature collection.
const maxGzipBytes = 15 * 1024 * 1024

// Feature is one output row, shared verbatim between the GeoJSON
// properties and the columnar table.
type Feature struct {
	BinID          string   `json:"bin_id"`
	SegmentID      string   `json:"segment_id"`
	StartKm        float64  `json:"start_km"`
	EndKm          float64  `json:"end_km"`
	TStart         int64    `json:"t_start"`
	TEnd           int64    `json:"t_end"`
	WindowIdx      int      `json:"window_idx"`
	Density        float64  `json:"density"`
	Rate           float64  `json:"rate"`
	RatePerMinPerM float64  `json:"rate_per_m_per_min"`
	LOSClass       string   `json:"los_class"`
	BinSizeKm      float64  `json:"bin_size_km"`
	SchemaVersion  string   `json:"schema_version"`
	WidthM         float64  `json:"width_m"`
	SchemaKey      string   `json:"schema_key"`
	FlagSeverity   string   `json:"flag_severity"`
	FlagReason     string   `json:"flag_reason"`
	UtilPercent    float64  `json:"util_percent"`
	UtilPercentile float64  `json:"util_percentile"`
	Event          []string `json:"event"`
	Geometry       []byte   `json:"geometry,omitempty"`
}

// Metadata is the serializer metadata block.
type Metadata struct {
	SchemaVersion      string             `json:"schema_version"`
	AnalysisHash       string             `json:"analysis_hash"`
	OccupiedBins       int                `json:"occupied_bins"`
	NonzeroDensityBins int                `json:"nonzero_density_bins"`
	TotalFeatures      int                `json:"total_features"`
	StartTimes         map[string]float64 `json:"start_times"`
	EventDurations     map[string]int     `json:"event_durations"`
	SavedAt            string             `json:"saved_at"`
}

// BuildFeatures merges bin rows with their C6 flags and, where a
// centerline is available, a buffered polygon, into the shared Feature
// schema. rows and flags must be the same length and index-aligned
// (the output of c6flags.Engine.Run over the same rows slice).
func BuildFeatures(rows []c4bins.Bin, flags []c6flags.Flag, segments map[string]c2catalog.Segment) ([]Feature, error) {
	if len(rows) != len(flags) {
		return nil, errs.New(errs.InvalidInput, "rows/flags length mismatch: %d vs %d", len(rows), len(flags))
	}
	features := make([]Feature, len(rows))
	for i, r := range rows {
		f := flags[i]
		var geometry []byte
		if seg, ok := segments[r.SegmentID]; ok && len(seg.Centerline) >= 2 {
			geometry = BinGeometry(seg.Centerline, seg.LengthM, r.StartKm, r.EndKm, r.WidthM)
		}
		features[i] = Feature{
			BinID:          fmt.Sprintf("%s:%.3f-%.3f", r.SegmentID, r.StartKm, r.EndKm),
			SegmentID:      r.SegmentID,
			StartKm:        r.StartKm,
			EndKm:          r.EndKm,
			TStart:         r.TStart,
			TEnd:           r.TEnd,
			WindowIdx:      r.WindowIdx,
			Density:        r.Density,
			Rate:           r.RatePerM,
			RatePerMinPerM: r.RatePerMinPerM(),
			LOSClass:       r.LOSClass,
			BinSizeKm:      r.BinSizeKm,
			SchemaVersion:  SchemaVersion,
			WidthM:         r.WidthM,
			SchemaKey:      r.SchemaKey,
			FlagSeverity:   string(f.Severity),
			FlagReason:     string(f.Reason),
			UtilPercent:    f.UtilPercent,
			UtilPercentile: f.UtilPercentileRank,
			Event:          r.Events,
			Geometry:       geometry,
		}
	}
	return features, nil
}

// geoJSONFeatureCollection is the minimal GeoJSON shape needed to carry
// a polygon-or-null geometry plus arbitrary properties.
type geoJSONFeatureCollection struct {
	Type     string           `json:"type"`
	Features []geoJSONFeature `json:"features"`
}

type geoJSONFeature struct {
	Type       string          `json:"type"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties Feature         `json:"properties"`
}

// EncodeFeatureCollection gzips a GeoJSON FeatureCollection, one
// feature per bin. WKB geometry is carried as a hex string in the
// "wkb_hex" extension member since GeoJSON has no native WKB slot.
func EncodeFeatureCollection(features []Feature) ([]byte, error) {
	fc := geoJSONFeatureCollection{Type: "FeatureCollection", Features: make([]geoJSONFeature, len(features))}
	for i, f := range features {
		geom := json.RawMessage("null")
		if len(f.Geometry) > 0 {
			geom = json.RawMessage(fmt.Sprintf(`{"type":"Polygon","wkb_hex":%q}`, hex.EncodeToString(f.Geometry)))
		}
		fc.Features[i] = geoJSONFeature{Type: "Feature", Geometry: geom, Properties: f}
	}

	var raw bytes.Buffer
	if err := json.NewEncoder(&raw).Encode(fc); err != nil {
		return nil, errs.Wrap(errs.IoFailure, err, "encoding feature collection")
	}
	return gzipBytes(raw.Bytes())
}

// EncodeColumnarTable gzips a newline-delimited JSON table of the same
// rows, identical in content to the GeoJSON properties; no Parquet
// library is available in the dependency pack, so NDJSON is the
// columnar analytics artifact here (see DESIGN.md).
func EncodeColumnarTable(features []Feature) ([]byte, error) {
	var raw bytes.Buffer
	enc := json.NewEncoder(&raw)
	for _, f := range features {
		if err := enc.Encode(f); err != nil {
			return nil, errs.Wrap(errs.IoFailure, err, "encoding columnar row")
		}
	}
	return gzipBytes(raw.Bytes())
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return nil, errs.Wrap(errs.IoFailure, err, "gzip-compressing artifact")
	}
	if err := gw.Close(); err != nil {
		return nil, errs.Wrap(errs.IoFailure, err, "closing gzip writer")
	}
	return buf.Bytes(), nil
}

// CheckCeilings enforces hard ceilings: the gzipped feature
// collection must be at most 15 MB, and the row count must not exceed
// maxFeatures. A coarsening controller operating correctly should never
// let a run reach this check in a failing state.
func CheckCeilings(gzippedFeatureCollection []byte, rowCount, maxFeatures int) error {
	if len(gzippedFeatureCollection) > maxGzipBytes {
		return errs.New(errs.DatasetTooLarge, "gzipped feature collection is %d bytes, exceeds %d byte ceiling", len(gzippedFeatureCollection), maxGzipBytes)
	}
	if rowCount > maxFeatures {
		return errs.New(errs.DatasetTooLarge, "feature count %d exceeds max_features %d", rowCount, maxFeatures)
	}
	return nil
}

// AnalysisHash computes a stable hash over the inputs that determine a
// run's output deterministically, so two runs over identical inputs can
// be recognized as equivalent without re-diffing artifacts (modeled on
// original_source/'s app/utils/metadata.py).
func AnalysisHash(segmentIDs []string, runnerCount int, eventIDs []string, rulebookVersion string, binSizeKm, dtSeconds float64) string {
	segs := append([]string(nil), segmentIDs...)
	sort.Strings(segs)
	evs := append([]string(nil), eventIDs...)
	sort.Strings(evs)

	h := sha256.New()
	fmt.Fprintf(h, "%v|%d|%v|%s|%v|%v", segs, runnerCount, evs, rulebookVersion, binSizeKm, dtSeconds)
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMetadata assembles the metadata block recorded alongside both
// artifacts.
func BuildMetadata(features []Feature, analysisHash string, startTimes map[string]float64, eventDurations map[string]int, savedAt string) Metadata {
	// density > 0 iff count > 0 (bin invariant #2), so occupied_bins and
	// nonzero_density_bins coincide here; both are kept as distinct
	// metadata fields because the schema names them separately.
	occupied, nonzero := 0, 0
	for _, f := range features {
		if f.Density > 0 {
			occupied++
			nonzero++
		}
	}
	return Metadata{
		SchemaVersion:      SchemaVersion,
		AnalysisHash:       analysisHash,
		OccupiedBins:       occupied,
		NonzeroDensityBins: nonzero,
		TotalFeatures:      len(features),
		StartTimes:         startTimes,
		EventDurations:     eventDurations,
		SavedAt:            savedAt,
	}
}
