package c8serialize

import (
	"encoding/binary"
	"math"

	"github.com/racecourse/density-bins/internal/density/c2catalog"
)

// metersPerDegLat is the standard equirectangular-projection constant;
// metersPerDegLon scales with the cosine of the reference latitude.
const metersPerDegLat = 111320.0

// localProjection converts lon/lat to local planar meters around a
// reference point, accurate enough for a single course segment's
// buffered polygon (a few hundred meters wide at most).
type localProjection struct {
	refLon, refLat  float64
	metersPerDegLon float64
}

func newLocalProjection(ref c2catalog.LonLat) localProjection {
	return localProjection{
		refLon:          ref.Lon,
		refLat:          ref.Lat,
		metersPerDegLon: metersPerDegLat * math.Cos(ref.Lat*math.Pi/180),
	}
}

func (p localProjection) toXY(ll c2catalog.LonLat) (x, y float64) {
	x = (ll.Lon - p.refLon) * p.metersPerDegLon
	y = (ll.Lat - p.refLat) * metersPerDegLat
	return
}

func (p localProjection) toLonLat(x, y float64) c2catalog.LonLat {
	return c2catalog.LonLat{
		Lon: p.refLon + x/p.metersPerDegLon,
		Lat: p.refLat + y/metersPerDegLat,
	}
}

// sliceCenterline returns the portion of a segment-local centerline
// (ordered start-to-end over the segment's full length_m) between
// fromM and toM, linearly interpolating at the cut points. Returns nil
// if the centerline is empty or too short to resolve a direction.
func sliceCenterline(line []c2catalog.LonLat, lengthM, fromM, toM float64) []c2catalog.LonLat {
	if len(line) < 2 || lengthM <= 0 {
		return nil
	}
	at := func(m float64) c2catalog.LonLat {
		t := m / lengthM
		if t <= 0 {
			return line[0]
		}
		if t >= 1 {
			return line[len(line)-1]
		}
		idx := t * float64(len(line)-1)
		lo := int(math.Floor(idx))
		hi := lo + 1
		if hi >= len(line) {
			return line[len(line)-1]
		}
		frac := idx - float64(lo)
		return c2catalog.LonLat{
			Lon: line[lo].Lon + frac*(line[hi].Lon-line[lo].Lon),
			Lat: line[lo].Lat + frac*(line[hi].Lat-line[lo].Lat),
		}
	}
	return []c2catalog.LonLat{at(fromM), at(toM)}
}

// bufferPolygonRing builds a simple rectangular buffer around a
// two-point centerline slice, offset by halfWidthM on each side. This
// is a planar approximation suited to a single narrow bin slice, not a
// general polyline-offset algorithm (no 2-D buffering library is
// available; see DESIGN.md).
func bufferPolygonRing(slice []c2catalog.LonLat, halfWidthM float64) []c2catalog.LonLat {
	if len(slice) != 2 || halfWidthM <= 0 {
		return nil
	}
	proj := newLocalProjection(slice[0])
	x0, y0 := proj.toXY(slice[0])
	x1, y1 := proj.toXY(slice[1])

	dx, dy := x1-x0, y1-y0
	length := math.Hypot(dx, dy)
	if length == 0 {
		return nil
	}
	// Unit perpendicular to the centerline direction.
	nx, ny := -dy/length, dx/length

	ring := []struct{ x, y float64 }{
		{x0 + nx*halfWidthM, y0 + ny*halfWidthM},
		{x1 + nx*halfWidthM, y1 + ny*halfWidthM},
		{x1 - nx*halfWidthM, y1 - ny*halfWidthM},
		{x0 - nx*halfWidthM, y0 - ny*halfWidthM},
		{x0 + nx*halfWidthM, y0 + ny*halfWidthM}, // close the ring
	}
	out := make([]c2catalog.LonLat, len(ring))
	for i, p := range ring {
		out[i] = proj.toLonLat(p.x, p.y)
	}
	return out
}

// polygonWKB encodes a single-ring polygon as little-endian well-known
// binary. Returns nil (empty geometry is allowed) if ring is too short
// to be a polygon.
func polygonWKB(ring []c2catalog.LonLat) []byte {
	if len(ring) < 4 {
		return nil
	}
	const wkbPolygon = 3
	buf := make([]byte, 0, 9+4+len(ring)*16)
	buf = append(buf, 1) // byte order: little-endian
	buf = binary.LittleEndian.AppendUint32(buf, wkbPolygon)
	buf = binary.LittleEndian.AppendUint32(buf, 1) // one ring
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ring)))
	for _, p := range ring {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(p.Lon))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(p.Lat))
	}
	return buf
}

// BinGeometry builds the WKB polygon for one bin: the segment
// centerline sliced to [start_km, end_km] (converted to meters),
// buffered by width_m/2. Returns nil if the segment carries no
// centerline (geometry is optional).
func BinGeometry(centerline []c2catalog.LonLat, segmentLengthM, startKm, endKm, widthM float64) []byte {
	slice := sliceCenterline(centerline, segmentLengthM, startKm*1000, endKm*1000)
	ring := bufferPolygonRing(slice, widthM/2)
	return polygonWKB(ring)
}
