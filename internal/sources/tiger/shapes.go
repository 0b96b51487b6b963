package tiger

import (
	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

// toMultiPolygon converts a shapefile polygon record into a MultiPolygon.
// Shapefile outer rings are clockwise and holes counter-clockwise; a hole
// belongs to the outer ring before it. The second result reports rings that
// could not be classified (zero area, too few points, or a hole with no
// outer ring), which the store repairs with a union.
func toMultiPolygon(s shp.Shape) (orb.MultiPolygon, bool) {
	var parts []int32
	var points []shp.Point
	switch p := s.(type) {
	case *shp.Polygon:
		parts, points = p.Parts, p.Points
	case *shp.PolygonZ:
		parts, points = p.Parts, p.Points
	default:
		return nil, false
	}

	var mp orb.MultiPolygon
	degenerate := false
	for i := range parts {
		start := int(parts[i])
		end := len(points)
		if i+1 < len(parts) {
			end = int(parts[i+1])
		}
		if start < 0 || end > len(points) || start >= end {
			degenerate = true
			continue
		}

		ring := make(orb.Ring, 0, end-start+1)
		for _, pt := range points[start:end] {
			ring = append(ring, orb.Point{pt.X, pt.Y})
		}
		if !ring.Closed() {
			ring = append(ring, ring[0])
		}
		if len(ring) < 4 {
			degenerate = true
			continue
		}

		switch ring.Orientation() {
		case orb.CW:
			mp = append(mp, orb.Polygon{ring})
		case orb.CCW:
			if len(mp) == 0 {
				degenerate = true
				mp = append(mp, orb.Polygon{ring})
				continue
			}
			mp[len(mp)-1] = append(mp[len(mp)-1], ring)
		default:
			degenerate = true
		}
	}
	if len(mp) == 0 {
		return nil, degenerate
	}
	return mp, degenerate
}

// encodeWKB marshals mp; nil input encodes as nil (NULL geometry).
func encodeWKB(mp orb.MultiPolygon) ([]byte, error) {
	if mp == nil {
		return nil, nil
	}
	return wkb.Marshal(mp)
}
