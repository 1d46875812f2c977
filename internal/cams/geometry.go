package cams

import (
	"fmt"
	"math"
)

type (
	// GeometryType tags the geometry union carried by a target record.
	GeometryType string

	// Coordinate is a single X/Y pair in the dataset's spatial reference.
	Coordinate struct {
		X float64
		Y float64
	}

	// Geometry is the tagged union of the geometry payloads the weed store
	// returns: a point, a polygon (ring list), or a polyline (path list).
	//
	// Exactly one payload field is populated according to Type. Records in the
	// store are overwhelmingly points; polygon and polyline infestation areas
	// occur but are rare.
	Geometry struct {
		// Type selects which payload field is populated.
		Type GeometryType

		// Point is set when Type == GeometryPoint. Nil means the store returned
		// a record without coordinates (the geometry is invalid).
		Point *Coordinate

		// Rings is set when Type == GeometryPolygon. Each ring is a closed
		// coordinate sequence.
		Rings [][]Coordinate

		// Paths is set when Type == GeometryPolyline.
		Paths [][]Coordinate
	}
)

const (
	// GeometryPoint is a single coordinate pair.
	GeometryPoint GeometryType = "point"

	// GeometryPolygon is a ring list.
	GeometryPolygon GeometryType = "polygon"

	// GeometryPolyline is a path list.
	GeometryPolyline GeometryType = "polyline"
)

// cacheKeyPrecision is the number of decimal places coordinates are rounded to
// when building assignment cache keys. Six decimal places is roughly 0.1m at
// New Zealand latitudes, well inside boundary polygon tolerance.
const cacheKeyPrecision = 6

// IsValid reports whether the geometry can be used for intersection lookups.
//
// Rules:
//   - point: both coordinates present and numeric (not NaN/Inf)
//   - polygon: at least one ring
//   - polyline: at least one path
//
// Anything else (unknown type, nil payload) is invalid.
func (g *Geometry) IsValid() bool {
	if g == nil {
		return false
	}

	switch g.Type {
	case GeometryPoint:
		return g.Point != nil && isFiniteCoordinate(*g.Point)
	case GeometryPolygon:
		return len(g.Rings) > 0
	case GeometryPolyline:
		return len(g.Paths) > 0
	default:
		return false
	}
}

// CacheKey returns the geometry-keyed assignment cache key, or ("", false)
// when the geometry is not cacheable.
//
// Only valid points are cacheable: coordinates are rounded to 6 decimal places
// so records captured at the same location share one boundary lookup. Polygons
// and polylines are processed individually.
func (g *Geometry) CacheKey() (string, bool) {
	if g == nil || g.Type != GeometryPoint || !g.IsValid() {
		return "", false
	}

	x := roundTo(g.Point.X, cacheKeyPrecision)
	y := roundTo(g.Point.Y, cacheKeyPrecision)

	return fmt.Sprintf("%.6f,%.6f", x, y), true
}

// isFiniteCoordinate reports whether both ordinates are real numbers.
func isFiniteCoordinate(c Coordinate) bool {
	return !math.IsNaN(c.X) && !math.IsInf(c.X, 0) &&
		!math.IsNaN(c.Y) && !math.IsInf(c.Y, 0)
}

// roundTo rounds v to the given number of decimal places.
func roundTo(v float64, places int) float64 {
	factor := math.Pow(10, float64(places))

	return math.Round(v*factor) / factor
}
