package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/cams"
)

// Sentinel errors for geometry encoding.
var (
	// ErrGeometryNil is returned when a nil geometry is encoded.
	ErrGeometryNil = errors.New("geometry cannot be nil")

	// ErrGeometryUnsupported is returned for geometry types PostGIS round
	// tripping does not cover.
	ErrGeometryUnsupported = errors.New("unsupported geometry type")
)

// geoJSON is the wire shape exchanged with ST_GeomFromGeoJSON / ST_AsGeoJSON.
// Coordinates are raw JSON because their nesting depth depends on the type.
type geoJSON struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// encodeGeometry renders a domain geometry as a GeoJSON document for
// ST_GeomFromGeoJSON.
func encodeGeometry(geometry *cams.Geometry) (string, error) {
	if geometry == nil {
		return "", ErrGeometryNil
	}

	var (
		geoType string
		coords  interface{}
	)

	switch geometry.Type {
	case cams.GeometryPoint:
		if geometry.Point == nil {
			return "", fmt.Errorf("%w: point geometry without coordinate", ErrGeometryNil)
		}

		geoType = "Point"
		coords = []float64{geometry.Point.X, geometry.Point.Y}
	case cams.GeometryPolygon:
		geoType = "Polygon"
		coords = ringsToPositions(geometry.Rings)
	case cams.GeometryPolyline:
		geoType = "MultiLineString"
		coords = ringsToPositions(geometry.Paths)
	default:
		return "", fmt.Errorf("%w: %q", ErrGeometryUnsupported, geometry.Type)
	}

	rawCoords, err := json.Marshal(coords)
	if err != nil {
		return "", fmt.Errorf("marshal coordinates: %w", err)
	}

	document, err := json.Marshal(geoJSON{Type: geoType, Coordinates: rawCoords})
	if err != nil {
		return "", fmt.Errorf("marshal geometry: %w", err)
	}

	return string(document), nil
}

// decodeGeometry parses an ST_AsGeoJSON document into a domain geometry.
func decodeGeometry(document string) (*cams.Geometry, error) {
	var parsed geoJSON
	if err := json.Unmarshal([]byte(document), &parsed); err != nil {
		return nil, fmt.Errorf("parse geometry document: %w", err)
	}

	switch parsed.Type {
	case "Point":
		var position []float64
		if err := json.Unmarshal(parsed.Coordinates, &position); err != nil {
			return nil, fmt.Errorf("parse point coordinates: %w", err)
		}

		if len(position) < 2 {
			return nil, fmt.Errorf("%w: point with %d ordinates", ErrGeometryUnsupported, len(position))
		}

		return &cams.Geometry{
			Type:  cams.GeometryPoint,
			Point: &cams.Coordinate{X: position[0], Y: position[1]},
		}, nil
	case "Polygon":
		rings, err := positionsToRings(parsed.Coordinates)
		if err != nil {
			return nil, err
		}

		return &cams.Geometry{Type: cams.GeometryPolygon, Rings: rings}, nil
	case "MultiLineString":
		paths, err := positionsToRings(parsed.Coordinates)
		if err != nil {
			return nil, err
		}

		return &cams.Geometry{Type: cams.GeometryPolyline, Paths: paths}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrGeometryUnsupported, parsed.Type)
	}
}

func ringsToPositions(rings [][]cams.Coordinate) [][][]float64 {
	positions := make([][][]float64, len(rings))

	for i, ring := range rings {
		positions[i] = make([][]float64, len(ring))
		for j, coordinate := range ring {
			positions[i][j] = []float64{coordinate.X, coordinate.Y}
		}
	}

	return positions
}

func positionsToRings(raw json.RawMessage) ([][]cams.Coordinate, error) {
	var positions [][][]float64
	if err := json.Unmarshal(raw, &positions); err != nil {
		return nil, fmt.Errorf("parse ring coordinates: %w", err)
	}

	rings := make([][]cams.Coordinate, len(positions))

	for i, ring := range positions {
		rings[i] = make([]cams.Coordinate, len(ring))

		for j, position := range ring {
			if len(position) < 2 {
				return nil, fmt.Errorf("%w: position with %d ordinates", ErrGeometryUnsupported, len(position))
			}

			rings[i][j] = cams.Coordinate{X: position[0], Y: position[1]}
		}
	}

	return rings, nil
}
