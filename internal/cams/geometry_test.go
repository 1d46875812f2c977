package cams

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeometry_IsValid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("valid point", func(t *testing.T) {
		g := &Geometry{Type: GeometryPoint, Point: &Coordinate{X: 174.7633, Y: -36.8485}}
		assert.True(t, g.IsValid())
	})

	t.Run("point without coordinates", func(t *testing.T) {
		g := &Geometry{Type: GeometryPoint}
		assert.False(t, g.IsValid())
	})

	t.Run("point with NaN ordinate", func(t *testing.T) {
		g := &Geometry{Type: GeometryPoint, Point: &Coordinate{X: math.NaN(), Y: -36.8485}}
		assert.False(t, g.IsValid())
	})

	t.Run("point with infinite ordinate", func(t *testing.T) {
		g := &Geometry{Type: GeometryPoint, Point: &Coordinate{X: 174.7633, Y: math.Inf(1)}}
		assert.False(t, g.IsValid())
	})

	t.Run("polygon with one ring", func(t *testing.T) {
		g := &Geometry{Type: GeometryPolygon, Rings: [][]Coordinate{{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}, {X: 0, Y: 0}}}}
		assert.True(t, g.IsValid())
	})

	t.Run("polygon without rings", func(t *testing.T) {
		g := &Geometry{Type: GeometryPolygon}
		assert.False(t, g.IsValid())
	})

	t.Run("polyline with one path", func(t *testing.T) {
		g := &Geometry{Type: GeometryPolyline, Paths: [][]Coordinate{{{X: 0, Y: 0}, {X: 1, Y: 1}}}}
		assert.True(t, g.IsValid())
	})

	t.Run("unknown type", func(t *testing.T) {
		g := &Geometry{Type: GeometryType("circle")}
		assert.False(t, g.IsValid())
	})

	t.Run("nil geometry", func(t *testing.T) {
		var g *Geometry
		assert.False(t, g.IsValid())
	})
}

func TestGeometry_CacheKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("rounds to six decimal places", func(t *testing.T) {
		g := &Geometry{Type: GeometryPoint, Point: &Coordinate{X: 174.76330449, Y: -36.84851251}}

		key, ok := g.CacheKey()

		require.True(t, ok)
		assert.Equal(t, "174.763304,-36.848513", key)
	})

	t.Run("same location within rounding shares a key", func(t *testing.T) {
		a := &Geometry{Type: GeometryPoint, Point: &Coordinate{X: 174.7633041, Y: -36.8485129}}
		b := &Geometry{Type: GeometryPoint, Point: &Coordinate{X: 174.7633039, Y: -36.8485131}}

		keyA, okA := a.CacheKey()
		keyB, okB := b.CacheKey()

		require.True(t, okA)
		require.True(t, okB)
		assert.Equal(t, keyA, keyB)
	})

	t.Run("distinct locations get distinct keys", func(t *testing.T) {
		a := &Geometry{Type: GeometryPoint, Point: &Coordinate{X: 174.7633, Y: -36.8485}}
		b := &Geometry{Type: GeometryPoint, Point: &Coordinate{X: 174.7634, Y: -36.8485}}

		keyA, _ := a.CacheKey()
		keyB, _ := b.CacheKey()

		assert.NotEqual(t, keyA, keyB)
	})

	t.Run("polygon is not cacheable", func(t *testing.T) {
		g := &Geometry{Type: GeometryPolygon, Rings: [][]Coordinate{{{X: 0, Y: 0}}}}

		_, ok := g.CacheKey()

		assert.False(t, ok)
	})

	t.Run("invalid point is not cacheable", func(t *testing.T) {
		g := &Geometry{Type: GeometryPoint}

		_, ok := g.CacheKey()

		assert.False(t, ok)
	})
}
