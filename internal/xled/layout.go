package xled

import (
	"context"
	"math"
	"strings"
)

// Coordinate is one LED position as the device reports it. Values are
// in the device's own units and may be negative.
type Coordinate struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Layout is the physical LED map returned by the layout endpoint.
type Layout struct {
	Source      string       `json:"source"`
	Synthesized bool         `json:"synthesized"`
	Coordinates []Coordinate `json:"coordinates"`
}

// Layout fetches the device's physical LED map.
func (c *Client) Layout(ctx context.Context) (*Layout, error) {
	var l Layout
	if err := c.get(ctx, "/led/layout/full", "layout", &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// Point is one LED mapped onto the sampling canvas grid.
type Point struct {
	X int
	Y int
}

// CanvasSize returns the sampling canvas dimensions for the given user
// scale factors. Each axis spans grid cells 0..10*scale inclusive.
func CanvasSize(xScale, yScale int) (w, h int) {
	if xScale < 1 {
		xScale = 1
	}
	if yScale < 1 {
		yScale = 1
	}
	return 10*xScale + 1, 10*yScale + 1
}

// NormalizeLayout maps raw device coordinates onto canvas grid cells.
// The horizontal axis is the device x; the vertical axis is y for 2-D
// layouts and z for 3-D ones. Each axis is rescaled over its own
// min..max range so the layout always fills the canvas, then rounded to
// the nearest cell. A degenerate axis (all values equal) collapses to
// cell zero instead of dividing by zero.
func NormalizeLayout(l *Layout, xScale, yScale int) ([]Point, int, int) {
	w, h := CanvasSize(xScale, yScale)
	if l == nil || len(l.Coordinates) == 0 {
		return nil, w, h
	}

	depth := func(c Coordinate) float64 { return c.Y }
	if strings.HasPrefix(strings.ToLower(l.Source), "3") {
		depth = func(c Coordinate) float64 { return c.Z }
	}

	minX, maxX := l.Coordinates[0].X, l.Coordinates[0].X
	minD, maxD := depth(l.Coordinates[0]), depth(l.Coordinates[0])
	for _, c := range l.Coordinates[1:] {
		minX = math.Min(minX, c.X)
		maxX = math.Max(maxX, c.X)
		minD = math.Min(minD, depth(c))
		maxD = math.Max(maxD, depth(c))
	}
	rangeX := maxX - minX
	if rangeX == 0 {
		rangeX = 1
	}
	rangeD := maxD - minD
	if rangeD == 0 {
		rangeD = 1
	}

	points := make([]Point, len(l.Coordinates))
	for i, c := range l.Coordinates {
		points[i] = Point{
			X: int(math.Round((c.X - minX) / rangeX * float64(w-1))),
			Y: int(math.Round((depth(c) - minD) / rangeD * float64(h-1))),
		}
	}
	return points, w, h
}
