// Package counter implements a fish counting vision service: a crossing
// counter with hysteresis over tracked objects, plus a two-phase automatic
// calibration of threshold placement and travel direction.
package counter

import (
	"github.com/pkg/errors"
	"github.com/viam-modules/fish-counting/tracker"
)

// Direction is the dominant direction of travel being counted. Each direction
// fixes a counting axis (y for vertical directions, x for horizontal) and a
// forward polarity along that axis.
type Direction int

const (
	TopToBottom Direction = iota
	BottomToTop
	LeftToRight
	RightToLeft
)

var directionNames = map[Direction]string{
	TopToBottom: "top_to_bottom",
	BottomToTop: "bottom_to_top",
	LeftToRight: "left_to_right",
	RightToLeft: "right_to_left",
}

func (d Direction) String() string {
	if s, ok := directionNames[d]; ok {
		return s
	}
	return "unknown"
}

// ParseDirection maps a config string to a Direction.
func ParseDirection(s string) (Direction, error) {
	for d, name := range directionNames {
		if s == name {
			return d, nil
		}
	}
	return TopToBottom, errors.Errorf("unknown counting direction %q", s)
}

// Vertical reports whether the counting axis is y.
func (d Direction) Vertical() bool {
	return d == TopToBottom || d == BottomToTop
}

// forwardPositive reports whether forward travel increases the display
// coordinate along the counting axis.
func (d Direction) forwardPositive() bool {
	return d == TopToBottom || d == LeftToRight
}

// CountingCoord converts a display-space point to its counting coordinate:
// the direction's axis component, mirrored for the negative-polarity
// directions so the coordinate always increases along forward travel. With
// that convention a forward crossing of threshold t is uniformly
// prev < t && curr >= t, regardless of direction.
func CountingCoord(p tracker.Point, d Direction) float64 {
	v := p.X
	if d.Vertical() {
		v = p.Y
	}
	if !d.forwardPositive() {
		v = 1 - v
	}
	return v
}

// CountingThreshold converts one display-space threshold to counting space.
// The mapping is its own inverse.
func CountingThreshold(t float64, d Direction) float64 {
	if !d.forwardPositive() {
		return 1 - t
	}
	return t
}

// DisplayThresholds converts counting-space thresholds back to display space.
func DisplayThresholds(ts []float64, d Direction) []float64 {
	out := make([]float64, len(ts))
	for i, t := range ts {
		out[i] = CountingThreshold(t, d)
	}
	return out
}

// clamp01 confines a threshold to the valid normalized range.
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
