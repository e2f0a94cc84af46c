// Package tracker implements a SORT-style multi-object tracker that assigns
// stable integer identities to detections across frames.
package tracker

import (
	"image"
)

// Point is a position in normalized frame coordinates, both axes in [0, 1].
// Y grows downward, matching image space.
type Point struct {
	X float64
	Y float64
}

// Track is one physical object followed across frames. Position and BBox are
// refreshed on every frame the track is matched. Counted is owned by the
// counting layer; the tracker only clears it on Cleanup.
type Track struct {
	ID       int
	Position Point
	Score    float64
	BBox     image.Rectangle
	Counted  bool

	prevBBox         image.Rectangle
	hasPrev          bool
	persistenceCount int
	persistenceLimit int
	stable           bool
	noMatch          int
}

func newTrack(id int, bbox image.Rectangle, score float64, w, h, lim int) *Track {
	t := &Track{
		ID:               id,
		Score:            score,
		BBox:             bbox,
		persistenceLimit: lim,
	}
	t.Position = normalizedCenter(bbox, w, h)
	return t
}

func normalizedCenter(r image.Rectangle, w, h int) Point {
	if w <= 0 || h <= 0 {
		return Point{}
	}
	cx := float64(r.Min.X+r.Max.X) / 2.0
	cy := float64(r.Min.Y+r.Max.Y) / 2.0
	return Point{X: cx / float64(w), Y: cy / float64(h)}
}

// update refreshes the track from a matched detection and bumps persistence.
func (t *Track) update(bbox image.Rectangle, score float64, w, h int) {
	t.prevBBox = t.BBox
	t.hasPrev = true
	t.BBox = bbox
	t.Score = score
	t.Position = normalizedCenter(bbox, w, h)
	t.noMatch = 0
	t.addPersistence()
}

func (t *Track) addPersistence() {
	if t.stable {
		return
	}
	t.persistenceCount++
	if t.persistenceCount >= t.persistenceLimit {
		t.stable = true
	}
}

func (t *Track) isStable() bool {
	return t.stable
}

// predictedBBox extrapolates the bounding box one frame ahead assuming linear
// velocity. With fewer than two observations the current box is returned.
func (t *Track) predictedBBox() image.Rectangle {
	if !t.hasPrev {
		return t.BBox
	}
	return predictNextFrame(t.prevBBox, t.BBox)
}

// MarkCounted flags the track as counted so downstream consumers (overlays,
// queries) observe the state without a second lookup.
func (t *Track) MarkCounted() {
	t.Counted = true
}

// ClearCounted makes the track eligible for counting again.
func (t *Track) ClearCounted() {
	t.Counted = false
}

// Cleanup releases per-track state. Called by the tracker on eviction and by
// the counting layer on a full reset.
func (t *Track) Cleanup() {
	t.Counted = false
	t.hasPrev = false
}
