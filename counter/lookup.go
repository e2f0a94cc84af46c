package counter

import (
	"math"

	objdet "go.viam.com/rdk/vision/objectdetection"

	"github.com/viam-modules/fish-counting/tracker"
)

// DetectionStatus reports whether a detection corresponds to a currently
// tracked object and whether that object has been counted. Matching tries
// intersection over union against the configured threshold first (immediate
// accept), then falls back to the nearest track centroid within the
// configured maximum normalized distance. frameW and frameH are the pixel
// dimensions the detection was produced at.
func (s *Session) DetectionStatus(det objdet.Detection, frameW, frameH int) (isTracked, isCounted bool) {
	if det == nil {
		return false, false
	}
	box := det.BoundingBox()

	for _, t := range s.currentTracks {
		if tracker.IOU(box, &t.BBox) > s.cfg.MatchIoU {
			return true, t.Counted
		}
	}

	if frameW <= 0 || frameH <= 0 {
		return false, false
	}
	cx := float64(box.Min.X+box.Max.X) / 2.0 / float64(frameW)
	cy := float64(box.Min.Y+box.Max.Y) / 2.0 / float64(frameH)

	var best *tracker.Track
	bestDist := math.Inf(1)
	for _, t := range s.currentTracks {
		d := math.Hypot(t.Position.X-cx, t.Position.Y-cy)
		if d < bestDist {
			best, bestDist = t, d
		}
	}
	if best != nil && bestDist < s.cfg.MatchMaxDistance {
		return true, best.Counted
	}
	return false, false
}
