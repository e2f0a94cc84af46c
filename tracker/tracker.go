package tracker

import (
	"image"
	"sort"
	"strings"

	hg "github.com/charles-haynes/munkres"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	objdet "go.viam.com/rdk/vision/objectdetection"
)

// Defaults applied by New when the corresponding Config field is zero.
var (
	DefaultMinPersistence = 3
	DefaultMaxNoMatch     = 75
	DefaultMinConfidence  = 0.2
)

// Config holds tracker tuning. ChosenLabels maps lowercase class names to a
// per-class minimum confidence; an empty map accepts every class.
type Config struct {
	MinPersistence int
	MaxNoMatch     int
	MinConfidence  float64
	ChosenLabels   map[string]float64
}

// Tracker matches per-frame detections to persistent integer identities using
// a Hungarian solve over an IoU cost matrix. Not safe for concurrent use; the
// owner serializes Update/Reset.
type Tracker struct {
	cfg    Config
	logger logging.Logger
	nextID int
	tracks map[int]*Track
}

// New creates a tracker with defaults filled in.
func New(cfg Config, logger logging.Logger) *Tracker {
	if cfg.MinPersistence <= 0 {
		cfg.MinPersistence = DefaultMinPersistence
	}
	if cfg.MaxNoMatch <= 0 {
		cfg.MaxNoMatch = DefaultMaxNoMatch
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	return &Tracker{
		cfg:    cfg,
		logger: logger,
		tracks: make(map[int]*Track),
	}
}

// Update matches detections from one frame (w×h pixels) against the live
// tracks and returns the stable tracks ordered by identity. Unmatched tracks
// survive MaxNoMatch frames before eviction.
func (tk *Tracker) Update(dets []objdet.Detection, w, h int) []*Track {
	filtered := FilterDetections(tk.cfg.ChosenLabels, dets, tk.cfg.MinConfidence)

	old := tk.ordered()
	matchedDet := make(map[int]struct{}, len(filtered))
	matchedTrack := make(map[int]struct{}, len(old))

	if len(old) > 0 && len(filtered) > 0 {
		matchMtx := buildMatchingMatrix(old, filtered)
		ha, err := hg.NewHungarianAlgorithm(matchMtx)
		if err != nil {
			tk.logger.Errorf("hungarian solve failed, dropping frame matches: %s", errors.WithStack(err))
		} else {
			matches := ha.Execute()
			for oldIdx, newIdx := range matches {
				if oldIdx >= len(old) || newIdx < 0 || newIdx >= len(filtered) {
					continue
				}
				// a zero cost means zero overlap, not a real match
				if matchMtx[oldIdx][newIdx] == 0 {
					continue
				}
				d := filtered[newIdx]
				old[oldIdx].update(*d.BoundingBox(), d.Score(), w, h)
				matchedDet[newIdx] = struct{}{}
				matchedTrack[old[oldIdx].ID] = struct{}{}
			}
		}
	}

	// Fresh identities for unmatched detections.
	for i, d := range filtered {
		if _, ok := matchedDet[i]; ok {
			continue
		}
		t := newTrack(tk.nextID, *d.BoundingBox(), d.Score(), w, h, tk.cfg.MinPersistence)
		tk.tracks[tk.nextID] = t
		matchedTrack[t.ID] = struct{}{}
		tk.nextID++
	}

	// Age out tracks that keep missing.
	for id, t := range tk.tracks {
		if _, ok := matchedTrack[id]; ok {
			continue
		}
		t.noMatch++
		if t.noMatch > tk.cfg.MaxNoMatch {
			t.Cleanup()
			delete(tk.tracks, id)
		}
	}

	out := make([]*Track, 0, len(tk.tracks))
	for _, t := range tk.tracks {
		if t.isStable() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reset forgets every track and advances the identity space so identities
// assigned after the reset never collide with identities assigned before it.
func (tk *Tracker) Reset() {
	for id, t := range tk.tracks {
		t.Cleanup()
		delete(tk.tracks, id)
	}
}

// Live returns the set of currently stable track identities.
func (tk *Tracker) Live() map[int]struct{} {
	out := make(map[int]struct{}, len(tk.tracks))
	for id, t := range tk.tracks {
		if t.isStable() {
			out[id] = struct{}{}
		}
	}
	return out
}

func (tk *Tracker) ordered() []*Track {
	out := make([]*Track, 0, len(tk.tracks))
	for _, t := range tk.tracks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IOU returns the intersection over union of 2 rectangles
func IOU(r1, r2 *image.Rectangle) float64 {
	intersection := r1.Intersect(*r2)
	if intersection.Empty() {
		return 0
	}
	union := r1.Union(*r2)
	return float64(intersection.Dx()*intersection.Dy()) / float64(union.Dx()*union.Dy())
}

// predictNextFrame assumes we have two rectangles on frames n-1 and n. We use
// those to predict the rectangle on frame n+1 (linear velocity).
func predictNextFrame(old, curr image.Rectangle) image.Rectangle {
	oldCX, oldCY := float64((old.Min.X+old.Max.X)/2), float64((old.Min.Y+old.Max.Y)/2)
	currCX, currCY := float64((curr.Min.X+curr.Max.X)/2), float64((curr.Min.Y+curr.Max.Y)/2)
	newCx, newCy := currCX+(currCX-oldCX), currCY+(currCY-oldCY)

	x0, x1 := newCx-float64(curr.Dx()/2), newCx+float64(curr.Dx()/2)
	y0, y1 := newCy-float64(curr.Dy()/2), newCy+float64(curr.Dy()/2)

	return image.Rect(int(x0), int(y0), int(x1), int(y1))
}

// buildMatchingMatrix sets up a cost matrix for the Hungarian algorithm. Each
// track contributes its predicted location when enough history is available.
// Cost is -IoU between boxes (the solver finds the minimum).
func buildMatchingMatrix(old []*Track, newDets []objdet.Detection) [][]float64 {
	matchMtx := make([][]float64, len(old))
	for i, t := range old {
		row := make([]float64, len(newDets))
		pred := t.predictedBBox()
		for j, d := range newDets {
			row[j] = -IOU(&pred, d.BoundingBox())
		}
		matchMtx[i] = row
	}
	return matchMtx
}

// NewAdvancedFilter returns a Detections->Detections filtering method to
// remove detections whose class is not in chosenLabels or falls below that
// class's minimum confidence. An empty map returns all detections.
func NewAdvancedFilter(chosenLabels map[string]float64) objdet.Postprocessor {
	return func(detections []objdet.Detection) []objdet.Detection {
		if len(chosenLabels) < 1 {
			return detections
		}
		out := make([]objdet.Detection, 0, len(detections))
		for _, d := range detections {
			baseLabel := strings.ToLower(strings.Split(d.Label(), "_")[0])
			minConf, ok := chosenLabels[baseLabel]
			if ok && d.Score() > minConf {
				out = append(out, d)
			}
		}
		return out
	}
}

// FilterDetections applies the class filter followed by a global score filter.
func FilterDetections(chosenLabels map[string]float64, dets []objdet.Detection, conf float64) []objdet.Detection {
	firstPass := NewAdvancedFilter(chosenLabels)(dets)
	return objdet.NewScoreFilter(conf)(firstPass)
}
