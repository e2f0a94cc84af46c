package counter

import (
	"image"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Edge analysis searches for threshold candidates inside this normalized band
// of the frame, and keeps the two candidates at least minPeakSeparation of
// the frame extent apart.
const (
	edgeSearchLow     = 0.15
	edgeSearchHigh    = 0.85
	minPeakSeparation = 0.1
)

// GradientEdgeAnalyzer is the default per-frame edge analysis for threshold
// detection. It projects the frame's luminance onto the counting axis (rows
// for vertical directions, columns for horizontal), takes the absolute
// gradient of that profile, and returns the two strongest, sufficiently
// separated peaks as normalized positions. Frames too small or too flat to
// analyze report ok=false.
func GradientEdgeAnalyzer(img image.Image, vertical bool) (float64, float64, bool) {
	if img == nil {
		return 0, 0, false
	}
	bounds := img.Bounds()
	if bounds.Dx() < 8 || bounds.Dy() < 8 {
		return 0, 0, false
	}

	profile := luminanceProfile(img, vertical)
	n := len(profile)

	grad := make([]float64, n-1)
	for i := 0; i < n-1; i++ {
		grad[i] = math.Abs(profile[i+1] - profile[i])
	}
	if floats.Sum(grad) < 1e-9 {
		return 0, 0, false
	}

	lo := int(edgeSearchLow * float64(n))
	hi := int(edgeSearchHigh * float64(n))
	minGap := int(minPeakSeparation * float64(n))

	first := argmaxRange(grad, lo, hi)
	if first < 0 {
		return 0, 0, false
	}
	second := -1
	var secondVal float64
	for i := lo; i < hi && i < len(grad); i++ {
		if absInt(i-first) < minGap {
			continue
		}
		if second < 0 || grad[i] > secondVal {
			second, secondVal = i, grad[i]
		}
	}
	if second < 0 {
		return 0, 0, false
	}

	t1 := float64(first) / float64(n)
	t2 := float64(second) / float64(n)
	if t1 > t2 {
		t1, t2 = t2, t1
	}
	return t1, t2, true
}

// luminanceProfile averages pixel luminance per row (vertical) or per column
// (horizontal).
func luminanceProfile(img image.Image, vertical bool) []float64 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	n := h
	if !vertical {
		n = w
	}
	profile := make([]float64, n)

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			lum := 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
			if vertical {
				profile[y-bounds.Min.Y] += lum
			} else {
				profile[x-bounds.Min.X] += lum
			}
		}
	}

	div := float64(w)
	if !vertical {
		div = float64(h)
	}
	for i := range profile {
		profile[i] /= div * 65535.0
	}
	return profile
}

func argmaxRange(vals []float64, lo, hi int) int {
	best := -1
	var bestVal float64
	for i := lo; i < hi && i < len(vals); i++ {
		if best < 0 || vals[i] > bestVal {
			best, bestVal = i, vals[i]
		}
	}
	return best
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
