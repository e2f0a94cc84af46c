package counter

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/viam-modules/fish-counting/tracker"
)

// Bounds on per-track movement history collected during calibration.
const (
	maxMovementPositions = 50
	maxMovementVectors   = 49
)

// Analysis quality floors below which advisory warnings are produced.
const (
	warnMinQualifiedTracks = 5
	warnMinConfidence      = 0.6
	warnMinTotalVectors    = 50
)

// ring is a fixed-capacity buffer that evicts the oldest element on overflow.
type ring[T any] struct {
	buf  []T
	head int
	n    int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
}

func (r *ring[T]) len() int { return r.n }

// at returns the i-th element, oldest first.
func (r *ring[T]) at(i int) T {
	return r.buf[(r.head+i)%len(r.buf)]
}

func (r *ring[T]) last() T {
	return r.at(r.n - 1)
}

type movementSample struct {
	pos  tracker.Point
	when time.Time
}

type movementVector struct {
	dx, dy float64
}

// trackMovement accumulates one track's motion history during the movement
// analysis phase of calibration.
type trackMovement struct {
	id          int
	positions   *ring[movementSample]
	vectors     *ring[movementVector]
	confidence  float64 // running max of the track's detection scores
	trackLength int     // total samples observed, not capped by the rings
	consistency float64
}

func newTrackMovement(id int) *trackMovement {
	return &trackMovement{
		id:        id,
		positions: newRing[movementSample](maxMovementPositions),
		vectors:   newRing[movementVector](maxMovementVectors),
	}
}

// append records one position sample, derives the movement vector from the
// previous sample, and refreshes the consistency score.
func (m *trackMovement) append(pos tracker.Point, score float64, now time.Time) {
	if m.positions.len() > 0 {
		prev := m.positions.last()
		m.vectors.push(movementVector{dx: pos.X - prev.pos.X, dy: pos.Y - prev.pos.Y})
	}
	m.positions.push(movementSample{pos: pos, when: now})
	if score > m.confidence {
		m.confidence = score
	}
	m.trackLength++
	m.consistency = m.movementConsistency()
}

// movementConsistency is the average cosine similarity of the track's
// movement vectors to their mean, clipped at zero per vector. It needs at
// least two vectors; a near-zero mean magnitude yields zero to avoid
// division instability.
func (m *trackMovement) movementConsistency() float64 {
	n := m.vectors.len()
	if n < 2 {
		return 0
	}
	mean := []float64{0, 0}
	for i := 0; i < n; i++ {
		v := m.vectors.at(i)
		mean[0] += v.dx
		mean[1] += v.dy
	}
	mean[0] /= float64(n)
	mean[1] /= float64(n)
	meanMag := math.Hypot(mean[0], mean[1])
	if meanMag < 1e-3 {
		return 0
	}

	var total float64
	for i := 0; i < n; i++ {
		v := m.vectors.at(i)
		mag := math.Hypot(v.dx, v.dy)
		if mag == 0 {
			continue
		}
		cos := floats.Dot([]float64{v.dx, v.dy}, mean) / (mag * meanMag)
		if cos > 0 {
			total += cos
		}
	}
	return total / float64(n)
}

// vectorDirection classifies one movement vector by dominant axis and sign.
// Y grows downward, so a positive dy is travel toward the bottom.
func vectorDirection(v movementVector) Direction {
	if math.Abs(v.dx) > math.Abs(v.dy) {
		if v.dx > 0 {
			return LeftToRight
		}
		return RightToLeft
	}
	if v.dy > 0 {
		return TopToBottom
	}
	return BottomToTop
}

// DirectionalAnalysis is the outcome of one movement-analysis pass. A fresh
// value is produced per call and never mutated.
type DirectionalAnalysis struct {
	PredominantDirection Direction
	HasDirection         bool
	Confidence           float64
	DirectionWeights     map[Direction]float64
	QualifiedTracks      int
	TotalMovementVectors int
	Warnings             []string
}

type movementCriteria struct {
	minTrackLength int
	minConfidence  float64
}

// analyzeMovement turns accumulated per-track movement data into a direction
// vote. Tracks must meet the minimum length and confidence and carry at least
// one vector to qualify. Each qualified track contributes equal per-vector
// weight scaled by trackLength × confidence × consistency; the predominant
// direction is the argmax with confidence = its share of the total weight.
// An empty or all-disqualified data set yields no direction, confidence 0.
func analyzeMovement(data map[int]*trackMovement, crit movementCriteria) DirectionalAnalysis {
	analysis := DirectionalAnalysis{
		DirectionWeights: make(map[Direction]float64),
	}

	for _, m := range data {
		if m.trackLength < crit.minTrackLength || m.confidence < crit.minConfidence {
			continue
		}
		if m.vectors.len() == 0 {
			continue
		}
		analysis.QualifiedTracks++
		analysis.TotalMovementVectors += m.vectors.len()

		trackWeight := float64(m.trackLength) * m.confidence * m.consistency
		perVector := trackWeight / float64(m.vectors.len())
		for i := 0; i < m.vectors.len(); i++ {
			analysis.DirectionWeights[vectorDirection(m.vectors.at(i))] += perVector
		}
	}

	weights := make([]float64, 0, len(analysis.DirectionWeights))
	for _, w := range analysis.DirectionWeights {
		weights = append(weights, w)
	}
	total := floats.Sum(weights)
	if total <= 0 {
		analysis.Warnings = movementWarnings(analysis)
		return analysis
	}

	best := TopToBottom
	bestW := math.Inf(-1)
	for _, d := range []Direction{TopToBottom, BottomToTop, LeftToRight, RightToLeft} {
		if w := analysis.DirectionWeights[d]; w > bestW {
			best, bestW = d, w
		}
	}
	analysis.PredominantDirection = best
	analysis.HasDirection = true
	analysis.Confidence = bestW / total
	analysis.Warnings = movementWarnings(analysis)
	return analysis
}

// movementWarnings derives independent advisory strings from an analysis;
// multiple can co-occur.
func movementWarnings(a DirectionalAnalysis) []string {
	var warnings []string
	if a.QualifiedTracks < warnMinQualifiedTracks {
		warnings = append(warnings,
			fmt.Sprintf("only %d qualified tracks (want at least %d)", a.QualifiedTracks, warnMinQualifiedTracks))
	}
	if a.Confidence < warnMinConfidence {
		warnings = append(warnings,
			fmt.Sprintf("direction confidence %.2f below %.2f", a.Confidence, warnMinConfidence))
	}
	if a.TotalMovementVectors < warnMinTotalVectors {
		warnings = append(warnings,
			fmt.Sprintf("only %d movement vectors collected (want at least %d)", a.TotalMovementVectors, warnMinTotalVectors))
	}
	return warnings
}
