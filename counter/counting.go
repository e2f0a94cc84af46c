package counter

import (
	"image"

	"go.viam.com/rdk/logging"

	"github.com/viam-modules/fish-counting/tracker"
)

// Per-track map cleanup runs every this many counting frames.
const cleanupInterval = 30

// Session defaults. The frame targets apply when auto calibration is
// requested with neither phase configured; the rest are filled in by
// NewSession when the corresponding field is zero.
var (
	DefaultThresholdFrames     = 100
	DefaultMovementFrames      = 300
	DefaultMinTrackLength      = 10
	DefaultMinTrackConfidence  = 0.5
	DefaultDirectionConfidence = 0.6
	DefaultMatchIoU            = 0.5
	DefaultMatchMaxDistance    = 0.1
)

// SessionConfig is the explicit configuration value injected into a counting
// session at construction. There is no shared global configuration; multiple
// sessions (multi-camera) each carry their own.
type SessionConfig struct {
	Direction  Direction
	Thresholds []float64

	AutoCalibration bool
	// ThresholdFrames and MovementFrames are the per-phase frame targets for
	// calibration; zero disables that phase.
	ThresholdFrames int
	MovementFrames  int

	MinTrackLength      int
	MinTrackConfidence  float64
	DirectionConfidence float64

	MatchIoU         float64
	MatchMaxDistance float64

	EdgeAnalyzer EdgeAnalyzer
}

// Callbacks are fire-and-forget notifications to the host, invoked
// synchronously on the owning goroutine after the triggering state transition
// is applied. Nil slots are skipped.
type Callbacks struct {
	OnProgress   func(framesDone, framesTotal int)
	OnThresholds func(thresholds []float64)
	OnDirection  func(d Direction)
	OnSummary    func(s CalibrationSummary)
}

type movementAxis int

const (
	axisHorizontal movementAxis = iota
	axisVertical
)

// Session converts a stream of per-frame track snapshots into a count of
// crossing events, delegating to the calibration engine while calibration is
// active. All mutable state is confined to one execution context; calls must
// be strictly serialized by the owner.
type Session struct {
	logger logging.Logger
	cfg    SessionConfig
	source *tracker.Tracker
	cb     Callbacks

	direction  Direction
	thresholds []float64 // display space, 1-2 values

	totalCount        int
	countedTracks     map[int]bool
	previousPositions map[int]tracker.Point
	// historyPositions holds the position before last, reserved for
	// fast-movement detection.
	historyPositions map[int]tracker.Point
	movementAxes     map[int]movementAxis
	frameCount       int

	currentTracks []*tracker.Track
	lastFrame     image.Image

	calib calibrationState
}

// NewSession builds a counting session around a track source. The config is
// copied; later mutation by the caller has no effect.
func NewSession(cfg SessionConfig, source *tracker.Tracker, cb Callbacks, logger logging.Logger) *Session {
	if cfg.MinTrackLength <= 0 {
		cfg.MinTrackLength = DefaultMinTrackLength
	}
	if cfg.MinTrackConfidence <= 0 {
		cfg.MinTrackConfidence = DefaultMinTrackConfidence
	}
	if cfg.DirectionConfidence <= 0 {
		cfg.DirectionConfidence = DefaultDirectionConfidence
	}
	if cfg.MatchIoU <= 0 {
		cfg.MatchIoU = DefaultMatchIoU
	}
	if cfg.MatchMaxDistance <= 0 {
		cfg.MatchMaxDistance = DefaultMatchMaxDistance
	}
	if cfg.EdgeAnalyzer == nil {
		cfg.EdgeAnalyzer = GradientEdgeAnalyzer
	}
	s := &Session{
		logger:            logger,
		cfg:               cfg,
		source:            source,
		cb:                cb,
		direction:         cfg.Direction,
		countedTracks:     make(map[int]bool),
		previousPositions: make(map[int]tracker.Point),
		historyPositions:  make(map[int]tracker.Point),
		movementAxes:      make(map[int]movementAxis),
	}
	s.SetThresholds(cfg.Thresholds)
	if len(s.thresholds) == 0 {
		s.thresholds = []float64{0.5}
	}
	if cfg.AutoCalibration {
		s.SetAutoCalibration(true)
	}
	return s
}

// HandleFrame is the per-frame entry point ahead of detector inference. It
// stores the raw frame for calibration use and reports whether the frame
// should continue through detection and tracking: during the threshold
// detection phase the frame is consumed entirely by calibration.
func (s *Session) HandleFrame(img image.Image) bool {
	s.lastFrame = img
	if s.calib.enabled && !s.calib.calibrated && s.calib.phase == phaseThresholdDetection {
		s.processCalibrationFrame(img)
		return false
	}
	return true
}

// UpdateTracks applies one frame's track snapshot: movement collection while
// the movement analysis phase runs, normal counting otherwise. Counting is
// suppressed for the whole calibration run.
func (s *Session) UpdateTracks(tracks []*tracker.Track) {
	s.currentTracks = tracks
	if s.calib.enabled && !s.calib.calibrated {
		if s.calib.phase == phaseMovementAnalysis {
			s.processMovementAnalysis(tracks)
		}
		return
	}
	s.updateCounting(tracks)
}

// updateCounting runs the crossing/reversal hysteresis for one frame.
func (s *Session) updateCounting(tracks []*tracker.Track) {
	for _, t := range tracks {
		prev, ok := s.previousPositions[t.ID]
		if !ok {
			// no prior sample, cannot evaluate a crossing yet
			s.previousPositions[t.ID] = t.Position
			continue
		}

		dx := t.Position.X - prev.X
		dy := t.Position.Y - prev.Y
		if abs(dx) > abs(dy) {
			s.movementAxes[t.ID] = axisHorizontal
		} else {
			s.movementAxes[t.ID] = axisVertical
		}

		prevC := CountingCoord(prev, s.direction)
		currC := CountingCoord(t.Position, s.direction)

		if !s.countedTracks[t.ID] {
			for _, th := range s.thresholds {
				tc := CountingThreshold(th, s.direction)
				if prevC < tc && currC >= tc {
					s.countObject(t)
					break
				}
			}
		} else if len(s.thresholds) > 0 {
			// reverse crossings are judged against the first threshold only:
			// it is the outer boundary of the counted zone
			tc := CountingThreshold(s.thresholds[0], s.direction)
			if prevC > tc && currC <= tc {
				if s.totalCount > 0 {
					s.totalCount--
				}
				delete(s.countedTracks, t.ID)
				t.ClearCounted()
			}
		}

		s.historyPositions[t.ID] = prev
		s.previousPositions[t.ID] = t.Position
	}

	s.frameCount++
	if s.frameCount%cleanupInterval == 0 {
		s.cleanupStale(tracks)
	}
}

// countObject increments the total for a track at most once until an
// intervening reverse crossing clears it again.
func (s *Session) countObject(t *tracker.Track) {
	if s.countedTracks[t.ID] {
		return
	}
	s.totalCount++
	s.countedTracks[t.ID] = true
	t.MarkCounted()
}

// cleanupStale purges per-track bookkeeping for identities no longer present
// in the live set, bounding memory under track churn.
func (s *Session) cleanupStale(tracks []*tracker.Track) {
	live := make(map[int]struct{}, len(tracks))
	for _, t := range tracks {
		live[t.ID] = struct{}{}
	}
	for id := range s.countedTracks {
		if _, ok := live[id]; !ok {
			delete(s.countedTracks, id)
		}
	}
	for id := range s.previousPositions {
		if _, ok := live[id]; !ok {
			delete(s.previousPositions, id)
		}
	}
	for id := range s.historyPositions {
		if _, ok := live[id]; !ok {
			delete(s.historyPositions, id)
		}
	}
	for id := range s.movementAxes {
		if _, ok := live[id]; !ok {
			delete(s.movementAxes, id)
		}
	}
}

// ResetCount zeroes the total, releases all per-track state, and resets the
// track source so subsequent identities start from a fresh space.
func (s *Session) ResetCount() {
	s.totalCount = 0
	for _, t := range s.currentTracks {
		t.Cleanup()
	}
	s.currentTracks = nil
	s.countedTracks = make(map[int]bool)
	s.previousPositions = make(map[int]tracker.Point)
	s.historyPositions = make(map[int]tracker.Point)
	s.movementAxes = make(map[int]movementAxis)
	s.frameCount = 0
	s.source.Reset()
}

// SetThresholds replaces the configured thresholds, clamping every value into
// [0, 1]. An empty slice is ignored; at most two thresholds are kept.
func (s *Session) SetThresholds(ts []float64) {
	if len(ts) == 0 {
		return
	}
	if len(ts) > 2 {
		s.logger.Infof("got %d thresholds, keeping the first two", len(ts))
		ts = ts[:2]
	}
	out := make([]float64, len(ts))
	for i, t := range ts {
		out[i] = clamp01(t)
	}
	s.thresholds = out
}

// SetDirection changes the counting direction. A direction change invalidates
// any in-flight calibration, so calibration state is always reset; historical
// counts are kept.
func (s *Session) SetDirection(d Direction) {
	s.direction = d
	s.resetCalibrationState()
}

// TotalCount returns the current count.
func (s *Session) TotalCount() int {
	return s.totalCount
}

// Thresholds returns a copy of the display-space thresholds.
func (s *Session) Thresholds() []float64 {
	out := make([]float64, len(s.thresholds))
	copy(out, s.thresholds)
	return out
}

// Direction returns the active counting direction.
func (s *Session) Direction() Direction {
	return s.direction
}

// CurrentTracks returns the most recent track snapshot.
func (s *Session) CurrentTracks() []*tracker.Track {
	return s.currentTracks
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
