package counter

import (
	"image"
	"sort"
	"time"

	"github.com/viam-modules/fish-counting/tracker"
)

type calibrationPhase int

const (
	phaseThresholdDetection calibrationPhase = iota
	phaseMovementAnalysis
	phaseCompleted
)

const (
	// bypassTargetFrames is the synthetic phase-1 target used when threshold
	// detection is disabled, keeping host progress monotone while leaving the
	// user's thresholds untouched.
	bypassTargetFrames = 2
	// overrunMargin force-completes a phase stuck past its target, guarding
	// against upstream tracking anomalies.
	overrunMargin = 100
)

// EdgeAnalyzer is the external per-frame edge analysis contract for phase 1.
// It returns two raw threshold candidates in display space, or ok=false when
// analysis fails for the frame; failed frames contribute nothing.
type EdgeAnalyzer func(img image.Image, vertical bool) (t1, t2 float64, ok bool)

// calibrationState is the bookkeeping for one calibration run. It is owned by
// the session and cleared on completion or explicit reset.
type calibrationState struct {
	enabled    bool
	calibrated bool
	phase      calibrationPhase

	thresholdFrames int
	movementFrames  int
	targetFrames    int
	bypass          bool

	thresholdAccum [2]float64
	accumCount     int

	movement map[int]*trackMovement

	originalDirection  Direction
	originalThresholds []float64

	lastSummary *CalibrationSummary
}

// CalibrationSummary reports the outcome of one calibration run. Thresholds
// are in display coordinates.
type CalibrationSummary struct {
	Thresholds        []float64
	DetectedDirection Direction
	OriginalDirection Direction
	DirectionChanged  bool
	Success           bool
	QualifiedTracks   int
	Warnings          []string
	ThresholdPhaseRan bool
	MovementPhaseRan  bool
}

// SetAutoCalibration enables or disables the two-phase calibration protocol.
// Enabling always restarts from threshold detection. Disabling synchronously
// clears all calibration state so the next frame is treated as fresh.
func (s *Session) SetAutoCalibration(enabled bool) {
	if !enabled {
		s.resetCalibrationState()
		return
	}
	s.startCalibration()
}

// CalibrationEnabled reports whether a calibration run is active.
func (s *Session) CalibrationEnabled() bool {
	return s.calib.enabled
}

// Calibrated reports whether a calibration run has completed.
func (s *Session) Calibrated() bool {
	return s.calib.calibrated
}

// LastSummary returns the most recent calibration summary, or nil.
func (s *Session) LastSummary() *CalibrationSummary {
	return s.calib.lastSummary
}

func (s *Session) startCalibration() {
	if s.cfg.ThresholdFrames <= 0 && s.cfg.MovementFrames <= 0 {
		s.logger.Errorf("calibration disabled: no phases configured")
		s.calib.enabled = false
		return
	}

	origThresholds := s.Thresholds()
	s.ResetCount()

	s.calib = calibrationState{
		enabled:            true,
		phase:              phaseThresholdDetection,
		movement:           make(map[int]*trackMovement),
		originalDirection:  s.direction,
		originalThresholds: origThresholds,
	}
	if s.cfg.ThresholdFrames > 0 {
		s.calib.targetFrames = s.cfg.ThresholdFrames
	} else {
		s.calib.targetFrames = bypassTargetFrames
		s.calib.bypass = true
	}
	s.logger.Infof("auto calibration started (threshold frames %d, movement frames %d)",
		s.cfg.ThresholdFrames, s.cfg.MovementFrames)
}

// resetCalibrationState drops all calibration bookkeeping. The held frame
// reference is released so an aborted run keeps no pixel data alive.
func (s *Session) resetCalibrationState() {
	summary := s.calib.lastSummary
	s.calib = calibrationState{lastSummary: summary}
	s.lastFrame = nil
}

// progressTotal is the configured frame total reported with every progress
// callback, covering both phases.
func (s *Session) progressTotal() int {
	total := s.cfg.MovementFrames
	if s.cfg.MovementFrames < 0 {
		total = 0
	}
	if s.cfg.ThresholdFrames > 0 {
		total += s.cfg.ThresholdFrames
	} else {
		total += bypassTargetFrames
	}
	return total
}

func (s *Session) reportProgress() {
	if s.cb.OnProgress != nil {
		s.cb.OnProgress(s.calib.thresholdFrames+s.calib.movementFrames, s.progressTotal())
	}
}

// processCalibrationFrame consumes one frame during threshold detection. Raw
// candidates from edge analysis are blended with an exponential moving
// average whose newest-frame weight is 2/(n+1), n being the number of
// successfully analyzed frames so far, so later frames gain bounded influence
// over the converged estimate.
func (s *Session) processCalibrationFrame(img image.Image) {
	s.calib.thresholdFrames++

	if !s.calib.bypass {
		if t1, t2, ok := s.cfg.EdgeAnalyzer(img, s.direction.Vertical()); ok {
			s.calib.accumCount++
			alpha := 2.0 / float64(s.calib.accumCount+1)
			s.calib.thresholdAccum[0] = s.calib.thresholdAccum[0]*(1-alpha) + t1*alpha
			s.calib.thresholdAccum[1] = s.calib.thresholdAccum[1]*(1-alpha) + t2*alpha
		}
	}

	s.reportProgress()

	if s.calib.thresholdFrames >= s.calib.targetFrames {
		s.finalizeThresholds()
	}
}

// finalizeThresholds ends phase 1: adopts the accumulated candidates (sorted
// ascending) when the phase actually ran, leaves the user's thresholds
// verbatim when bypassed, then either starts phase 2 or completes.
func (s *Session) finalizeThresholds() {
	if s.calib.bypass {
		// bypass keeps the configured thresholds untouched
		s.thresholds = append([]float64(nil), s.calib.originalThresholds...)
	} else {
		if s.calib.accumCount > 0 {
			vals := []float64{
				clamp01(s.calib.thresholdAccum[0]),
				clamp01(s.calib.thresholdAccum[1]),
			}
			sort.Float64s(vals)
			s.thresholds = vals
		} else {
			s.logger.Errorf("threshold detection produced no candidates, keeping prior thresholds")
		}
	}

	if s.cb.OnThresholds != nil {
		s.cb.OnThresholds(s.Thresholds())
	}

	if s.cfg.MovementFrames > 0 {
		s.calib.phase = phaseMovementAnalysis
		s.calib.targetFrames = s.cfg.MovementFrames
		s.logger.Infof("threshold detection done (%v), starting movement analysis", s.thresholds)
		return
	}
	s.completeCalibration(nil, s.calib.originalDirection, false)
}

// processMovementAnalysis collects one frame's track positions into the
// movement data set and finalizes the phase at its target. A stuck phase is
// force-completed once the frame count exceeds the target by overrunMargin.
func (s *Session) processMovementAnalysis(tracks []*tracker.Track) {
	s.calib.movementFrames++

	now := time.Now()
	for _, t := range tracks {
		m, ok := s.calib.movement[t.ID]
		if !ok {
			m = newTrackMovement(t.ID)
			s.calib.movement[t.ID] = m
		}
		m.append(t.Position, t.Score, now)
	}

	s.reportProgress()

	if s.calib.movementFrames > s.calib.targetFrames+overrunMargin {
		s.logger.Errorf("movement analysis overran its target by more than %d frames, force completing", overrunMargin)
		s.finalizeMovement()
		return
	}
	if s.calib.movementFrames >= s.calib.targetFrames {
		s.finalizeMovement()
	}
}

// finalizeMovement ends phase 2. The phase transitions to completed before
// the analysis runs so re-entrant calls are blocked, and every value the
// summary needs is captured into locals before the direction setter fires;
// that setter resets calibration bookkeeping and would otherwise clobber the
// just-computed results.
func (s *Session) finalizeMovement() {
	s.calib.phase = phaseCompleted

	analysis := analyzeMovement(s.calib.movement, movementCriteria{
		minTrackLength: s.cfg.MinTrackLength,
		minConfidence:  s.cfg.MinTrackConfidence,
	})
	originalDirection := s.calib.originalDirection

	adopted := analysis.HasDirection && analysis.Confidence >= s.cfg.DirectionConfidence
	if adopted {
		s.SetDirection(analysis.PredominantDirection)
		if s.cb.OnDirection != nil {
			s.cb.OnDirection(analysis.PredominantDirection)
		}
		s.logger.Infof("detected counting direction %s (confidence %.2f)",
			analysis.PredominantDirection, analysis.Confidence)
	} else {
		s.logger.Infof("movement analysis inconclusive (confidence %.2f), keeping direction %s",
			analysis.Confidence, s.direction)
	}

	s.completeCalibration(&analysis, originalDirection, adopted)
}

// completeCalibration is the idempotent terminal transition: it marks the
// session calibrated, disables auto calibration, clears all per-track
// counting and movement maps, drops the held frame, and delivers the summary.
func (s *Session) completeCalibration(analysis *DirectionalAnalysis, originalDirection Direction, adopted bool) {
	if s.calib.calibrated {
		return
	}

	summary := CalibrationSummary{
		Thresholds:        s.Thresholds(),
		DetectedDirection: s.direction,
		OriginalDirection: originalDirection,
		DirectionChanged:  adopted && s.direction != originalDirection,
		Success:           analysis == nil || adopted,
		ThresholdPhaseRan: s.cfg.ThresholdFrames > 0,
		MovementPhaseRan:  s.cfg.MovementFrames > 0,
	}
	if analysis != nil {
		summary.QualifiedTracks = analysis.QualifiedTracks
		summary.Warnings = analysis.Warnings
	}

	s.calib.enabled = false
	s.calib.calibrated = true
	s.calib.phase = phaseCompleted
	s.calib.movement = make(map[int]*trackMovement)
	s.countedTracks = make(map[int]bool)
	s.previousPositions = make(map[int]tracker.Point)
	s.historyPositions = make(map[int]tracker.Point)
	s.movementAxes = make(map[int]movementAxis)
	s.lastFrame = nil
	s.calib.lastSummary = &summary

	s.logger.Infof("calibration complete: thresholds %v, direction %s", summary.Thresholds, summary.DetectedDirection)
	if s.cb.OnSummary != nil {
		s.cb.OnSummary(summary)
	}
}
