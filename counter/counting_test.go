package counter

import (
	"testing"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/viam-modules/fish-counting/tracker"
)

func newTestSession(t *testing.T, cfg SessionConfig) *Session {
	t.Helper()
	logger := logging.NewTestLogger(t)
	tk := tracker.New(tracker.Config{}, logger)
	return NewSession(cfg, tk, Callbacks{}, logger)
}

func trackAt(id int, x, y float64) *tracker.Track {
	return &tracker.Track{ID: id, Position: tracker.Point{X: x, Y: y}, Score: 0.9}
}

func TestForwardCrossingCountsOnce(t *testing.T) {
	s := newTestSession(t, SessionConfig{
		Direction:  TopToBottom,
		Thresholds: []float64{0.3, 0.6},
	})

	// walk through both thresholds; only the first crossing increments
	for _, y := range []float64{0.2, 0.35, 0.5, 0.65} {
		s.UpdateTracks([]*tracker.Track{trackAt(1, 0.5, y)})
	}
	test.That(t, s.TotalCount(), test.ShouldEqual, 1)
	test.That(t, s.countedTracks[1], test.ShouldBeTrue)
}

func TestReverseCrossingDecrementsAndRearms(t *testing.T) {
	s := newTestSession(t, SessionConfig{
		Direction:  TopToBottom,
		Thresholds: []float64{0.3, 0.6},
	})

	tr := trackAt(7, 0.5, 0.2)
	step := func(y float64) {
		tr.Position.Y = y
		s.UpdateTracks([]*tracker.Track{tr})
	}

	for _, y := range []float64{0.2, 0.35, 0.5, 0.65} {
		step(y)
	}
	test.That(t, s.TotalCount(), test.ShouldEqual, 1)
	test.That(t, tr.Counted, test.ShouldBeTrue)

	// reverse below the first threshold: exactly one decrement
	for _, y := range []float64{0.45, 0.25} {
		step(y)
	}
	test.That(t, s.TotalCount(), test.ShouldEqual, 0)
	test.That(t, tr.Counted, test.ShouldBeFalse)
	test.That(t, s.countedTracks[7], test.ShouldBeFalse)

	// the track is eligible again on a later forward crossing
	for _, y := range []float64{0.35, 0.5} {
		step(y)
	}
	test.That(t, s.TotalCount(), test.ShouldEqual, 1)
}

func TestTotalCountNeverNegative(t *testing.T) {
	s := newTestSession(t, SessionConfig{
		Direction:  TopToBottom,
		Thresholds: []float64{0.3},
	})

	tr := trackAt(1, 0.5, 0.2)
	positions := []float64{0.2, 0.4, 0.2, 0.4, 0.2, 0.1, 0.05}
	for _, y := range positions {
		tr.Position.Y = y
		s.UpdateTracks([]*tracker.Track{tr})
		test.That(t, s.TotalCount(), test.ShouldBeGreaterThanOrEqualTo, 0)
	}
	test.That(t, s.TotalCount(), test.ShouldEqual, 0)
}

func TestNoDoubleIncrementWithoutReverse(t *testing.T) {
	s := newTestSession(t, SessionConfig{
		Direction:  TopToBottom,
		Thresholds: []float64{0.3, 0.6},
	})

	tr := trackAt(3, 0.5, 0.2)
	// jitter back and forth above the first threshold; second threshold
	// crossings must not re-trigger while the track stays counted
	for _, y := range []float64{0.2, 0.4, 0.55, 0.7, 0.55, 0.7, 0.9} {
		tr.Position.Y = y
		s.UpdateTracks([]*tracker.Track{tr})
	}
	test.That(t, s.TotalCount(), test.ShouldEqual, 1)
}

func TestHorizontalDirections(t *testing.T) {
	s := newTestSession(t, SessionConfig{
		Direction:  RightToLeft,
		Thresholds: []float64{0.4},
	})

	for _, x := range []float64{0.8, 0.5, 0.35} {
		s.UpdateTracks([]*tracker.Track{trackAt(1, x, 0.5)})
	}
	test.That(t, s.TotalCount(), test.ShouldEqual, 1)

	// moving further leftward does not re-trigger
	s.UpdateTracks([]*tracker.Track{trackAt(1, 0.1, 0.5)})
	test.That(t, s.TotalCount(), test.ShouldEqual, 1)
}

func TestCountObjectIdempotent(t *testing.T) {
	s := newTestSession(t, SessionConfig{Direction: TopToBottom, Thresholds: []float64{0.5}})

	tr := trackAt(9, 0.5, 0.6)
	s.countObject(tr)
	s.countObject(tr)
	test.That(t, s.TotalCount(), test.ShouldEqual, 1)
	test.That(t, tr.Counted, test.ShouldBeTrue)
}

func TestPeriodicCleanup(t *testing.T) {
	s := newTestSession(t, SessionConfig{
		Direction:  TopToBottom,
		Thresholds: []float64{0.9},
	})

	// track 1 is present for two frames, then disappears
	s.UpdateTracks([]*tracker.Track{trackAt(1, 0.5, 0.1), trackAt(2, 0.2, 0.1)})
	s.UpdateTracks([]*tracker.Track{trackAt(1, 0.5, 0.15), trackAt(2, 0.2, 0.12)})

	for frame := 3; frame <= 29; frame++ {
		s.UpdateTracks([]*tracker.Track{trackAt(2, 0.2, 0.2)})
	}
	test.That(t, s.frameCount, test.ShouldEqual, 29)
	_, ok := s.previousPositions[1]
	test.That(t, ok, test.ShouldBeTrue)

	s.UpdateTracks([]*tracker.Track{trackAt(2, 0.2, 0.2)})
	test.That(t, s.frameCount, test.ShouldEqual, 30)
	_, ok = s.previousPositions[1]
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = s.historyPositions[1]
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = s.previousPositions[2]
	test.That(t, ok, test.ShouldBeTrue)
}

func TestResetCount(t *testing.T) {
	s := newTestSession(t, SessionConfig{
		Direction:  TopToBottom,
		Thresholds: []float64{0.3},
	})

	tr := trackAt(1, 0.5, 0.2)
	for _, y := range []float64{0.2, 0.5} {
		tr.Position.Y = y
		s.UpdateTracks([]*tracker.Track{tr})
	}
	test.That(t, s.TotalCount(), test.ShouldEqual, 1)

	s.ResetCount()
	test.That(t, s.TotalCount(), test.ShouldEqual, 0)
	test.That(t, len(s.countedTracks), test.ShouldEqual, 0)
	test.That(t, len(s.previousPositions), test.ShouldEqual, 0)
	test.That(t, len(s.historyPositions), test.ShouldEqual, 0)
	test.That(t, s.frameCount, test.ShouldEqual, 0)
	test.That(t, tr.Counted, test.ShouldBeFalse)
}

func TestSetThresholdsClamping(t *testing.T) {
	s := newTestSession(t, SessionConfig{Direction: TopToBottom, Thresholds: []float64{0.5}})

	s.SetThresholds([]float64{-0.2, 1.4})
	test.That(t, s.Thresholds(), test.ShouldResemble, []float64{0, 1})

	// an empty update is ignored rather than rejected
	s.SetThresholds(nil)
	test.That(t, s.Thresholds(), test.ShouldResemble, []float64{0, 1})

	s.SetThresholds([]float64{0.1, 0.2, 0.3})
	test.That(t, s.Thresholds(), test.ShouldResemble, []float64{0.1, 0.2})
}

func TestSetDirectionResetsCalibrationNotCounts(t *testing.T) {
	s := newTestSession(t, SessionConfig{
		Direction:       TopToBottom,
		Thresholds:      []float64{0.3},
		ThresholdFrames: 10,
	})

	tr := trackAt(1, 0.5, 0.2)
	for _, y := range []float64{0.2, 0.5} {
		tr.Position.Y = y
		s.UpdateTracks([]*tracker.Track{tr})
	}
	test.That(t, s.TotalCount(), test.ShouldEqual, 1)

	// a direction change invalidates in-flight calibration but keeps counts
	s.SetDirection(LeftToRight)
	test.That(t, s.Direction(), test.ShouldEqual, LeftToRight)
	test.That(t, s.TotalCount(), test.ShouldEqual, 1)
	test.That(t, s.CalibrationEnabled(), test.ShouldBeFalse)

	s.SetAutoCalibration(true)
	test.That(t, s.CalibrationEnabled(), test.ShouldBeTrue)
	s.SetDirection(TopToBottom)
	test.That(t, s.CalibrationEnabled(), test.ShouldBeFalse)
}
