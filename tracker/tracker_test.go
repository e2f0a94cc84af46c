package tracker

import (
	"image"
	"testing"

	"go.viam.com/rdk/logging"
	objdet "go.viam.com/rdk/vision/objectdetection"
	"go.viam.com/test"
)

const (
	testW = 100
	testH = 100
)

func newTestTracker(t *testing.T, persistence int) *Tracker {
	t.Helper()
	return New(Config{MinPersistence: persistence, MaxNoMatch: 3}, logging.NewTestLogger(t))
}

func det(r image.Rectangle, score float64) objdet.Detection {
	return objdet.NewDetection(r, score, "fish")
}

func TestIdentityStableAcrossFrames(t *testing.T) {
	tk := newTestTracker(t, 1)

	out := tk.Update([]objdet.Detection{det(image.Rect(10, 10, 20, 20), 0.9)}, testW, testH)
	test.That(t, len(out), test.ShouldEqual, 0) // not yet stable

	out = tk.Update([]objdet.Detection{det(image.Rect(12, 12, 22, 22), 0.9)}, testW, testH)
	test.That(t, len(out), test.ShouldEqual, 1)
	id := out[0].ID

	// the object drifts; identity must follow it
	out = tk.Update([]objdet.Detection{det(image.Rect(15, 15, 25, 25), 0.8)}, testW, testH)
	test.That(t, len(out), test.ShouldEqual, 1)
	test.That(t, out[0].ID, test.ShouldEqual, id)
	test.That(t, out[0].Score, test.ShouldEqual, 0.8)
}

func TestPositionNormalized(t *testing.T) {
	tk := newTestTracker(t, 1)
	tk.Update([]objdet.Detection{det(image.Rect(40, 20, 60, 40), 0.9)}, testW, testH)
	out := tk.Update([]objdet.Detection{det(image.Rect(40, 20, 60, 40), 0.9)}, testW, testH)
	test.That(t, len(out), test.ShouldEqual, 1)
	test.That(t, out[0].Position.X, test.ShouldAlmostEqual, 0.5, 1e-9)
	test.That(t, out[0].Position.Y, test.ShouldAlmostEqual, 0.3, 1e-9)
}

func TestSeparateObjectsGetSeparateIdentities(t *testing.T) {
	tk := newTestTracker(t, 1)
	dets := []objdet.Detection{
		det(image.Rect(0, 0, 10, 10), 0.9),
		det(image.Rect(60, 60, 80, 80), 0.9),
	}
	tk.Update(dets, testW, testH)
	out := tk.Update(dets, testW, testH)
	test.That(t, len(out), test.ShouldEqual, 2)
	test.That(t, out[0].ID, test.ShouldNotEqual, out[1].ID)
}

func TestEvictionAfterMaxNoMatch(t *testing.T) {
	tk := newTestTracker(t, 1)
	d := det(image.Rect(10, 10, 20, 20), 0.9)
	tk.Update([]objdet.Detection{d}, testW, testH)
	tk.Update([]objdet.Detection{d}, testW, testH)
	test.That(t, len(tk.Live()), test.ShouldEqual, 1)

	// MaxNoMatch is 3: the track survives three empty frames, not four
	for i := 0; i < 3; i++ {
		tk.Update(nil, testW, testH)
		test.That(t, len(tk.Live()), test.ShouldEqual, 1)
	}
	tk.Update(nil, testW, testH)
	test.That(t, len(tk.Live()), test.ShouldEqual, 0)
}

func TestResetAdvancesIdentitySpace(t *testing.T) {
	tk := newTestTracker(t, 1)
	d := det(image.Rect(10, 10, 20, 20), 0.9)
	tk.Update([]objdet.Detection{d}, testW, testH)
	out := tk.Update([]objdet.Detection{d}, testW, testH)
	preReset := out[0].ID

	tk.Reset()
	test.That(t, len(tk.Live()), test.ShouldEqual, 0)

	tk.Update([]objdet.Detection{d}, testW, testH)
	out = tk.Update([]objdet.Detection{d}, testW, testH)
	test.That(t, len(out), test.ShouldEqual, 1)
	test.That(t, out[0].ID, test.ShouldBeGreaterThan, preReset)
}

func TestMinConfidenceFilter(t *testing.T) {
	tk := New(Config{MinPersistence: 1, MinConfidence: 0.5}, logging.NewTestLogger(t))
	weak := det(image.Rect(10, 10, 20, 20), 0.3)
	tk.Update([]objdet.Detection{weak}, testW, testH)
	out := tk.Update([]objdet.Detection{weak}, testW, testH)
	test.That(t, len(out), test.ShouldEqual, 0)
}

func TestChosenLabelsFilter(t *testing.T) {
	tk := New(Config{
		MinPersistence: 1,
		ChosenLabels:   map[string]float64{"fish": 0.4},
	}, logging.NewTestLogger(t))

	frame := []objdet.Detection{
		objdet.NewDetection(image.Rect(10, 10, 20, 20), 0.9, "fish"),
		objdet.NewDetection(image.Rect(60, 60, 70, 70), 0.9, "debris"),
	}
	tk.Update(frame, testW, testH)
	out := tk.Update(frame, testW, testH)
	test.That(t, len(out), test.ShouldEqual, 1)
}

func TestIOU(t *testing.T) {
	a := image.Rect(0, 0, 10, 10)
	b := image.Rect(5, 0, 15, 10)
	test.That(t, IOU(&a, &b), test.ShouldAlmostEqual, 50.0/150.0, 1e-9)

	c := image.Rect(20, 20, 30, 30)
	test.That(t, IOU(&a, &c), test.ShouldEqual, 0)
	test.That(t, IOU(&a, &a), test.ShouldEqual, 1)
}

func TestPredictNextFrame(t *testing.T) {
	old := image.Rect(0, 0, 10, 10)
	curr := image.Rect(10, 0, 20, 10)
	pred := predictNextFrame(old, curr)
	// constant velocity: center moves another 10px right
	test.That(t, (pred.Min.X+pred.Max.X)/2, test.ShouldEqual, 25)
	test.That(t, pred.Dx(), test.ShouldEqual, 10)
}

func TestCountedFlagLifecycle(t *testing.T) {
	tk := newTestTracker(t, 1)
	d := det(image.Rect(10, 10, 20, 20), 0.9)
	tk.Update([]objdet.Detection{d}, testW, testH)
	out := tk.Update([]objdet.Detection{d}, testW, testH)
	tr := out[0]

	tr.MarkCounted()
	test.That(t, tr.Counted, test.ShouldBeTrue)
	tr.ClearCounted()
	test.That(t, tr.Counted, test.ShouldBeFalse)
	tr.MarkCounted()
	tr.Cleanup()
	test.That(t, tr.Counted, test.ShouldBeFalse)
}
