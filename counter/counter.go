package counter

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.viam.com/rdk/gostream"
	"go.viam.com/rdk/vision/viscapture"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/vision"
	vis "go.viam.com/rdk/vision"
	"go.viam.com/rdk/vision/classification"
	objdet "go.viam.com/rdk/vision/objectdetection"
	viamutils "go.viam.com/utils"

	"github.com/viam-modules/fish-counting/tracker"
)

// ModelName is the name of the model
const (
	ModelName      = "fish-counter"
	CountLabel     = "count"
	countedSuffix  = "_counted"
	trackLabelStem = "fish"
)

var (
	// Model is this model's colon-delimited-triplet (viam:vision:fish-counter)
	Model                = resource.NewModel("viam", "vision", ModelName)
	errUnimplemented     = errors.New("unimplemented")
	DefaultMaxFrequency  = 10.0
	DefaultMinConfidence = 0.2
)

func init() {
	resource.RegisterService(vision.API, Model, resource.Registration[vision.Service, *Config]{
		Constructor: newCounter,
	})
}

type currentState struct {
	mutex      sync.RWMutex
	detections []objdet.Detection
	count      int
}

type fishCounter struct {
	resource.Named
	logger        logging.Logger
	cancelFunc    context.CancelFunc
	cancelContext context.Context

	activeBackgroundWorkers sync.WaitGroup

	// mu serializes per-frame session updates against control operations
	// arriving through DoCommand; the session itself is single-owner state.
	mu      sync.Mutex
	session *Session
	tracks  *tracker.Tracker

	curr       currentState
	currImg    atomic.Pointer[image.Image]
	properties vision.Properties

	cam           camera.Camera
	camName       string
	detector      vision.Service
	frequency     float64
	minConfidence float64
	chosenLabels  map[string]float64
}

// Config contains resource names and counting/calibration attributes.
type Config struct {
	CameraName    string             `json:"camera_name"`
	DetectorName  string             `json:"detector_name"`
	ChosenLabels  map[string]float64 `json:"chosen_labels"`
	MinConfidence *float64           `json:"min_confidence,omitempty"`
	MaxFrequency  float64            `json:"max_frequency_hz"`

	CountingDirection string    `json:"counting_direction"`
	Thresholds        []float64 `json:"thresholds"`

	AutoCalibration bool `json:"auto_calibration"`
	ThresholdFrames int  `json:"threshold_frames"`
	MovementFrames  int  `json:"movement_frames"`

	MinTrackLength      int     `json:"min_track_length"`
	MinTrackConfidence  float64 `json:"min_track_confidence"`
	DirectionConfidence float64 `json:"direction_confidence"`

	MatchIoU         float64 `json:"match_iou"`
	MatchMaxDistance float64 `json:"match_max_distance"`

	MinTrackPersistence int `json:"min_track_persistence"`
	MaxNoMatch          int `json:"max_no_match"`
}

// Validate validates the config and returns implicit dependencies (the camera
// and the detector vision service).
func (cfg *Config) Validate(path string) ([]string, error) {
	if cfg.CameraName == "" {
		return nil, fmt.Errorf(`expected "camera_name" attribute for fish counter %q`, path)
	}
	if cfg.DetectorName == "" {
		return nil, fmt.Errorf(`expected "detector_name" attribute for fish counter %q`, path)
	}
	if cfg.MinTrackPersistence < 0 {
		return nil, errors.New("attribute min_track_persistence cannot be less than 0")
	}
	if cfg.MaxFrequency < 0 {
		return nil, errors.New("frequency(Hz) must be a positive number")
	}
	if cfg.CountingDirection != "" {
		if _, err := ParseDirection(cfg.CountingDirection); err != nil {
			return nil, err
		}
	}
	if len(cfg.Thresholds) > 2 {
		return nil, errors.Errorf("expected at most 2 thresholds, got %d", len(cfg.Thresholds))
	}
	return []string{cfg.CameraName, cfg.DetectorName}, nil
}

func newCounter(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (vision.Service, error) {
	fc := &fishCounter{
		Named:  conf.ResourceName().AsNamed(),
		logger: logger,
		properties: vision.Properties{
			ClassificationSupported: true,
			DetectionSupported:      true,
			ObjectPCDsSupported:     false,
		},
	}

	if err := fc.Reconfigure(ctx, deps, conf); err != nil {
		return nil, err
	}
	if fc.frequency == 0 {
		fc.frequency = DefaultMaxFrequency
	}

	cancelableCtx, cancel := context.WithCancel(context.Background())
	fc.cancelFunc = cancel
	fc.cancelContext = cancelableCtx

	stream, err := fc.cam.Stream(fc.cancelContext, nil)
	if err != nil {
		return nil, err
	}

	fc.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		fc.run(stream, fc.cancelContext)
	}, func() {
		fc.cancelFunc()
		stream.Close(fc.cancelContext)
		fc.activeBackgroundWorkers.Done()
	})

	return fc, nil
}

// Reconfigure reconfigures with new settings.
func (fc *fishCounter) Reconfigure(ctx context.Context, deps resource.Dependencies, conf resource.Config) error {
	counterConfig, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return errors.Errorf("Could not assert proper config for %s", ModelName)
	}

	fc.frequency = counterConfig.MaxFrequency

	if counterConfig.MinConfidence != nil {
		fc.minConfidence = *counterConfig.MinConfidence
	} else {
		fc.minConfidence = DefaultMinConfidence
	}
	if fc.minConfidence < 0 || fc.minConfidence > 1 {
		return errors.New("minimum thresholding confidence must be between 0.0 and 1.0")
	}
	fc.chosenLabels = counterConfig.ChosenLabels

	direction := TopToBottom
	if counterConfig.CountingDirection != "" {
		direction, err = ParseDirection(counterConfig.CountingDirection)
		if err != nil {
			return err
		}
	}

	fc.camName = counterConfig.CameraName
	fc.cam, err = camera.FromDependencies(deps, counterConfig.CameraName)
	if err != nil {
		return errors.Wrapf(err, "unable to get camera %v for fish counter", counterConfig.CameraName)
	}
	fc.detector, err = vision.FromDependencies(deps, counterConfig.DetectorName)
	if err != nil {
		return errors.Wrapf(err, "unable to get detector %v for fish counter", counterConfig.DetectorName)
	}

	thresholdFrames := counterConfig.ThresholdFrames
	movementFrames := counterConfig.MovementFrames
	if counterConfig.AutoCalibration && thresholdFrames == 0 && movementFrames == 0 {
		thresholdFrames = DefaultThresholdFrames
		movementFrames = DefaultMovementFrames
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.tracks = tracker.New(tracker.Config{
		MinPersistence: counterConfig.MinTrackPersistence,
		MaxNoMatch:     counterConfig.MaxNoMatch,
		MinConfidence:  fc.minConfidence,
		ChosenLabels:   fc.chosenLabels,
	}, fc.logger)
	fc.session = NewSession(SessionConfig{
		Direction:           direction,
		Thresholds:          counterConfig.Thresholds,
		AutoCalibration:     counterConfig.AutoCalibration,
		ThresholdFrames:     thresholdFrames,
		MovementFrames:      movementFrames,
		MinTrackLength:      counterConfig.MinTrackLength,
		MinTrackConfidence:  counterConfig.MinTrackConfidence,
		DirectionConfidence: counterConfig.DirectionConfidence,
		MatchIoU:            counterConfig.MatchIoU,
		MatchMaxDistance:    counterConfig.MatchMaxDistance,
	}, fc.tracks, fc.sessionCallbacks(), fc.logger)
	return nil
}

// sessionCallbacks surfaces calibration transitions in the service log; the
// latest summary stays queryable through DoCommand.
func (fc *fishCounter) sessionCallbacks() Callbacks {
	return Callbacks{
		OnProgress: func(done, total int) {
			fc.logger.Debugf("calibration progress %d/%d", done, total)
		},
		OnThresholds: func(ts []float64) {
			fc.logger.Infof("calibrated thresholds: %v", ts)
		},
		OnDirection: func(d Direction) {
			fc.logger.Infof("calibrated counting direction: %s", d)
		},
		OnSummary: func(s CalibrationSummary) {
			fc.logger.Infof("calibration summary: success=%t qualified=%d warnings=%v",
				s.Success, s.QualifiedTracks, s.Warnings)
		},
	}
}

// run is a (cancelable) infinite loop that feeds camera frames through the
// detector, the tracker, and the counting session, in frame-arrival order.
func (fc *fishCounter) run(stream gostream.VideoStream, cancelableCtx context.Context) {
	for {
		select {
		case <-cancelableCtx.Done():
			return
		default:
			start := time.Now()
			img, _, err := stream.Next(cancelableCtx)
			if err != nil {
				fc.logger.Errorf("can't get image. got err: %s", err)
				continue
			}
			if img == nil {
				fc.logger.Errorf("got nil image")
				continue
			}
			bounds := img.Bounds()

			fc.mu.Lock()
			if fc.session.HandleFrame(img) {
				detections, err := fc.detector.Detections(cancelableCtx, img, nil)
				if err != nil {
					fc.mu.Unlock()
					fc.logger.Errorf("can't get detections. got err: %s", err)
					continue
				}
				live := fc.tracks.Update(detections, bounds.Dx(), bounds.Dy())
				fc.session.UpdateTracks(live)
			}
			dets := trackDetections(fc.session.CurrentTracks())
			count := fc.session.TotalCount()
			fc.mu.Unlock()

			fc.curr.mutex.Lock()
			fc.curr.detections = dets
			fc.curr.count = count
			fc.curr.mutex.Unlock()
			fc.currImg.Store(&img)

			took := time.Since(start)
			waitFor := time.Duration((1/fc.frequency)*float64(time.Second)) - took
			if waitFor > time.Microsecond {
				select {
				case <-cancelableCtx.Done():
					return
				case <-time.After(waitFor):
				}
			}
		}
	}
}

// trackDetections renders the live tracks as detections whose labels carry
// the track identity and counted state, e.g. fish_12_counted.
func trackDetections(tracks []*tracker.Track) []objdet.Detection {
	dets := make([]objdet.Detection, 0, len(tracks))
	for _, t := range tracks {
		label := trackLabelStem + "_" + strconv.Itoa(t.ID)
		if t.Counted {
			label += countedSuffix
		}
		dets = append(dets, objdet.NewDetection(t.BBox, t.Score, label))
	}
	return dets
}

func (fc *fishCounter) DetectionsFromCamera(
	ctx context.Context,
	cameraName string,
	extra map[string]interface{},
) ([]objdet.Detection, error) {
	if cameraName != fc.camName {
		return nil, errors.Errorf("Camera name given to method, %v is not the same as configured camera %v", cameraName, fc.camName)
	}
	return fc.Detections(ctx, nil, extra)
}

func (fc *fishCounter) Detections(ctx context.Context, img image.Image, extra map[string]interface{}) ([]objdet.Detection, error) {
	select {
	case <-fc.cancelContext.Done():
		return nil, fc.cancelContext.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		fc.curr.mutex.RLock()
		dets := fc.curr.detections
		fc.curr.mutex.RUnlock()
		return dets, nil
	}
}

// countClassification encodes the running total as a single classification so
// hosts can poll the count through the standard vision API.
func (fc *fishCounter) countClassification() classification.Classifications {
	fc.curr.mutex.RLock()
	count := fc.curr.count
	fc.curr.mutex.RUnlock()
	label := CountLabel + "_" + strconv.Itoa(count)
	return []classification.Classification{classification.NewClassification(1, label)}
}

func (fc *fishCounter) ClassificationsFromCamera(
	ctx context.Context,
	cameraName string,
	n int,
	extra map[string]interface{},
) (classification.Classifications, error) {
	if cameraName != fc.camName {
		return nil, errors.Errorf("Camera name given to method, %v is not the same as configured camera %v", cameraName, fc.camName)
	}
	return fc.countClassification(), nil
}

func (fc *fishCounter) Classifications(ctx context.Context, img image.Image,
	n int, extra map[string]interface{},
) (classification.Classifications, error) {
	return fc.countClassification(), nil
}

func (fc *fishCounter) GetProperties(ctx context.Context, extra map[string]interface{}) (*vision.Properties, error) {
	return &fc.properties, nil
}

func (fc *fishCounter) GetObjectPointClouds(
	ctx context.Context,
	cameraName string,
	extra map[string]interface{},
) ([]*vis.Object, error) {
	return nil, errUnimplemented
}

func (fc *fishCounter) CaptureAllFromCamera(
	ctx context.Context,
	cameraName string,
	opt viscapture.CaptureOptions,
	extra map[string]interface{},
) (viscapture.VisCapture, error) {
	var detections []objdet.Detection
	var classifications classification.Classifications
	var img image.Image
	select {
	case <-fc.cancelContext.Done():
		return viscapture.VisCapture{}, fc.cancelContext.Err()
	case <-ctx.Done():
		return viscapture.VisCapture{}, ctx.Err()
	default:
		if opt.ReturnImage {
			if cameraName != fc.camName {
				return viscapture.VisCapture{}, errors.Errorf("Camera name given to method, %v is not the same as configured camera %v", cameraName, fc.camName)
			}
			if stored := fc.currImg.Load(); stored != nil {
				img = *stored
			}
		}
		if opt.ReturnDetections {
			fc.curr.mutex.RLock()
			detections = fc.curr.detections
			fc.curr.mutex.RUnlock()
		}
		if opt.ReturnClassifications {
			classifications = fc.countClassification()
		}
	}
	return viscapture.VisCapture{Image: img, Detections: detections, Classifications: classifications}, nil
}

// DoCommand is the control surface: count, reset, calibrate, stop_calibration
// and status.
func (fc *fishCounter) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if cmd["count"] != nil {
		out["count"] = fc.session.TotalCount()
	}
	if cmd["reset"] != nil {
		fc.session.ResetCount()
		out["count"] = 0
	}
	if cmd["calibrate"] != nil {
		fc.session.SetAutoCalibration(true)
		out["calibrating"] = fc.session.CalibrationEnabled()
	}
	if cmd["stop_calibration"] != nil {
		fc.session.SetAutoCalibration(false)
		out["calibrating"] = false
	}
	if cmd["status"] != nil {
		status := map[string]interface{}{
			"count":               fc.session.TotalCount(),
			"direction":           fc.session.Direction().String(),
			"thresholds":          fc.session.Thresholds(),
			"calibration_enabled": fc.session.CalibrationEnabled(),
			"calibrated":          fc.session.Calibrated(),
		}
		if summary := fc.session.LastSummary(); summary != nil {
			status["calibration_success"] = summary.Success
			status["qualified_tracks"] = summary.QualifiedTracks
			status["warnings"] = summary.Warnings
		}
		out["status"] = status
	}
	return out, nil
}

func (fc *fishCounter) Close(ctx context.Context) error {
	fc.cancelFunc()
	fc.activeBackgroundWorkers.Wait()
	return nil
}
