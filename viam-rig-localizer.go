// Package riglocalizer localizes a calibrated multi-camera rig, frame by frame, inside a
// previously reconstructed scene.
// This is an Experimental package
package riglocalizer

import (
	"context"
	"fmt"
	"image"
	"os"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"
	"go.viam.com/rdk/rimage"
	"go.viam.com/rdk/spatialmath"
	rdkutils "go.viam.com/rdk/utils"
	"go.viam.com/slam/dataprocess"
)

var (
	// ErrCameraCountMismatch is returned when cameras and intrinsics files are not paired one to one.
	ErrCameraCountMismatch = errors.New("the number of intrinsics and the number of cameras are not the same")
	// ErrSubPoseCountMismatch is returned when the rig calibration does not hold one sub-pose per
	// non-reference camera.
	ErrSubPoseCountMismatch = errors.New("the number of rig sub-poses does not match the number of cameras")
	// ErrDesynchronizedFeeds is returned when a camera runs out of frames before the reference camera.
	ErrDesynchronizedFeeds = errors.New("camera feeds are not synchronized")
	// ErrMissingCalibration is returned when a frame comes without intrinsic calibration.
	ErrMissingCalibration = errors.New("only internally calibrated cameras are supported")
)

// Frame is a single greyscale image read from a camera feed.
type Frame struct {
	Image          *image.Gray
	Intrinsics     Intrinsics
	HasCalibration bool
	// Name identifies the frame in its media, usually the image path.
	Name string
}

// FrameFeed produces the frames of one camera of the rig.
type FrameFeed interface {
	// ReadFrame returns the frame under the feed cursor without moving it. ok is false once
	// the feed is exhausted.
	ReadFrame(ctx context.Context) (frame Frame, ok bool, err error)
	// Advance moves the cursor to the next frame.
	Advance()
	Close() error
}

// FrameBundle holds the synchronized frames of every camera for one frame index.
type FrameBundle struct {
	Images     []*image.Gray
	Intrinsics []Intrinsics
	Names      []string
}

// CameraResult is the localization result of a single camera of the rig.
type CameraResult struct {
	Localized  bool
	Pose       spatialmath.Pose
	NumInliers int
	// RefinedIntrinsics is set when the localizer refined the camera model.
	RefinedIntrinsics *Intrinsics
}

// LocalizationOutcome is the result of localizing one frame bundle. RigPose and Cameras
// are only trusted when Localized is true.
type LocalizationOutcome struct {
	Localized bool
	RigPose   spatialmath.Pose
	Cameras   []CameraResult
}

// RigLocalizer estimates the pose of the rig from one frame per camera.
type RigLocalizer interface {
	LocalizeRig(
		ctx context.Context,
		images []*image.Gray,
		intrinsics []Intrinsics,
		subPoses []spatialmath.Pose,
		params *EstimationParams,
	) (LocalizationOutcome, error)
	Close() error
}

// StreamID identifies a trajectory stream: the rig itself or one of its cameras.
type StreamID int

// RigStream is the trajectory stream of the rig reference frame.
const RigStream StreamID = -1

// CameraStream returns the trajectory stream of the given camera.
func CameraStream(camID int) StreamID {
	return StreamID(camID)
}

func (s StreamID) String() string {
	if s == RigStream {
		return "rig"
	}
	return fmt.Sprintf("cam%02d", int(s))
}

// Keyframe is a recorded pose sample of a trajectory stream.
type Keyframe struct {
	FrameIndex int
	Pose       spatialmath.Pose
	Intrinsics Intrinsics
	Source     string
}

// TrajectorySink records, for every processed frame, either a keyframe or a gap on each stream.
type TrajectorySink interface {
	AppendKeyframe(ctx context.Context, stream StreamID, kf Keyframe) error
	AppendGap(ctx context.Context, stream StreamID) error
	Close() error
}

// RigLoopConfig holds the collaborators of a RigLoop.
type RigLoopConfig struct {
	Feeds     []FrameFeed
	Localizer RigLocalizer
	// SubPoses holds the pose of camera i+1 relative to camera 0.
	SubPoses []spatialmath.Pose
	Params   *EstimationParams
	// Sink is optional.
	Sink TrajectorySink
	// FailedFrameDir, when set, receives the images of the frames that could not be localized.
	FailedFrameDir string
}

// RunSummary reports what a RigLoop processed.
type RunSummary struct {
	FramesProcessed int
	FramesLocalized int
	Statistics      RunStatistics
}

// Log prints the summary the way the end of a run is reported.
func (s RunSummary) Log(logger golog.Logger) {
	logger.Infof("Localized %d / %d images", s.FramesLocalized, s.FramesProcessed)
	latency, ok := s.Statistics.Summary()
	if !ok {
		logger.Info("no statistics available")
		return
	}
	logger.Infof("Processing took %.3f [s] overall", latency.Sum/1000)
	logger.Infof("Mean time for localization: %.3f [ms]", latency.Mean)
	logger.Infof("Max time for localization: %.3f [ms]", latency.Max)
	logger.Infof("Min time for localization: %.3f [ms]", latency.Min)
}

// RigLoop drives the camera feeds in lock-step and localizes the rig once per frame.
type RigLoop struct {
	feeds          []FrameFeed
	localizer      RigLocalizer
	subPoses       []spatialmath.Pose
	params         *EstimationParams
	sink           TrajectorySink
	failedFrameDir string
	logger         golog.Logger

	frameIndex   int
	numLocalized int
	stats        RunStatistics
	closed       bool
}

// NewRigLoop returns a loop owning the given feeds and sink. On error the caller keeps
// ownership of them.
func NewRigLoop(cfg RigLoopConfig, logger golog.Logger) (*RigLoop, error) {
	if len(cfg.Feeds) == 0 {
		return nil, errors.New("a rig needs at least one camera")
	}
	if cfg.Localizer == nil {
		return nil, errors.New("a rig loop needs a localizer")
	}
	if cfg.Params == nil {
		return nil, errors.New("a rig loop needs estimation parameters")
	}
	if len(cfg.SubPoses) != len(cfg.Feeds)-1 {
		return nil, errors.Wrapf(ErrSubPoseCountMismatch, "expected %d sub-poses for %d cameras, found %d",
			len(cfg.Feeds)-1, len(cfg.Feeds), len(cfg.SubPoses))
	}
	if cfg.FailedFrameDir != "" {
		if err := os.MkdirAll(cfg.FailedFrameDir, 0o750); err != nil {
			return nil, errors.Wrapf(err, "issue creating directory at %v", cfg.FailedFrameDir)
		}
	}
	return &RigLoop{
		feeds:          cfg.Feeds,
		localizer:      cfg.Localizer,
		subPoses:       cfg.SubPoses,
		params:         cfg.Params,
		sink:           cfg.Sink,
		failedFrameDir: cfg.FailedFrameDir,
		logger:         logger,
	}, nil
}

// Run processes frames until the reference camera runs out of images or a fatal error
// occurs. The feeds and the sink are released before returning, whatever the outcome.
// The summary covers the frames processed before any error.
func (l *RigLoop) Run(ctx context.Context) (summary RunSummary, err error) {
	ctx, span := trace.StartSpan(ctx, "riglocalizer::RigLoop::Run")
	defer span.End()

	defer func() {
		err = multierr.Combine(err, l.Close())
	}()

	for {
		if err := ctx.Err(); err != nil {
			return l.Summary(), err
		}
		processed, err := l.Step(ctx)
		if err != nil {
			return l.Summary(), err
		}
		if !processed {
			l.logger.Debugw("no more images available", "frames", l.frameIndex)
			return l.Summary(), nil
		}
	}
}

// Step processes a single frame index. It returns false when the reference camera has no
// more images.
func (l *RigLoop) Step(ctx context.Context) (bool, error) {
	ctx, span := trace.StartSpan(ctx, "riglocalizer::RigLoop::Step")
	defer span.End()

	bundle, ok, err := l.readFrameBundle(ctx)
	if err != nil || !ok {
		return false, err
	}

	l.logger.Infow("localizing frame", "frame", l.frameIndex)
	start := time.Now()
	outcome, err := l.localizer.LocalizeRig(ctx, bundle.Images, bundle.Intrinsics, l.subPoses, l.params)
	if err != nil {
		return false, errors.Wrapf(err, "error localizing frame %d", l.frameIndex)
	}
	elapsedMs := float64(time.Since(start)) / float64(time.Millisecond)
	if outcome.Localized {
		if err := l.checkOutcome(outcome); err != nil {
			return false, err
		}
	}
	l.stats.Record(elapsedMs)
	l.logger.Debugw("localization finished", "frame", l.frameIndex, "elapsed_ms", elapsedMs)

	if outcome.Localized {
		l.numLocalized++
		if err := l.recordKeyframes(ctx, bundle, outcome); err != nil {
			return false, err
		}
	} else {
		l.logger.Warnw("unable to localize frame", "frame", l.frameIndex)
		if l.failedFrameDir != "" {
			l.saveFailedFrame(ctx, bundle)
		}
		if err := l.recordGaps(ctx); err != nil {
			return false, err
		}
	}

	l.frameIndex++
	return true, nil
}

// Summary returns what has been processed so far.
func (l *RigLoop) Summary() RunSummary {
	return RunSummary{
		FramesProcessed: l.frameIndex,
		FramesLocalized: l.numLocalized,
		Statistics:      l.stats,
	}
}

// Close releases every feed and the sink. It is safe to call more than once.
func (l *RigLoop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true

	var err error
	for camID, feed := range l.feeds {
		err = multierr.Combine(err, errors.Wrapf(feed.Close(), "error closing feed of camera %d", camID))
	}
	if l.sink != nil {
		err = multierr.Combine(err, errors.Wrap(l.sink.Close(), "error closing trajectory sink"))
	}
	return err
}

// readFrameBundle reads the current frame of every camera and advances all the feeds it
// touched. Camera 0 decides the end of the sequence: any other camera running dry while
// camera 0 still has images is fatal.
func (l *RigLoop) readFrameBundle(ctx context.Context) (*FrameBundle, bool, error) {
	numCameras := len(l.feeds)
	bundle := &FrameBundle{
		Images:     make([]*image.Gray, 0, numCameras),
		Intrinsics: make([]Intrinsics, 0, numCameras),
		Names:      make([]string, 0, numCameras),
	}

	for camID, feed := range l.feeds {
		frame, ok, err := feed.ReadFrame(ctx)
		feed.Advance()
		if err != nil {
			return nil, false, errors.Wrapf(err, "error reading frame %d of camera %d", l.frameIndex, camID)
		}
		if !ok {
			if camID > 0 {
				return nil, false, errors.Wrapf(ErrDesynchronizedFeeds,
					"camera %d has no image for frame %d while other cameras do", camID, l.frameIndex)
			}
			return nil, false, nil
		}
		if !frame.HasCalibration {
			return nil, false, errors.Wrapf(ErrMissingCalibration,
				"camera %d does not have calibration for image %v", camID, frame.Name)
		}
		bundle.Images = append(bundle.Images, frame.Image)
		bundle.Intrinsics = append(bundle.Intrinsics, frame.Intrinsics)
		bundle.Names = append(bundle.Names, frame.Name)
	}
	return bundle, true, nil
}

func (l *RigLoop) checkOutcome(outcome LocalizationOutcome) error {
	if outcome.RigPose == nil {
		return errors.Errorf("localizer reported frame %d as localized without a rig pose", l.frameIndex)
	}
	if len(outcome.Cameras) != len(l.feeds) {
		return errors.Errorf("localizer returned %d camera results for %d cameras",
			len(outcome.Cameras), len(l.feeds))
	}
	for camID, cam := range outcome.Cameras {
		if cam.Pose == nil {
			return errors.Errorf("localizer returned no pose for camera %d of frame %d", camID, l.frameIndex)
		}
	}
	return nil
}

func (l *RigLoop) recordKeyframes(ctx context.Context, bundle *FrameBundle, outcome LocalizationOutcome) error {
	if l.sink == nil {
		return nil
	}
	rigKeyframe := Keyframe{
		FrameIndex: l.frameIndex,
		Pose:       outcome.RigPose,
		Intrinsics: cameraIntrinsics(bundle, outcome, 0),
		Source:     bundle.Names[0],
	}
	if err := l.sink.AppendKeyframe(ctx, RigStream, rigKeyframe); err != nil {
		return errors.Wrapf(err, "error recording rig keyframe %d", l.frameIndex)
	}
	for camID, cam := range outcome.Cameras {
		l.logger.Debugw("camera pose", "camera", camID, "position", cam.Pose.Point(), "inliers", cam.NumInliers)
		kf := Keyframe{
			FrameIndex: l.frameIndex,
			Pose:       cam.Pose,
			Intrinsics: cameraIntrinsics(bundle, outcome, camID),
			Source:     bundle.Names[camID],
		}
		if err := l.sink.AppendKeyframe(ctx, CameraStream(camID), kf); err != nil {
			return errors.Wrapf(err, "error recording keyframe %d of camera %d", l.frameIndex, camID)
		}
	}
	return nil
}

func (l *RigLoop) recordGaps(ctx context.Context) error {
	if l.sink == nil {
		return nil
	}
	if err := l.sink.AppendGap(ctx, RigStream); err != nil {
		return errors.Wrapf(err, "error recording rig gap for frame %d", l.frameIndex)
	}
	for camID := range l.feeds {
		if err := l.sink.AppendGap(ctx, CameraStream(camID)); err != nil {
			return errors.Wrapf(err, "error recording gap for frame %d of camera %d", l.frameIndex, camID)
		}
	}
	return nil
}

// saveFailedFrame writes the images of a frame that could not be localized. Failures are
// only logged.
func (l *RigLoop) saveFailedFrame(ctx context.Context, bundle *FrameBundle) {
	timeStamp := time.Now()
	for camID, img := range bundle.Images {
		data, err := rimage.EncodeImage(ctx, img, rdkutils.MimeTypePNG)
		if err != nil {
			l.logger.Warnw("error encoding failed frame", "frame", l.frameIndex, "camera", camID, "error", err)
			continue
		}
		name := fmt.Sprintf("frame%04d_%v", l.frameIndex, CameraStream(camID))
		filename := dataprocess.CreateTimestampFilename(l.failedFrameDir, name, ".png", timeStamp)
		if err := dataprocess.WriteBytesToFile(data, filename); err != nil {
			l.logger.Warnw("error saving failed frame", "filename", filename, "error", err)
		}
	}
}

// cameraIntrinsics prefers the intrinsics refined by the localizer over the queried ones.
func cameraIntrinsics(bundle *FrameBundle, outcome LocalizationOutcome, camID int) Intrinsics {
	if camID < len(outcome.Cameras) && outcome.Cameras[camID].RefinedIntrinsics != nil {
		return *outcome.Cameras[camID].RefinedIntrinsics
	}
	return bundle.Intrinsics[camID]
}
