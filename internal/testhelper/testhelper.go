// Package testhelper implements injectable fakes of the rig localization collaborators
// for the purpose of testing.
package testhelper

import (
	"context"
	"fmt"
	"image"
	"net"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"
	"golang.org/x/exp/slices"
	"google.golang.org/grpc"

	riglocalizer "github.com/viamrobotics/viam-rig-localizer"
	"github.com/viamrobotics/viam-rig-localizer/rig"
)

// Intrinsics returns a valid camera model for the fake images.
func Intrinsics(focal float64) riglocalizer.Intrinsics {
	return riglocalizer.Intrinsics{
		Pinhole: &transform.PinholeCameraIntrinsics{
			Width:  16,
			Height: 12,
			Fx:     focal,
			Fy:     focal,
			Ppx:    8,
			Ppy:    6,
		},
		Distortion: &transform.BrownConrady{RadialK1: 0.001, RadialK2: 0.00004},
	}
}

// Feed is an injectable riglocalizer.FrameFeed.
type Feed struct {
	ReadFrameFunc func(ctx context.Context) (riglocalizer.Frame, bool, error)
	AdvanceFunc   func()
	CloseFunc     func() error
}

// ReadFrame calls the injected ReadFrameFunc, or reports an exhausted feed.
func (f *Feed) ReadFrame(ctx context.Context) (riglocalizer.Frame, bool, error) {
	if f.ReadFrameFunc == nil {
		return riglocalizer.Frame{}, false, nil
	}
	return f.ReadFrameFunc(ctx)
}

// Advance calls the injected AdvanceFunc.
func (f *Feed) Advance() {
	if f.AdvanceFunc != nil {
		f.AdvanceFunc()
	}
}

// Close calls the injected CloseFunc.
func (f *Feed) Close() error {
	if f.CloseFunc == nil {
		return nil
	}
	return f.CloseFunc()
}

// FrameSliceFeed is a feed over in-memory frames that counts how it is driven.
type FrameSliceFeed struct {
	Frames       []riglocalizer.Frame
	Cursor       int
	ReadCalls    int
	AdvanceCalls int
	CloseCalls   int
}

// NewCalibratedFeed returns a feed of numFrames calibrated frames for the given camera.
func NewCalibratedFeed(camID, numFrames int) *FrameSliceFeed {
	frames := make([]riglocalizer.Frame, 0, numFrames)
	for i := 0; i < numFrames; i++ {
		frames = append(frames, riglocalizer.Frame{
			Image:          image.NewGray(image.Rect(0, 0, 16, 12)),
			Intrinsics:     Intrinsics(float64(100 + camID)),
			HasCalibration: true,
			Name:           fmt.Sprintf("cam%02d/frame%04d.png", camID, i),
		})
	}
	return &FrameSliceFeed{Frames: frames}
}

// ReadFrame returns the frame under the cursor.
func (f *FrameSliceFeed) ReadFrame(ctx context.Context) (riglocalizer.Frame, bool, error) {
	f.ReadCalls++
	if f.Cursor >= len(f.Frames) {
		return riglocalizer.Frame{}, false, nil
	}
	return f.Frames[f.Cursor], true, nil
}

// Advance moves the cursor.
func (f *FrameSliceFeed) Advance() {
	f.AdvanceCalls++
	if f.Cursor < len(f.Frames) {
		f.Cursor++
	}
}

// Close counts the calls.
func (f *FrameSliceFeed) Close() error {
	f.CloseCalls++
	return nil
}

// Localizer is an injectable riglocalizer.RigLocalizer remembering its last call.
type Localizer struct {
	LocalizeRigFunc func(
		ctx context.Context,
		images []*image.Gray,
		intrinsics []riglocalizer.Intrinsics,
		subPoses []spatialmath.Pose,
		params *riglocalizer.EstimationParams,
	) (riglocalizer.LocalizationOutcome, error)
	CloseFunc func() error

	Calls          int
	LastImages     []*image.Gray
	LastIntrinsics []riglocalizer.Intrinsics
	LastSubPoses   []spatialmath.Pose
	LastParams     *riglocalizer.EstimationParams
}

// LocalizeRig records the call and forwards it to LocalizeRigFunc.
func (l *Localizer) LocalizeRig(
	ctx context.Context,
	images []*image.Gray,
	intrinsics []riglocalizer.Intrinsics,
	subPoses []spatialmath.Pose,
	params *riglocalizer.EstimationParams,
) (riglocalizer.LocalizationOutcome, error) {
	l.Calls++
	l.LastImages = images
	l.LastIntrinsics = intrinsics
	l.LastSubPoses = subPoses
	l.LastParams = params
	if l.LocalizeRigFunc == nil {
		return riglocalizer.LocalizationOutcome{}, errors.New("LocalizeRig not injected")
	}
	return l.LocalizeRigFunc(ctx, images, intrinsics, subPoses, params)
}

// Close calls the injected CloseFunc.
func (l *Localizer) Close() error {
	if l.CloseFunc == nil {
		return nil
	}
	return l.CloseFunc()
}

// RigPoseForCall is the rig pose the scripted localizer reports on the given call.
func RigPoseForCall(call int) spatialmath.Pose {
	return spatialmath.NewPose(r3.Vector{X: float64(call), Y: 1}, &spatialmath.OrientationVectorDegrees{OZ: 1, Theta: 30})
}

// NewScriptedLocalizer returns a localizer that localizes every call except the 0-based
// calls listed in failCalls. Camera poses are composed from the rig pose and sub-poses.
func NewScriptedLocalizer(failCalls ...int) *Localizer {
	l := &Localizer{}
	l.LocalizeRigFunc = func(
		ctx context.Context,
		images []*image.Gray,
		intrinsics []riglocalizer.Intrinsics,
		subPoses []spatialmath.Pose,
		params *riglocalizer.EstimationParams,
	) (riglocalizer.LocalizationOutcome, error) {
		call := l.Calls - 1
		if slices.Contains(failCalls, call) {
			return riglocalizer.LocalizationOutcome{}, nil
		}
		rigPose := RigPoseForCall(call)
		outcome := riglocalizer.LocalizationOutcome{Localized: true, RigPose: rigPose}
		for camID := range images {
			camPose := rigPose
			if camID > 0 {
				camPose = rig.CameraPose(rigPose, subPoses[camID-1])
			}
			outcome.Cameras = append(outcome.Cameras, riglocalizer.CameraResult{
				Localized:  true,
				Pose:       camPose,
				NumInliers: 50 + camID,
			})
		}
		return outcome, nil
	}
	return l
}

// SinkRecord is one record appended to a Sink.
type SinkRecord struct {
	Stream   riglocalizer.StreamID
	Gap      bool
	Keyframe riglocalizer.Keyframe
}

// Sink is a riglocalizer.TrajectorySink recording what it is given.
type Sink struct {
	Records    []SinkRecord
	AppendErr  error
	CloseErr   error
	CloseCalls int
}

// AppendKeyframe records a keyframe.
func (s *Sink) AppendKeyframe(ctx context.Context, stream riglocalizer.StreamID, kf riglocalizer.Keyframe) error {
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.Records = append(s.Records, SinkRecord{Stream: stream, Keyframe: kf})
	return nil
}

// AppendGap records a gap.
func (s *Sink) AppendGap(ctx context.Context, stream riglocalizer.StreamID) error {
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.Records = append(s.Records, SinkRecord{Stream: stream, Gap: true})
	return nil
}

// Close counts the calls.
func (s *Sink) Close() error {
	s.CloseCalls++
	return s.CloseErr
}

// Stream returns the records of one stream in order.
func (s *Sink) Stream(stream riglocalizer.StreamID) []SinkRecord {
	var records []SinkRecord
	for _, record := range s.Records {
		if record.Stream == stream {
			records = append(records, record)
		}
	}
	return records
}

// SetupTestGRPCServer returns a grpc server listening on a free port. The caller
// registers its services and calls Serve.
func SetupTestGRPCServer(tb testing.TB) (*grpc.Server, net.Listener, int) {
	listener, err := net.Listen("tcp", "localhost:0")
	test.That(tb, err, test.ShouldBeNil)
	grpcServer := grpc.NewServer()

	return grpcServer, listener, listener.Addr().(*net.TCPAddr).Port
}
