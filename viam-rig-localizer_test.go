// Package riglocalizer_test tests the rig loop against the injectable collaborators of the
// internal testhelper package.
package riglocalizer_test

import (
	"context"
	"image"
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/goleak"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"

	riglocalizer "github.com/viamrobotics/viam-rig-localizer"
	"github.com/viamrobotics/viam-rig-localizer/internal/testhelper"
	publichelper "github.com/viamrobotics/viam-rig-localizer/testhelper"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
		goleak.IgnoreTopFunction("github.com/golang/glog.(*fileSink).flushDaemon"),
	)
}

var testParams = &riglocalizer.EstimationParams{
	Preset:               riglocalizer.PresetNormal,
	MatchingEstimator:    riglocalizer.ACRansac,
	ResectionEstimator:   riglocalizer.ACRansac,
	ReprojectionErrorMax: 4,
	MatchingErrorMax:     4,
	AngularThreshold:     0.001745,
}

type rigFixture struct {
	feeds     []*testhelper.FrameSliceFeed
	localizer *testhelper.Localizer
	sink      *testhelper.Sink
	subPoses  []spatialmath.Pose
}

func newRigFixture(framesPerCamera []int, failCalls ...int) *rigFixture {
	f := &rigFixture{
		localizer: testhelper.NewScriptedLocalizer(failCalls...),
		sink:      &testhelper.Sink{},
	}
	for camID, numFrames := range framesPerCamera {
		f.feeds = append(f.feeds, testhelper.NewCalibratedFeed(camID, numFrames))
		if camID > 0 {
			f.subPoses = append(f.subPoses, spatialmath.NewPoseFromPoint(r3.Vector{X: float64(camID) / 10}))
		}
	}
	return f
}

func (f *rigFixture) config() riglocalizer.RigLoopConfig {
	feeds := make([]riglocalizer.FrameFeed, 0, len(f.feeds))
	for _, feed := range f.feeds {
		feeds = append(feeds, feed)
	}
	return riglocalizer.RigLoopConfig{
		Feeds:     feeds,
		Localizer: f.localizer,
		SubPoses:  f.subPoses,
		Params:    testParams,
		Sink:      f.sink,
	}
}

func (f *rigFixture) checkReleased(t *testing.T) {
	t.Helper()
	for _, feed := range f.feeds {
		test.That(t, feed.CloseCalls, test.ShouldEqual, 1)
	}
	test.That(t, f.sink.CloseCalls, test.ShouldEqual, 1)
}

func TestNewRigLoop(t *testing.T) {
	logger := golog.NewTestLogger(t)

	t.Run("A rig needs one sub-pose per camera but the first", func(t *testing.T) {
		f := newRigFixture([]int{1, 1, 1})
		cfg := f.config()
		cfg.SubPoses = cfg.SubPoses[:1]
		_, err := riglocalizer.NewRigLoop(cfg, logger)
		test.That(t, errors.Is(err, riglocalizer.ErrSubPoseCountMismatch), test.ShouldBeTrue)
	})

	t.Run("A rig needs at least one camera", func(t *testing.T) {
		f := newRigFixture(nil)
		_, err := riglocalizer.NewRigLoop(f.config(), logger)
		test.That(t, err, test.ShouldBeError, errors.New("a rig needs at least one camera"))
	})

	t.Run("A rig loop needs a localizer and parameters", func(t *testing.T) {
		f := newRigFixture([]int{1})
		cfg := f.config()
		cfg.Localizer = nil
		_, err := riglocalizer.NewRigLoop(cfg, logger)
		test.That(t, err, test.ShouldNotBeNil)

		cfg = f.config()
		cfg.Params = nil
		_, err = riglocalizer.NewRigLoop(cfg, logger)
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestRigLoopRun(t *testing.T) {
	logger := golog.NewTestLogger(t)

	t.Run("Every frame of synchronized feeds is localized and recorded", func(t *testing.T) {
		f := newRigFixture([]int{3, 3})
		loop, err := riglocalizer.NewRigLoop(f.config(), logger)
		test.That(t, err, test.ShouldBeNil)

		summary, err := loop.Run(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, summary.FramesProcessed, test.ShouldEqual, 3)
		test.That(t, summary.FramesLocalized, test.ShouldEqual, 3)
		test.That(t, summary.Statistics.Count(), test.ShouldEqual, 3)
		test.That(t, f.localizer.Calls, test.ShouldEqual, 3)

		test.That(t, f.sink.Records, test.ShouldHaveLength, 9)
		for frameIndex := 0; frameIndex < 3; frameIndex++ {
			records := f.sink.Records[3*frameIndex : 3*frameIndex+3]
			test.That(t, records[0].Stream, test.ShouldEqual, riglocalizer.RigStream)
			test.That(t, records[1].Stream, test.ShouldEqual, riglocalizer.CameraStream(0))
			test.That(t, records[2].Stream, test.ShouldEqual, riglocalizer.CameraStream(1))
			for _, record := range records {
				test.That(t, record.Gap, test.ShouldBeFalse)
				test.That(t, record.Keyframe.FrameIndex, test.ShouldEqual, frameIndex)
			}
			rigPose := testhelper.RigPoseForCall(frameIndex)
			test.That(t, spatialmath.PoseAlmostEqual(records[0].Keyframe.Pose, rigPose), test.ShouldBeTrue)
			test.That(t, records[0].Keyframe.Intrinsics, test.ShouldResemble, f.feeds[0].Frames[frameIndex].Intrinsics)
			test.That(t, records[0].Keyframe.Source, test.ShouldEqual, f.feeds[0].Frames[frameIndex].Name)
			test.That(t, records[2].Keyframe.Intrinsics, test.ShouldResemble, f.feeds[1].Frames[frameIndex].Intrinsics)
			camPose := spatialmath.Compose(rigPose, f.subPoses[0])
			test.That(t, spatialmath.PoseAlmostEqual(records[2].Keyframe.Pose, camPose), test.ShouldBeTrue)
		}
		f.checkReleased(t)
	})

	t.Run("A camera running out of frames before camera 0 is fatal", func(t *testing.T) {
		f := newRigFixture([]int{5, 2})
		loop, err := riglocalizer.NewRigLoop(f.config(), logger)
		test.That(t, err, test.ShouldBeNil)

		summary, err := loop.Run(context.Background())
		test.That(t, errors.Is(err, riglocalizer.ErrDesynchronizedFeeds), test.ShouldBeTrue)
		test.That(t, summary.FramesProcessed, test.ShouldEqual, 2)
		test.That(t, summary.FramesLocalized, test.ShouldEqual, 2)
		test.That(t, f.localizer.Calls, test.ShouldEqual, 2)
		test.That(t, f.sink.Records, test.ShouldHaveLength, 6)
		f.checkReleased(t)
	})

	t.Run("Camera 0 running out of frames ends the run cleanly", func(t *testing.T) {
		f := newRigFixture([]int{2, 5})
		loop, err := riglocalizer.NewRigLoop(f.config(), logger)
		test.That(t, err, test.ShouldBeNil)

		summary, err := loop.Run(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, summary.FramesProcessed, test.ShouldEqual, 2)
		// the other cameras are not read once camera 0 is exhausted
		test.That(t, f.feeds[1].ReadCalls, test.ShouldEqual, 2)
		f.checkReleased(t)
	})

	t.Run("Every read feed is advanced even when it yields nothing", func(t *testing.T) {
		f := newRigFixture([]int{3, 1})
		loop, err := riglocalizer.NewRigLoop(f.config(), logger)
		test.That(t, err, test.ShouldBeNil)

		_, err = loop.Run(context.Background())
		test.That(t, errors.Is(err, riglocalizer.ErrDesynchronizedFeeds), test.ShouldBeTrue)
		for _, feed := range f.feeds {
			test.That(t, feed.AdvanceCalls, test.ShouldEqual, feed.ReadCalls)
		}
	})

	t.Run("A frame without calibration is fatal before localization", func(t *testing.T) {
		f := newRigFixture([]int{2, 2})
		f.feeds[1].Frames[0].HasCalibration = false
		loop, err := riglocalizer.NewRigLoop(f.config(), logger)
		test.That(t, err, test.ShouldBeNil)

		summary, err := loop.Run(context.Background())
		test.That(t, errors.Is(err, riglocalizer.ErrMissingCalibration), test.ShouldBeTrue)
		test.That(t, err.Error(), test.ShouldContainSubstring, "camera 1")
		test.That(t, f.localizer.Calls, test.ShouldEqual, 0)
		test.That(t, summary.FramesProcessed, test.ShouldEqual, 0)
		test.That(t, f.sink.Records, test.ShouldHaveLength, 0)
		f.checkReleased(t)
	})

	t.Run("A frame that cannot be localized becomes a gap on every stream", func(t *testing.T) {
		observedLogger, logs := golog.NewObservedTestLogger(t)
		f := newRigFixture([]int{3, 3}, 2)
		loop, err := riglocalizer.NewRigLoop(f.config(), observedLogger)
		test.That(t, err, test.ShouldBeNil)

		summary, err := loop.Run(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, summary.FramesProcessed, test.ShouldEqual, 3)
		test.That(t, summary.FramesLocalized, test.ShouldEqual, 2)
		test.That(t, summary.Statistics.Count(), test.ShouldEqual, 3)

		for _, stream := range []riglocalizer.StreamID{riglocalizer.RigStream, 0, 1} {
			records := f.sink.Stream(stream)
			test.That(t, records, test.ShouldHaveLength, 3)
			test.That(t, records[0].Gap, test.ShouldBeFalse)
			test.That(t, records[1].Gap, test.ShouldBeFalse)
			test.That(t, records[2].Gap, test.ShouldBeTrue)
		}

		warnings := logs.FilterMessage("unable to localize frame").All()
		test.That(t, warnings, test.ShouldHaveLength, 1)
		test.That(t, warnings[0].ContextMap()["frame"], test.ShouldEqual, int64(2))
	})

	t.Run("Empty feeds process nothing and have no statistics", func(t *testing.T) {
		f := newRigFixture([]int{0, 0})
		loop, err := riglocalizer.NewRigLoop(f.config(), logger)
		test.That(t, err, test.ShouldBeNil)

		summary, err := loop.Run(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, summary.FramesProcessed, test.ShouldEqual, 0)
		_, ok := summary.Statistics.Summary()
		test.That(t, ok, test.ShouldBeFalse)
		test.That(t, f.localizer.Calls, test.ShouldEqual, 0)
		test.That(t, f.sink.Records, test.ShouldHaveLength, 0)
		f.checkReleased(t)
	})

	t.Run("Without a sink only the side records change", func(t *testing.T) {
		f := newRigFixture([]int{3, 3}, 1)
		cfg := f.config()
		cfg.Sink = nil
		loop, err := riglocalizer.NewRigLoop(cfg, logger)
		test.That(t, err, test.ShouldBeNil)

		summary, err := loop.Run(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, summary.FramesProcessed, test.ShouldEqual, 3)
		test.That(t, summary.FramesLocalized, test.ShouldEqual, 2)
		test.That(t, f.sink.Records, test.ShouldHaveLength, 0)
		test.That(t, f.sink.CloseCalls, test.ShouldEqual, 0)
	})

	t.Run("A single camera rig needs no sub-pose", func(t *testing.T) {
		f := newRigFixture([]int{2})
		loop, err := riglocalizer.NewRigLoop(f.config(), logger)
		test.That(t, err, test.ShouldBeNil)

		summary, err := loop.Run(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, summary.FramesLocalized, test.ShouldEqual, 2)
		test.That(t, f.localizer.LastSubPoses, test.ShouldHaveLength, 0)
		test.That(t, f.sink.Records, test.ShouldHaveLength, 4)
	})

	t.Run("The same parameters and sub-poses are given to every localization", func(t *testing.T) {
		f := newRigFixture([]int{2, 2, 2})
		loop, err := riglocalizer.NewRigLoop(f.config(), logger)
		test.That(t, err, test.ShouldBeNil)

		var seen []*riglocalizer.EstimationParams
		scripted := f.localizer.LocalizeRigFunc
		f.localizer.LocalizeRigFunc = func(
			ctx context.Context,
			images []*image.Gray,
			intrinsics []riglocalizer.Intrinsics,
			subPoses []spatialmath.Pose,
			params *riglocalizer.EstimationParams,
		) (riglocalizer.LocalizationOutcome, error) {
			seen = append(seen, params)
			test.That(t, images, test.ShouldHaveLength, 3)
			test.That(t, intrinsics, test.ShouldHaveLength, 3)
			test.That(t, subPoses, test.ShouldHaveLength, 2)
			return scripted(ctx, images, intrinsics, subPoses, params)
		}

		_, err = loop.Run(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, seen, test.ShouldHaveLength, 2)
		test.That(t, seen[0], test.ShouldEqual, testParams)
		test.That(t, seen[1], test.ShouldEqual, testParams)
		test.That(t, testParams.ReprojectionErrorMax, test.ShouldEqual, 4.0)
	})

	t.Run("Refined intrinsics are what gets recorded", func(t *testing.T) {
		f := newRigFixture([]int{1, 1})
		refined := testhelper.Intrinsics(321)
		scripted := f.localizer.LocalizeRigFunc
		f.localizer.LocalizeRigFunc = func(
			ctx context.Context,
			images []*image.Gray,
			intrinsics []riglocalizer.Intrinsics,
			subPoses []spatialmath.Pose,
			params *riglocalizer.EstimationParams,
		) (riglocalizer.LocalizationOutcome, error) {
			outcome, err := scripted(ctx, images, intrinsics, subPoses, params)
			outcome.Cameras[1].RefinedIntrinsics = &refined
			return outcome, err
		}
		loop, err := riglocalizer.NewRigLoop(f.config(), logger)
		test.That(t, err, test.ShouldBeNil)

		_, err = loop.Run(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, f.sink.Stream(1)[0].Keyframe.Intrinsics, test.ShouldResemble, refined)
		test.That(t, f.sink.Stream(0)[0].Keyframe.Intrinsics, test.ShouldResemble, f.feeds[0].Frames[0].Intrinsics)
	})

	t.Run("A localizer error is fatal", func(t *testing.T) {
		f := newRigFixture([]int{3, 3})
		f.localizer.LocalizeRigFunc = func(
			ctx context.Context,
			images []*image.Gray,
			intrinsics []riglocalizer.Intrinsics,
			subPoses []spatialmath.Pose,
			params *riglocalizer.EstimationParams,
		) (riglocalizer.LocalizationOutcome, error) {
			return riglocalizer.LocalizationOutcome{}, errors.New("connection lost")
		}
		loop, err := riglocalizer.NewRigLoop(f.config(), logger)
		test.That(t, err, test.ShouldBeNil)

		summary, err := loop.Run(context.Background())
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "connection lost")
		test.That(t, summary.FramesProcessed, test.ShouldEqual, 0)
		test.That(t, summary.Statistics.Count(), test.ShouldEqual, 0)
		f.checkReleased(t)
	})

	t.Run("A localized outcome missing cameras is fatal", func(t *testing.T) {
		f := newRigFixture([]int{1, 1})
		f.localizer.LocalizeRigFunc = func(
			ctx context.Context,
			images []*image.Gray,
			intrinsics []riglocalizer.Intrinsics,
			subPoses []spatialmath.Pose,
			params *riglocalizer.EstimationParams,
		) (riglocalizer.LocalizationOutcome, error) {
			return riglocalizer.LocalizationOutcome{Localized: true, RigPose: spatialmath.NewZeroPose()}, nil
		}
		loop, err := riglocalizer.NewRigLoop(f.config(), logger)
		test.That(t, err, test.ShouldBeNil)

		summary, err := loop.Run(context.Background())
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "0 camera results for 2 cameras")
		test.That(t, summary.FramesProcessed, test.ShouldEqual, 0)
		test.That(t, summary.Statistics.Count(), test.ShouldEqual, summary.FramesProcessed)
	})

	t.Run("A feed read error is fatal and the feed is still advanced", func(t *testing.T) {
		var advanceCalls, closeCalls int
		feed := &testhelper.Feed{
			ReadFrameFunc: func(ctx context.Context) (riglocalizer.Frame, bool, error) {
				return riglocalizer.Frame{}, false, errors.New("corrupt image")
			},
			AdvanceFunc: func() { advanceCalls++ },
			CloseFunc: func() error {
				closeCalls++
				return nil
			},
		}
		fake := testhelper.NewScriptedLocalizer()
		loop, err := riglocalizer.NewRigLoop(riglocalizer.RigLoopConfig{
			Feeds:     []riglocalizer.FrameFeed{feed},
			Localizer: fake,
			Params:    testParams,
		}, logger)
		test.That(t, err, test.ShouldBeNil)

		summary, err := loop.Run(context.Background())
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "error reading frame 0 of camera 0: corrupt image")
		test.That(t, summary.FramesProcessed, test.ShouldEqual, 0)
		test.That(t, fake.Calls, test.ShouldEqual, 0)
		test.That(t, advanceCalls, test.ShouldEqual, 1)
		test.That(t, closeCalls, test.ShouldEqual, 1)
	})

	t.Run("A sink error is fatal", func(t *testing.T) {
		f := newRigFixture([]int{3, 3})
		f.sink.AppendErr = errors.New("disk full")
		loop, err := riglocalizer.NewRigLoop(f.config(), logger)
		test.That(t, err, test.ShouldBeNil)

		summary, err := loop.Run(context.Background())
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "disk full")
		test.That(t, summary.FramesProcessed, test.ShouldEqual, 0)
		f.checkReleased(t)
	})

	t.Run("Release errors are reported with the run result", func(t *testing.T) {
		f := newRigFixture([]int{1})
		f.sink.CloseErr = errors.New("flush failed")
		loop, err := riglocalizer.NewRigLoop(f.config(), logger)
		test.That(t, err, test.ShouldBeNil)

		summary, err := loop.Run(context.Background())
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "flush failed")
		test.That(t, summary.FramesLocalized, test.ShouldEqual, 1)
		test.That(t, loop.Close(), test.ShouldBeNil)
		test.That(t, f.sink.CloseCalls, test.ShouldEqual, 1)
	})

	t.Run("A cancelled context stops the run between frames", func(t *testing.T) {
		f := newRigFixture([]int{3, 3})
		loop, err := riglocalizer.NewRigLoop(f.config(), logger)
		test.That(t, err, test.ShouldBeNil)

		ctx, cancel := context.WithCancel(context.Background())
		processed, err := loop.Step(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, processed, test.ShouldBeTrue)
		cancel()

		summary, err := loop.Run(ctx)
		test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
		test.That(t, summary.FramesProcessed, test.ShouldEqual, 1)
		f.checkReleased(t)
	})

	t.Run("Images of frames that cannot be localized are saved for inspection", func(t *testing.T) {
		f := newRigFixture([]int{3, 3}, 0, 2)
		cfg := f.config()
		cfg.FailedFrameDir = filepath.Join(t.TempDir(), "failed")
		loop, err := riglocalizer.NewRigLoop(cfg, logger)
		test.That(t, err, test.ShouldBeNil)

		_, err = loop.Run(context.Background())
		test.That(t, err, test.ShouldBeNil)
		names := publichelper.CheckDirForExpectedFiles(t, cfg.FailedFrameDir, 4)
		test.That(t, names[0], test.ShouldStartWith, "frame0000_cam00")
		test.That(t, names[3], test.ShouldStartWith, "frame0002_cam01")
	})
}

func TestRunSummaryLog(t *testing.T) {
	t.Run("The summary reports localized frames and latencies", func(t *testing.T) {
		logger, logs := golog.NewObservedTestLogger(t)
		var stats riglocalizer.RunStatistics
		stats.Record(10)
		stats.Record(30)
		riglocalizer.RunSummary{FramesProcessed: 3, FramesLocalized: 2, Statistics: stats}.Log(logger)

		test.That(t, logs.FilterMessage("Localized 2 / 3 images").Len(), test.ShouldEqual, 1)
		test.That(t, logs.FilterMessage("Processing took 0.040 [s] overall").Len(), test.ShouldEqual, 1)
		test.That(t, logs.FilterMessage("Mean time for localization: 20.000 [ms]").Len(), test.ShouldEqual, 1)
		test.That(t, logs.FilterMessage("Max time for localization: 30.000 [ms]").Len(), test.ShouldEqual, 1)
		test.That(t, logs.FilterMessage("Min time for localization: 10.000 [ms]").Len(), test.ShouldEqual, 1)
	})

	t.Run("Without samples there are no statistics", func(t *testing.T) {
		logger, logs := golog.NewObservedTestLogger(t)
		riglocalizer.RunSummary{}.Log(logger)

		test.That(t, logs.FilterMessage("Localized 0 / 0 images").Len(), test.ShouldEqual, 1)
		test.That(t, logs.FilterMessage("no statistics available").Len(), test.ShouldEqual, 1)
	})
}

func TestStreamID(t *testing.T) {
	test.That(t, riglocalizer.RigStream.String(), test.ShouldEqual, "rig")
	test.That(t, riglocalizer.CameraStream(0).String(), test.ShouldEqual, "cam00")
	test.That(t, riglocalizer.CameraStream(12).String(), test.ShouldEqual, "cam12")
}
