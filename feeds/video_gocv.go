//go:build gocv
// +build gocv

package feeds

import (
	"context"
	"fmt"
	"image"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"
	"gocv.io/x/gocv"

	riglocalizer "github.com/viamrobotics/viam-rig-localizer"
)

// videoFeed decodes a video file frame by frame.
type videoFeed struct {
	path        string
	calibration *riglocalizer.Intrinsics
	logger      golog.Logger

	capture *gocv.VideoCapture
	frame   gocv.Mat
	gray    gocv.Mat
	current *image.Gray
	index   int
	ended   bool
}

func newVideoFeed(path string, calibration *riglocalizer.Intrinsics, logger golog.Logger) (riglocalizer.FrameFeed, error) {
	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening video %v", path)
	}
	if !capture.IsOpened() {
		return nil, multierr.Combine(errors.Errorf("unable to decode video %v", path), capture.Close())
	}
	logger.Debugw("opened video feed", "media", path, "calibrated", calibration != nil)
	return &videoFeed{
		path:        path,
		calibration: calibration,
		logger:      logger,
		capture:     capture,
		frame:       gocv.NewMat(),
		gray:        gocv.NewMat(),
	}, nil
}

func (v *videoFeed) ReadFrame(ctx context.Context) (riglocalizer.Frame, bool, error) {
	_, span := trace.StartSpan(ctx, "feeds::videoFeed::ReadFrame")
	defer span.End()

	if v.current == nil && !v.ended {
		if !v.grab() {
			return riglocalizer.Frame{}, false, nil
		}
		if err := gocv.CvtColor(v.frame, &v.gray, gocv.ColorBGRToGray); err != nil {
			return riglocalizer.Frame{}, false, errors.Wrapf(err, "error converting frame %d of %v", v.index, v.path)
		}
		img, err := v.gray.ToImage()
		if err != nil {
			return riglocalizer.Frame{}, false, errors.Wrapf(err, "error converting frame %d of %v", v.index, v.path)
		}
		v.current = riglocalizer.ToGray(img)
	}
	if v.ended {
		return riglocalizer.Frame{}, false, nil
	}

	frame := riglocalizer.Frame{Image: v.current, Name: fmt.Sprintf("%s:%06d", v.path, v.index)}
	if v.calibration != nil {
		frame.Intrinsics, frame.HasCalibration = *v.calibration, true
	}
	return frame, true, nil
}

func (v *videoFeed) Advance() {
	if v.ended {
		return
	}
	// skip a frame that was never read
	if v.current == nil && !v.grab() {
		return
	}
	v.current = nil
	v.index++
}

func (v *videoFeed) grab() bool {
	if ok := v.capture.Read(&v.frame); !ok || v.frame.Empty() {
		v.ended = true
		v.logger.Debugw("end of video", "media", v.path, "frames", v.index)
		return false
	}
	return true
}

func (v *videoFeed) Close() error {
	return multierr.Combine(v.frame.Close(), v.gray.Close(), v.capture.Close())
}
