// Package feeds implements camera frame feeds over media stored on disk: image
// directories, image lists, single images and, with the gocv build tag, video files.
package feeds

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	riglocalizer "github.com/viamrobotics/viam-rig-localizer"
)

// New opens the feed of one camera. calibrationPath may be empty, in which case only the
// images of a list file carrying their own intrinsics are calibrated.
func New(mediaPath, calibrationPath string, logger golog.Logger) (riglocalizer.FrameFeed, error) {
	var calibration *riglocalizer.Intrinsics
	if calibrationPath != "" {
		intrinsics, err := ReadCalibration(calibrationPath)
		if err != nil {
			return nil, err
		}
		calibration = &intrinsics
	}

	info, err := os.Stat(mediaPath)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening media %v", mediaPath)
	}

	var entries []sequenceEntry
	switch {
	case info.IsDir():
		if entries, err = listDirectory(mediaPath); err != nil {
			return nil, err
		}
	case strings.ToLower(filepath.Ext(mediaPath)) == ".txt":
		if entries, err = readListFile(mediaPath); err != nil {
			return nil, err
		}
	case isImage(mediaPath):
		entries = []sequenceEntry{{path: mediaPath}}
	default:
		return newVideoFeed(mediaPath, calibration, logger)
	}

	if len(entries) == 0 {
		logger.Warnw("feed has no images", "media", mediaPath)
	}
	logger.Debugw("opened image feed", "media", mediaPath, "images", len(entries), "calibrated", calibration != nil)
	return &imageSequence{entries: entries, calibration: calibration}, nil
}
