// Package testhelper provides helper functions writing rig localization fixtures to disk.
package testhelper

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/rimage"
	rdkutils "go.viam.com/rdk/utils"
	"go.viam.com/test"
)

const (
	// ImageWidth is the width of the images written by WriteImageSequence.
	ImageWidth = 16
	// ImageHeight is the height of the images written by WriteImageSequence.
	ImageHeight = 12
)

// SubPose is a rig sub-pose as written in a rig calibration file.
type SubPose struct {
	// Rotation is row-major.
	Rotation [9]float64
	Center   r3.Vector
}

// IdentityRotation is the row-major identity rotation.
var IdentityRotation = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

// NewGrayImage returns a uniform greyscale image of the fixture size.
func NewGrayImage(level uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, ImageWidth, ImageHeight))
	for y := 0; y < ImageHeight; y++ {
		for x := 0; x < ImageWidth; x++ {
			img.SetGray(x, y, color.Gray{Y: level})
		}
	}
	return img
}

// WriteImageSequence writes numImages png images into dir, named so that they sort in
// sequence order, and returns their paths.
func WriteImageSequence(tb testing.TB, dir string, numImages int) []string {
	tb.Helper()
	test.That(tb, os.MkdirAll(dir, 0o750), test.ShouldBeNil)

	paths := make([]string, 0, numImages)
	for i := 0; i < numImages; i++ {
		data, err := rimage.EncodeImage(context.Background(), NewGrayImage(uint8(10*i)), rdkutils.MimeTypePNG)
		test.That(tb, err, test.ShouldBeNil)
		path := filepath.Join(dir, fmt.Sprintf("frame_%04d.png", i))
		test.That(tb, os.WriteFile(path, data, 0o600), test.ShouldBeNil)
		paths = append(paths, path)
	}
	return paths
}

// CalibrationLine formats a calibration as "width height focal ppx ppy k1 k2 k3".
func CalibrationLine(focal, k1 float64) string {
	return fmt.Sprintf("%d %d %g %g %g %g 0 0", ImageWidth, ImageHeight, focal, ImageWidth/2.0, ImageHeight/2.0, k1)
}

// WriteCalibration writes a camera calibration file for the fixture images.
func WriteCalibration(tb testing.TB, path string, focal, k1 float64) {
	tb.Helper()
	test.That(tb, os.WriteFile(path, []byte(CalibrationLine(focal, k1)+"\n"), 0o600), test.ShouldBeNil)
}

// WriteRigCalibration writes a rig calibration file holding the given sub-poses.
func WriteRigCalibration(tb testing.TB, path string, subPoses []SubPose) {
	tb.Helper()
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d\n", len(subPoses))
	for _, subPose := range subPoses {
		r := subPose.Rotation
		fmt.Fprintf(&sb, "%g %g %g\n%g %g %g\n%g %g %g\n", r[0], r[1], r[2], r[3], r[4], r[5], r[6], r[7], r[8])
		fmt.Fprintf(&sb, "%g %g %g\n", subPose.Center.X, subPose.Center.Y, subPose.Center.Z)
	}
	test.That(tb, os.WriteFile(path, []byte(sb.String()), 0o600), test.ShouldBeNil)
}

// CheckDirForExpectedFiles ensures that dir holds exactly the expected number of files
// and returns their names.
func CheckDirForExpectedFiles(tb testing.TB, dir string, expected int) []string {
	tb.Helper()
	files, err := os.ReadDir(dir)
	test.That(tb, err, test.ShouldBeNil)
	test.That(tb, len(files), test.ShouldEqual, expected)

	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name())
	}
	return names
}
