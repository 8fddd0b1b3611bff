package feeds

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.viam.com/rdk/rimage/transform"

	riglocalizer "github.com/viamrobotics/viam-rig-localizer"
)

// calibrationFieldCount is the number of values of a calibration: width height focal
// ppx ppy k1 k2 k3.
const calibrationFieldCount = 8

// ReadCalibration reads a camera calibration file holding
// "width height focal ppx ppy k1 k2 k3".
func ReadCalibration(path string) (riglocalizer.Intrinsics, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return riglocalizer.Intrinsics{}, errors.Wrapf(err, "error reading calibration %v", path)
	}
	intrinsics, err := ParseCalibration(strings.Fields(string(data)))
	if err != nil {
		return riglocalizer.Intrinsics{}, errors.Wrapf(err, "invalid calibration %v", path)
	}
	return intrinsics, nil
}

// ParseCalibration builds intrinsics from the fields of a calibration.
func ParseCalibration(fields []string) (riglocalizer.Intrinsics, error) {
	if len(fields) != calibrationFieldCount {
		return riglocalizer.Intrinsics{}, errors.Errorf("expected %d calibration values, found %d",
			calibrationFieldCount, len(fields))
	}
	width, err := strconv.Atoi(fields[0])
	if err != nil {
		return riglocalizer.Intrinsics{}, errors.Wrap(err, "invalid width")
	}
	height, err := strconv.Atoi(fields[1])
	if err != nil {
		return riglocalizer.Intrinsics{}, errors.Wrap(err, "invalid height")
	}
	values := make([]float64, calibrationFieldCount-2)
	for i, field := range fields[2:] {
		if values[i], err = strconv.ParseFloat(field, 64); err != nil {
			return riglocalizer.Intrinsics{}, errors.Wrapf(err, "invalid calibration value %q", field)
		}
	}

	intrinsics := riglocalizer.Intrinsics{
		Pinhole: &transform.PinholeCameraIntrinsics{
			Width:  width,
			Height: height,
			Fx:     values[0],
			Fy:     values[0],
			Ppx:    values[1],
			Ppy:    values[2],
		},
		Distortion: &transform.BrownConrady{
			RadialK1: values[3],
			RadialK2: values[4],
			RadialK3: values[5],
		},
	}
	if err := intrinsics.CheckValid(); err != nil {
		return riglocalizer.Intrinsics{}, err
	}
	return intrinsics, nil
}
