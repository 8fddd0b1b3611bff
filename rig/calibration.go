// Package rig loads the calibration of a multi-camera rig.
package rig

import (
	"bufio"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"

	riglocalizer "github.com/viamrobotics/viam-rig-localizer"
)

// rotationTolerance bounds how far a parsed rotation may be from orthonormal.
const rotationTolerance = 1e-3

// LoadSubPoses reads the pose of every camera relative to camera 0 from a rig calibration
// file. A rig of a single camera has no sub-pose and no file is read.
func LoadSubPoses(path string, numCameras int) ([]spatialmath.Pose, error) {
	if numCameras < 1 {
		return nil, errors.Errorf("a rig needs at least one camera, got %d", numCameras)
	}
	if numCameras == 1 {
		return []spatialmath.Pose{}, nil
	}
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening rig calibration %v", path)
	}
	defer f.Close()

	subPoses, err := ParseSubPoses(f)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading rig calibration %v", path)
	}
	if len(subPoses) != numCameras-1 {
		return nil, errors.Wrapf(riglocalizer.ErrSubPoseCountMismatch,
			"%v holds %d sub-poses for a rig of %d cameras", path, len(subPoses), numCameras)
	}
	return subPoses, nil
}

// ParseSubPoses parses a whitespace separated rig calibration: the number of poses, then
// for every pose its row-major 3x3 rotation followed by its center.
func ParseSubPoses(r io.Reader) ([]spatialmath.Pose, error) {
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanWords)

	numPoses, err := nextInt(scanner)
	if err != nil {
		return nil, errors.Wrap(err, "error reading the number of poses")
	}
	if numPoses < 0 {
		return nil, errors.Errorf("invalid number of poses %d", numPoses)
	}

	// the count is untrusted until every pose is read
	var subPoses []spatialmath.Pose
	for i := 0; i < numPoses; i++ {
		values := make([]float64, 12)
		for j := range values {
			if values[j], err = nextFloat(scanner); err != nil {
				return nil, errors.Wrapf(err, "error reading pose %d", i)
			}
		}
		pose, err := newSubPose(values[:9], r3.Vector{X: values[9], Y: values[10], Z: values[11]})
		if err != nil {
			return nil, errors.Wrapf(err, "invalid pose %d", i)
		}
		subPoses = append(subPoses, pose)
	}
	return subPoses, nil
}

// CameraPose returns the pose of a camera given the pose of the rig and the camera sub-pose.
func CameraPose(rigPose, subPose spatialmath.Pose) spatialmath.Pose {
	return spatialmath.Compose(rigPose, subPose)
}

func newSubPose(rotation []float64, center r3.Vector) (spatialmath.Pose, error) {
	if err := checkRotation(rotation); err != nil {
		return nil, err
	}
	orientation, err := spatialmath.NewRotationMatrix(rotation)
	if err != nil {
		return nil, err
	}
	return spatialmath.NewPose(center, orientation), nil
}

func checkRotation(rotation []float64) error {
	r := mat.NewDense(3, 3, rotation)
	if det := mat.Det(r); math.Abs(det-1) > rotationTolerance {
		return errors.Errorf("rotation determinant is %v, expected 1", det)
	}
	var rrt mat.Dense
	rrt.Mul(r, r.T())
	if !mat.EqualApprox(&rrt, mat.NewDiagDense(3, []float64{1, 1, 1}), rotationTolerance) {
		return errors.New("rotation is not orthonormal")
	}
	return nil
}

func nextInt(scanner *bufio.Scanner) (int, error) {
	token, err := nextToken(scanner)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(token)
}

func nextFloat(scanner *bufio.Scanner) (float64, error) {
	token, err := nextToken(scanner)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(token, 64)
}

func nextToken(scanner *bufio.Scanner) (string, error) {
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", io.ErrUnexpectedEOF
	}
	return scanner.Text(), nil
}
