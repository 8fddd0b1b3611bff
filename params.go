package riglocalizer

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// RobustEstimator is the robust estimation framework used for matching and resection.
type RobustEstimator string

// The supported robust estimators.
const (
	ACRansac RobustEstimator = "acransac"
	LORansac RobustEstimator = "loransac"
)

var supportedEstimators = []RobustEstimator{ACRansac, LORansac}

// loransacMinThreshold is the smallest error threshold LORansac accepts.
const loransacMinThreshold = 1e-6

// FeaturePreset is the feature extraction density.
type FeaturePreset string

// The feature extraction presets.
const (
	PresetLow    FeaturePreset = "low"
	PresetMedium FeaturePreset = "medium"
	PresetNormal FeaturePreset = "normal"
	PresetHigh   FeaturePreset = "high"
	PresetUltra  FeaturePreset = "ultra"
)

var supportedPresets = []FeaturePreset{PresetLow, PresetMedium, PresetNormal, PresetHigh, PresetUltra}

// DescriberType names a kind of image feature the localizer can match.
type DescriberType string

// The describer types.
const (
	SIFT        DescriberType = "sift"
	SIFTFloat   DescriberType = "sift_float"
	SIFTUpright DescriberType = "sift_upright"
	AKAZE       DescriberType = "akaze"
	AKAZELIOP   DescriberType = "akaze_liop"
	AKAZEMLDB   DescriberType = "akaze_mldb"
	CCTag3      DescriberType = "cctag3"
	CCTag4      DescriberType = "cctag4"
)

var supportedDescriberTypes = []DescriberType{SIFT, SIFTFloat, SIFTUpright, AKAZE, AKAZELIOP, AKAZEMLDB, CCTag3, CCTag4}

// EstimationParams is the set of pose estimation parameters shared by every localization
// of a run. It is built once and never mutated afterwards.
type EstimationParams struct {
	Preset             FeaturePreset
	MatchingEstimator  RobustEstimator
	ResectionEstimator RobustEstimator
	// ReprojectionErrorMax is in pixels. +Inf lets ACRansac pick it.
	ReprojectionErrorMax float64
	// MatchingErrorMax is in pixels. +Inf lets ACRansac pick it.
	MatchingErrorMax float64
	// AngularThreshold is in radians.
	AngularThreshold    float64
	RefineIntrinsics    bool
	UseLocalizeRigNaive bool
}

// CheckRobustEstimator validates an error threshold against the estimator it is used with
// and returns the threshold to use. ACRansac estimates the threshold itself when given 0.
func CheckRobustEstimator(estimator RobustEstimator, threshold float64) (float64, error) {
	if !slices.Contains(supportedEstimators, estimator) {
		return 0, errors.Errorf("robust estimator %q is not supported, only %v and %v are", estimator, ACRansac, LORansac)
	}
	if threshold < 0 {
		return 0, errors.Errorf("error threshold for %v cannot be negative, got %v", estimator, threshold)
	}
	switch estimator {
	case ACRansac:
		if threshold == 0 {
			return math.Inf(1), nil
		}
	case LORansac:
		if threshold <= loransacMinThreshold {
			return 0, errors.Errorf("error threshold cannot be 0 with %v estimator", LORansac)
		}
	}
	return threshold, nil
}

// ParseDescriberTypes parses a comma separated list of describer types.
func ParseDescriberTypes(list string) ([]DescriberType, error) {
	var types []DescriberType
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		describerType := DescriberType(strings.ToLower(name))
		if !slices.Contains(supportedDescriberTypes, describerType) {
			return nil, errors.Errorf("describer type %q is not supported", name)
		}
		if !slices.Contains(types, describerType) {
			types = append(types, describerType)
		}
	}
	if len(types) == 0 {
		return nil, errors.New("at least one describer type must be given")
	}
	return types, nil
}

// IsCCTag reports whether the describer type is a CCTag marker family.
func (d DescriberType) IsCCTag() bool {
	return d == CCTag3 || d == CCTag4
}
