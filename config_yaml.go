package riglocalizer

import (
	"os"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/rdk/utils"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v2"
)

// Defaults of the optional configuration keys.
const (
	DefaultReprojectionError   = 4.0
	DefaultMatchingError       = 4.0
	DefaultAngularThresholdDeg = 0.1
	DefaultDescriberTypes      = "sift"
	DefaultVocTreeAlgorithm    = "AllResults"
	DefaultNbImageMatch        = 4
	DefaultMaxResults          = 10
	DefaultNNearestKeyFrames   = 5
)

var supportedVocTreeAlgorithms = []string{"FirstBest", "AllResults"}

// Config is the run configuration of a rig localization, read from yaml.
type Config struct {
	SfMData        string `yaml:"sfm_data"`
	DescriptorPath string `yaml:"descriptor_path"`
	// MediaPaths holds one image directory, image list, image or video per camera.
	MediaPaths []string `yaml:"media_paths"`
	// CameraIntrinsics holds one calibration file per camera. An entry can be empty when
	// the media is a list file carrying per-image intrinsics.
	CameraIntrinsics []string `yaml:"camera_intrinsics"`
	RigCalibration   string   `yaml:"rig_calibration"`

	MatchDescTypes      string   `yaml:"match_desc_types"`
	Preset              string   `yaml:"preset"`
	ResectionEstimator  string   `yaml:"resection_estimator"`
	MatchingEstimator   string   `yaml:"matching_estimator"`
	RefineIntrinsics    bool     `yaml:"refine_intrinsics"`
	UseLocalizeRigNaive bool     `yaml:"use_localize_rig_naive"`
	ReprojectionError   *float64 `yaml:"reprojection_error"`
	MatchingError       *float64 `yaml:"matching_error"`
	AngularThresholdDeg *float64 `yaml:"angular_threshold"`

	VocTree   VocTreeConfig          `yaml:"voctree"`
	CCTag     CCTagConfig            `yaml:"cctag"`
	Localizer LocalizerProcessConfig `yaml:"localizer"`

	// OutputTrajectory is the sqlite file receiving the trajectory. Empty disables it.
	OutputTrajectory string `yaml:"output_trajectory"`
	FailedFrameDir   string `yaml:"failed_frame_dir"`
}

// VocTreeConfig holds the parameters of the vocabulary tree localizer.
type VocTreeConfig struct {
	Tree         string `yaml:"tree"`
	Weights      string `yaml:"weights"`
	Algorithm    string `yaml:"algorithm"`
	NbImageMatch *int   `yaml:"nb_image_match"`
	MaxResults   *int   `yaml:"max_results"`
}

// CCTagConfig holds the parameters of the CCTag localizer.
type CCTagConfig struct {
	NNearestKeyFrames *int `yaml:"n_nearest_key_frames"`
}

// LocalizerProcessConfig tells where the localization server runs.
type LocalizerProcessConfig struct {
	// Executable, when set, is launched and managed for the duration of the run.
	Executable string `yaml:"executable"`
	// Address of the server. localhost:0 lets a launched server pick its port.
	Address string `yaml:"address"`
}

// LoadConfig reads a yaml run configuration, fills in the defaults and validates it.
func LoadConfig(path string, logger golog.Logger) (*Config, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading config %v", path)
	}
	cfg, err := ParseConfig(data, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid config %v", path)
	}
	return cfg, nil
}

// ParseConfig parses a yaml run configuration, fills in the defaults and validates it.
func ParseConfig(data []byte, logger golog.Logger) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "error while unmarshaling yaml")
	}
	cfg.applyDefaults(logger)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults(logger golog.Logger) {
	if cfg.MatchDescTypes == "" {
		logger.Debugf("Parameter %s not found, using default value %s", "match_desc_types", DefaultDescriberTypes)
		cfg.MatchDescTypes = DefaultDescriberTypes
	}
	if cfg.Preset == "" {
		logger.Debugf("Parameter %s not found, using default value %s", "preset", PresetNormal)
		cfg.Preset = string(PresetNormal)
	}
	if cfg.ResectionEstimator == "" {
		logger.Debugf("Parameter %s not found, using default value %s", "resection_estimator", ACRansac)
		cfg.ResectionEstimator = string(ACRansac)
	}
	if cfg.MatchingEstimator == "" {
		logger.Debugf("Parameter %s not found, using default value %s", "matching_estimator", ACRansac)
		cfg.MatchingEstimator = string(ACRansac)
	}
	if cfg.VocTree.Algorithm == "" {
		logger.Debugf("Parameter %s not found, using default value %s", "voctree.algorithm", DefaultVocTreeAlgorithm)
		cfg.VocTree.Algorithm = DefaultVocTreeAlgorithm
	}
	cfg.ReprojectionError = defaultFloat(logger, "reprojection_error", cfg.ReprojectionError, DefaultReprojectionError)
	cfg.MatchingError = defaultFloat(logger, "matching_error", cfg.MatchingError, DefaultMatchingError)
	cfg.AngularThresholdDeg = defaultFloat(logger, "angular_threshold", cfg.AngularThresholdDeg, DefaultAngularThresholdDeg)
	cfg.VocTree.NbImageMatch = defaultInt(logger, "voctree.nb_image_match", cfg.VocTree.NbImageMatch, DefaultNbImageMatch)
	cfg.VocTree.MaxResults = defaultInt(logger, "voctree.max_results", cfg.VocTree.MaxResults, DefaultMaxResults)
	cfg.CCTag.NNearestKeyFrames = defaultInt(logger, "cctag.n_nearest_key_frames", cfg.CCTag.NNearestKeyFrames,
		DefaultNNearestKeyFrames)
}

func defaultInt(logger golog.Logger, key string, val *int, def int) *int {
	if val != nil {
		return val
	}
	logger.Debugf("Parameter %s not found, using default value %d", key, def)
	return &def
}

func defaultFloat(logger golog.Logger, key string, val *float64, def float64) *float64 {
	if val != nil {
		return val
	}
	logger.Debugf("Parameter %s not found, using default value %f", key, def)
	return &def
}

// Validate checks the configuration. It expects the defaults to be filled in.
func (cfg *Config) Validate() error {
	if cfg.SfMData == "" {
		return errors.New("sfm_data is required")
	}
	if len(cfg.MediaPaths) == 0 {
		return errors.New("at least one camera is required in media_paths")
	}
	if len(cfg.MediaPaths) != len(cfg.CameraIntrinsics) {
		return errors.Wrapf(ErrCameraCountMismatch, "found %d media paths and %d intrinsics",
			len(cfg.MediaPaths), len(cfg.CameraIntrinsics))
	}
	if len(cfg.MediaPaths) > 1 && cfg.RigCalibration == "" {
		return errors.Errorf("rig_calibration is required for a rig of %d cameras", len(cfg.MediaPaths))
	}
	if _, err := ParseDescriberTypes(cfg.MatchDescTypes); err != nil {
		return err
	}
	if !slices.Contains(supportedPresets, FeaturePreset(cfg.Preset)) {
		return errors.Errorf("preset %q is not supported, expected one of %v", cfg.Preset, supportedPresets)
	}
	if !slices.Contains(supportedVocTreeAlgorithms, cfg.VocTree.Algorithm) {
		return errors.Errorf("voctree algorithm %q is not supported, expected one of %v",
			cfg.VocTree.Algorithm, supportedVocTreeAlgorithms)
	}
	if *cfg.AngularThresholdDeg < 0 {
		return errors.Errorf("angular_threshold cannot be negative, got %v", *cfg.AngularThresholdDeg)
	}
	if *cfg.VocTree.NbImageMatch < 1 || *cfg.VocTree.MaxResults < 0 {
		return errors.New("voctree nb_image_match must be positive and max_results cannot be negative")
	}
	if *cfg.CCTag.NNearestKeyFrames < 1 {
		return errors.Errorf("cctag n_nearest_key_frames must be positive, got %d", *cfg.CCTag.NNearestKeyFrames)
	}
	if cfg.Localizer.Executable == "" && cfg.Localizer.Address == "" {
		return errors.New("localizer needs an executable to launch or an address to dial")
	}
	_, err := cfg.EstimationParams()
	return err
}

// NumCameras returns the number of cameras of the rig.
func (cfg *Config) NumCameras() int {
	return len(cfg.MediaPaths)
}

// DescriberTypes returns the parsed describer types.
func (cfg *Config) DescriberTypes() ([]DescriberType, error) {
	return ParseDescriberTypes(cfg.MatchDescTypes)
}

// EstimationParams builds the parameters shared by every localization of the run.
func (cfg *Config) EstimationParams() (*EstimationParams, error) {
	matchingErrorMax, err := CheckRobustEstimator(RobustEstimator(cfg.MatchingEstimator), *cfg.MatchingError)
	if err != nil {
		return nil, errors.Wrap(err, "invalid matching estimator")
	}
	reprojectionErrorMax, err := CheckRobustEstimator(RobustEstimator(cfg.ResectionEstimator), *cfg.ReprojectionError)
	if err != nil {
		return nil, errors.Wrap(err, "invalid resection estimator")
	}
	return &EstimationParams{
		Preset:               FeaturePreset(cfg.Preset),
		MatchingEstimator:    RobustEstimator(cfg.MatchingEstimator),
		ResectionEstimator:   RobustEstimator(cfg.ResectionEstimator),
		ReprojectionErrorMax: reprojectionErrorMax,
		MatchingErrorMax:     matchingErrorMax,
		AngularThreshold:     utils.DegToRad(*cfg.AngularThresholdDeg),
		RefineIntrinsics:     cfg.RefineIntrinsics,
		UseLocalizeRigNaive:  cfg.UseLocalizeRigNaive,
	}, nil
}

// LogParameters logs every parameter of the run.
func (cfg *Config) LogParameters(logger golog.Logger) {
	logger.Infow("program called with the following parameters",
		"sfm_data", cfg.SfMData,
		"descriptor_path", cfg.DescriptorPath,
		"match_desc_types", cfg.MatchDescTypes,
		"preset", cfg.Preset,
		"resection_estimator", cfg.ResectionEstimator,
		"matching_estimator", cfg.MatchingEstimator,
		"reprojection_error", *cfg.ReprojectionError,
		"matching_error", *cfg.MatchingError,
		"angular_threshold", *cfg.AngularThresholdDeg,
		"refine_intrinsics", cfg.RefineIntrinsics,
		"use_localize_rig_naive", cfg.UseLocalizeRigNaive,
		"rig_calibration", cfg.RigCalibration,
		"output_trajectory", cfg.OutputTrajectory,
		"failed_frame_dir", cfg.FailedFrameDir,
	)
	for camID, media := range cfg.MediaPaths {
		logger.Infow("camera", "camera", camID, "media", media, "intrinsics", cfg.CameraIntrinsics[camID])
	}
	logger.Infow("voctree parameters",
		"tree", cfg.VocTree.Tree,
		"weights", cfg.VocTree.Weights,
		"algorithm", cfg.VocTree.Algorithm,
		"nb_image_match", *cfg.VocTree.NbImageMatch,
		"max_results", *cfg.VocTree.MaxResults,
	)
	logger.Infow("cctag parameters", "n_nearest_key_frames", *cfg.CCTag.NNearestKeyFrames)
}
