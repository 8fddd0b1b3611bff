// Package localizer implements rig localizers backed by an external localization server
// reached over grpc, either launched by this package or already running.
package localizer

import (
	"context"
	"image"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/utils/pexec"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	riglocalizer "github.com/viamrobotics/viam-rig-localizer"
)

var dialMaxTimeoutSec = 30 // reconfigurable for testing

const (
	parsePortMaxTimeoutSec = 60
	localhost0             = "localhost:0"
	// DefaultExecutableName is the localization server usually launched.
	DefaultExecutableName = "rig_localizer_grpc_server"
)

// SetDialMaxTimeoutSecForTesting sets dialMaxTimeoutSec for testing.
func SetDialMaxTimeoutSecForTesting(val int) {
	dialMaxTimeoutSec = val
}

// Kind is the localization engine used for a run.
type Kind string

const (
	// VocTree localizes through vocabulary tree image retrieval of natural features.
	VocTree Kind = "voctree"
	// CCTag localizes through CCTag fiducial markers.
	CCTag Kind = "cctag"
)

// KindFor selects the engine matching the describer types: CCTag when a CCTag family is
// the only describer type, the vocabulary tree otherwise.
func KindFor(describerTypes []riglocalizer.DescriberType) Kind {
	if len(describerTypes) == 1 && describerTypes[0].IsCCTag() {
		return CCTag
	}
	return VocTree
}

// VocTreeParams are the parameters specific to the vocabulary tree engine.
type VocTreeParams struct {
	Tree         string
	Weights      string
	Algorithm    string
	NbImageMatch int
	MaxResults   int
}

func (p VocTreeParams) wire() map[string]interface{} {
	return map[string]interface{}{
		"kind":           string(VocTree),
		"tree":           p.Tree,
		"weights":        p.Weights,
		"algorithm":      p.Algorithm,
		"nb_image_match": p.NbImageMatch,
		"max_results":    p.MaxResults,
	}
}

// CCTagParams are the parameters specific to the CCTag engine.
type CCTagParams struct {
	NNearestKeyFrames int
}

func (p CCTagParams) wire() map[string]interface{} {
	return map[string]interface{}{
		"kind":                 string(CCTag),
		"n_nearest_key_frames": p.NNearestKeyFrames,
	}
}

// New starts or dials the localization server described by cfg and returns the localizer
// matching its describer types.
func New(ctx context.Context, cfg *riglocalizer.Config, logger golog.Logger) (riglocalizer.RigLocalizer, error) {
	ctx, span := trace.StartSpan(ctx, "localizer::New")
	defer span.End()

	describerTypes, err := cfg.DescriberTypes()
	if err != nil {
		return nil, err
	}
	kind := KindFor(describerTypes)

	c := &client{
		address: cfg.Localizer.Address,
		logger:  logger,
	}
	if c.address == "" {
		c.address = localhost0
	}

	var success bool
	defer func() {
		if !success {
			if err := c.Close(); err != nil {
				logger.Errorw("error closing out after error", "error", err)
			}
		}
	}()

	if cfg.Localizer.Executable != "" {
		c.process = pexec.NewProcessManager(logger)
		if err := c.startProcess(ctx, processConfig(kind, cfg, c.address)); err != nil {
			return nil, errors.Wrap(err, "error with localization server process")
		}
	} else if c.address == localhost0 {
		return nil, errors.New("localizer needs an executable to launch or an address to dial")
	}

	if err := c.dial(ctx); err != nil {
		return nil, errors.Wrap(err, "error with initial grpc client to localization server")
	}

	var loc riglocalizer.RigLocalizer
	switch kind {
	case CCTag:
		loc = &CCTagLocalizer{
			client: c,
			params: CCTagParams{NNearestKeyFrames: *cfg.CCTag.NNearestKeyFrames},
		}
	default:
		loc = &VocTreeLocalizer{
			client: c,
			params: VocTreeParams{
				Tree:         cfg.VocTree.Tree,
				Weights:      cfg.VocTree.Weights,
				Algorithm:    cfg.VocTree.Algorithm,
				NbImageMatch: *cfg.VocTree.NbImageMatch,
				MaxResults:   *cfg.VocTree.MaxResults,
			},
		}
	}
	logger.Infow("localizer ready", "kind", kind, "address", c.address)

	success = true
	return loc, nil
}

// VocTreeLocalizer localizes rigs with the vocabulary tree engine.
type VocTreeLocalizer struct {
	*client
	params VocTreeParams
}

// LocalizeRig estimates the rig pose from one image per camera.
func (l *VocTreeLocalizer) LocalizeRig(
	ctx context.Context,
	images []*image.Gray,
	intrinsics []riglocalizer.Intrinsics,
	subPoses []spatialmath.Pose,
	params *riglocalizer.EstimationParams,
) (riglocalizer.LocalizationOutcome, error) {
	ctx, span := trace.StartSpan(ctx, "localizer::VocTreeLocalizer::LocalizeRig")
	defer span.End()

	return l.localizeRig(ctx, images, intrinsics, subPoses, params, l.params.wire())
}

// CCTagLocalizer localizes rigs with the CCTag engine.
type CCTagLocalizer struct {
	*client
	params CCTagParams
}

// LocalizeRig estimates the rig pose from one image per camera.
func (l *CCTagLocalizer) LocalizeRig(
	ctx context.Context,
	images []*image.Gray,
	intrinsics []riglocalizer.Intrinsics,
	subPoses []spatialmath.Pose,
	params *riglocalizer.EstimationParams,
) (riglocalizer.LocalizationOutcome, error) {
	ctx, span := trace.StartSpan(ctx, "localizer::CCTagLocalizer::LocalizeRig")
	defer span.End()

	return l.localizeRig(ctx, images, intrinsics, subPoses, params, l.params.wire())
}

// client is the connection to the localization server shared by every engine.
type client struct {
	address string
	conn    *grpc.ClientConn
	process pexec.ProcessManager
	logger  golog.Logger
}

func (c *client) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(dialMaxTimeoutSec)*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, c.address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return errors.Wrapf(err, "error dialing %v", c.address)
	}
	c.conn = conn
	return nil
}

func (c *client) localizeRig(
	ctx context.Context,
	images []*image.Gray,
	intrinsics []riglocalizer.Intrinsics,
	subPoses []spatialmath.Pose,
	params *riglocalizer.EstimationParams,
	variant map[string]interface{},
) (riglocalizer.LocalizationOutcome, error) {
	req, err := encodeRequest(ctx, images, intrinsics, subPoses, params, variant)
	if err != nil {
		return riglocalizer.LocalizationOutcome{}, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, localizeRigMethod, req, resp); err != nil {
		return riglocalizer.LocalizationOutcome{}, errors.Wrap(err, "error calling localization server")
	}
	outcome, err := decodeOutcome(resp.AsMap())
	if err != nil {
		return riglocalizer.LocalizationOutcome{}, errors.Wrap(err, "invalid localization server response")
	}
	return outcome, nil
}

// Close closes the connection and stops the server process if one was launched.
func (c *client) Close() error {
	var err error
	if c.conn != nil {
		err = multierr.Combine(err, errors.Wrap(c.conn.Close(), "error closing grpc connection"))
	}
	if c.process != nil {
		err = multierr.Combine(err, c.stopProcess())
	}
	return err
}
