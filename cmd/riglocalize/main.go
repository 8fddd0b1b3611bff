// Package main localizes a camera rig frame by frame against a reconstructed scene.
package main

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	riglocalizer "github.com/viamrobotics/viam-rig-localizer"
	"github.com/viamrobotics/viam-rig-localizer/feeds"
	"github.com/viamrobotics/viam-rig-localizer/localizer"
	"github.com/viamrobotics/viam-rig-localizer/rig"
	"github.com/viamrobotics/viam-rig-localizer/trajectory"
)

// Arguments for the command.
type Arguments struct {
	ConfigFile string `flag:"config,usage=rig localization config file"`
	Debug      bool   `flag:"debug"`
}

func main() {
	utils.ContextualMain(mainWithArgs, golog.NewLogger("riglocalize"))
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if argsParsed.ConfigFile == "" {
		return errors.New("please specify a config file with -config")
	}
	if argsParsed.Debug {
		logger = golog.NewDebugLogger("riglocalize")
	}

	cfg, err := riglocalizer.LoadConfig(argsParsed.ConfigFile, logger)
	if err != nil {
		return err
	}
	cfg.LogParameters(logger)

	summary, err := run(ctx, cfg, logger)
	summary.Log(logger)
	return err
}

func run(ctx context.Context, cfg *riglocalizer.Config, logger golog.Logger) (summary riglocalizer.RunSummary, err error) {
	params, err := cfg.EstimationParams()
	if err != nil {
		return summary, err
	}

	subPoses, err := rig.LoadSubPoses(cfg.RigCalibration, cfg.NumCameras())
	if err != nil {
		return summary, err
	}

	rigLocalizer, err := localizer.New(ctx, cfg, logger)
	if err != nil {
		return summary, err
	}
	defer func() {
		err = multierr.Combine(err, rigLocalizer.Close())
	}()

	loopCfg := riglocalizer.RigLoopConfig{
		Localizer:      rigLocalizer,
		SubPoses:       subPoses,
		Params:         params,
		FailedFrameDir: cfg.FailedFrameDir,
	}

	// The loop owns the feeds and the sink once it is built.
	success := false
	defer func() {
		if success {
			return
		}
		for _, feed := range loopCfg.Feeds {
			err = multierr.Combine(err, feed.Close())
		}
		if loopCfg.Sink != nil {
			err = multierr.Combine(err, loopCfg.Sink.Close())
		}
	}()

	for camID, media := range cfg.MediaPaths {
		feed, err := feeds.New(media, cfg.CameraIntrinsics[camID], logger)
		if err != nil {
			return summary, errors.Wrapf(err, "error opening camera %d", camID)
		}
		loopCfg.Feeds = append(loopCfg.Feeds, feed)
	}

	if cfg.OutputTrajectory != "" {
		sink, err := trajectory.NewSQLiteSink(ctx, cfg.OutputTrajectory, cfg.NumCameras(), logger)
		if err != nil {
			return summary, err
		}
		logger.Infow("writing trajectory", "path", cfg.OutputTrajectory, "run", sink.RunID())
		loopCfg.Sink = sink
	}

	loop, err := riglocalizer.NewRigLoop(loopCfg, logger)
	if err != nil {
		return summary, err
	}
	success = true

	return loop.Run(ctx)
}
