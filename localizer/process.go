package localizer

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/utils/pexec"

	riglocalizer "github.com/viamrobotics/viam-rig-localizer"
)

const portLogLinePrefix = "Server listening on "

// processConfig returns the process config of the localization server.
func processConfig(kind Kind, cfg *riglocalizer.Config, address string) pexec.ProcessConfig {
	var args []string

	args = append(args, "-localizer="+string(kind))
	args = append(args, "-sfm_data="+cfg.SfMData)
	args = append(args, "-descriptor_path="+cfg.DescriptorPath)
	args = append(args, "-match_desc_types="+cfg.MatchDescTypes)
	args = append(args, "-preset="+cfg.Preset)
	switch kind {
	case CCTag:
		args = append(args, "-n_nearest_key_frames="+strconv.Itoa(*cfg.CCTag.NNearestKeyFrames))
	case VocTree:
		args = append(args, "-voctree="+cfg.VocTree.Tree)
		args = append(args, "-voctree_weights="+cfg.VocTree.Weights)
	}
	args = append(args, "-port="+address)

	return pexec.ProcessConfig{
		ID:      "rig_localizer_" + string(kind),
		Name:    cfg.Localizer.Executable,
		Args:    args,
		Log:     true,
		OneShot: false,
	}
}

// startProcess launches the localization server. When the address is localhost:0 the
// port picked by the server is read back from its logs.
func (c *client) startProcess(ctx context.Context, processConfig pexec.ProcessConfig) error {
	ctx, span := trace.StartSpan(ctx, "localizer::client::startProcess")
	defer span.End()

	var logReader io.ReadCloser
	var logWriter io.WriteCloser
	var bufferedLogReader *bufio.Reader
	if c.address == localhost0 {
		logReader, logWriter = io.Pipe()
		bufferedLogReader = bufio.NewReader(logReader)
		processConfig.LogWriter = logWriter
	}

	if _, err := c.process.AddProcessFromConfig(ctx, processConfig); err != nil {
		return errors.Wrap(err, "problem adding localization server process")
	}

	c.logger.Debugw("starting localization server process", "executable", processConfig.Name, "args", processConfig.Args)

	if err := c.process.Start(ctx); err != nil {
		return errors.Wrap(err, "problem starting localization server process")
	}

	if c.address != localhost0 {
		return nil
	}

	timeoutCtx, timeoutCancel := context.WithTimeout(ctx, parsePortMaxTimeoutSec*time.Second)
	defer timeoutCancel()
	defer func() {
		if err := logReader.Close(); err != nil {
			c.logger.Debugw("Closing logReader returned an error", "error", err)
		}
	}()
	defer func() {
		if err := logWriter.Close(); err != nil {
			c.logger.Debugw("Closing logWriter returned an error", "error", err)
		}
	}()

	for {
		if err := timeoutCtx.Err(); err != nil {
			return errors.Wrap(err, "error getting port from localization server process")
		}

		line, err := bufferedLogReader.ReadString('\n')
		if err != nil {
			return errors.Wrap(err, "error getting port from localization server process")
		}
		port, ok, err := parsePortLine(line)
		if err != nil {
			return err
		}
		if ok {
			c.address = "localhost:" + port
			return nil
		}
	}
}

// parsePortLine extracts the port from the line the server logs once it listens.
func parsePortLine(line string) (string, bool, error) {
	if !strings.Contains(line, portLogLinePrefix) {
		return "", false, nil
	}
	linePieces := strings.Split(line, portLogLinePrefix)
	if len(linePieces) != 2 {
		return "", false, errors.Errorf("failed to parse port from localization server log line: %v", line)
	}
	port := strings.TrimSpace(linePieces[1])
	if _, err := strconv.Atoi(port); err != nil {
		return "", false, errors.Errorf("failed to parse port from localization server log line: %v", line)
	}
	return port, true, nil
}

func (c *client) stopProcess() error {
	if err := c.process.Stop(); err != nil {
		return errors.Wrap(err, "problem stopping localization server process")
	}
	return nil
}
