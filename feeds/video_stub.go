//go:build !gocv
// +build !gocv

package feeds

import (
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	riglocalizer "github.com/viamrobotics/viam-rig-localizer"
)

func newVideoFeed(path string, _ *riglocalizer.Intrinsics, _ golog.Logger) (riglocalizer.FrameFeed, error) {
	return nil, errors.Errorf("video support not enabled, cannot open %v: rebuild with -tags=gocv", path)
}
