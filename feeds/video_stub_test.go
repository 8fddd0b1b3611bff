//go:build !gocv
// +build !gocv

package feeds

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"
)

func TestVideoFeedWithoutGoCV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camera.mp4")
	test.That(t, os.WriteFile(path, []byte("not decoded"), 0o600), test.ShouldBeNil)

	_, err := New(path, "", golog.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "rebuild with -tags=gocv")
}
