package feeds

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/rimage"
	"golang.org/x/exp/slices"

	riglocalizer "github.com/viamrobotics/viam-rig-localizer"
)

var imageExtensions = []string{".jpg", ".jpeg", ".png"}

func isImage(path string) bool {
	return slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(path)))
}

type sequenceEntry struct {
	path       string
	intrinsics *riglocalizer.Intrinsics
}

// imageSequence is a feed over a fixed list of image files.
type imageSequence struct {
	entries     []sequenceEntry
	calibration *riglocalizer.Intrinsics
	cursor      int
}

func (s *imageSequence) ReadFrame(ctx context.Context) (riglocalizer.Frame, bool, error) {
	_, span := trace.StartSpan(ctx, "feeds::imageSequence::ReadFrame")
	defer span.End()

	if s.cursor >= len(s.entries) {
		return riglocalizer.Frame{}, false, nil
	}
	entry := s.entries[s.cursor]
	img, err := rimage.ReadImageFromFile(entry.path)
	if err != nil {
		return riglocalizer.Frame{}, false, errors.Wrapf(err, "error reading image %v", entry.path)
	}

	frame := riglocalizer.Frame{Image: riglocalizer.ToGray(img), Name: entry.path}
	switch {
	case entry.intrinsics != nil:
		frame.Intrinsics, frame.HasCalibration = *entry.intrinsics, true
	case s.calibration != nil:
		frame.Intrinsics, frame.HasCalibration = *s.calibration, true
	}
	return frame, true, nil
}

func (s *imageSequence) Advance() {
	if s.cursor < len(s.entries) {
		s.cursor++
	}
}

func (s *imageSequence) Close() error {
	return nil
}

// listDirectory returns the images of a directory sorted by name.
func listDirectory(dir string) ([]sequenceEntry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "error listing %v", dir)
	}
	var entries []sequenceEntry
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() || !isImage(dirEntry.Name()) {
			continue
		}
		entries = append(entries, sequenceEntry{path: filepath.Join(dir, dirEntry.Name())})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })
	return entries, nil
}

// readListFile reads a list of images, one per line, each optionally followed by its
// calibration. Relative paths are resolved against the list directory. Blank lines and
// lines starting with # are skipped.
func readListFile(path string) ([]sequenceEntry, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening image list %v", path)
	}
	defer f.Close()

	var entries []sequenceEntry
	scanner := bufio.NewScanner(f)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		entry := sequenceEntry{path: fields[0]}
		if !filepath.IsAbs(entry.path) {
			entry.path = filepath.Join(filepath.Dir(path), entry.path)
		}
		switch len(fields) {
		case 1:
		case 1 + calibrationFieldCount:
			intrinsics, err := ParseCalibration(fields[1:])
			if err != nil {
				return nil, errors.Wrapf(err, "invalid intrinsics on line %d of %v", lineNum, path)
			}
			entry.intrinsics = &intrinsics
		default:
			return nil, errors.Errorf("line %d of %v has %d values, expected an image optionally followed by %d intrinsics",
				lineNum, path, len(fields), calibrationFieldCount)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "error reading image list %v", path)
	}
	return entries, nil
}
