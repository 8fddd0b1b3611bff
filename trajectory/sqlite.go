// Package trajectory persists localized rig trajectories.
package trajectory

import (
	"context"
	"database/sql"
	_ "embed"
	"time"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	commonpb "go.viam.com/api/common/v1"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/spatialmath"
	_ "modernc.org/sqlite"

	riglocalizer "github.com/viamrobotics/viam-rig-localizer"
)

// schema.sql holds one row per run and, per run and stream, a dense sequence of
// keyframe and gap records.
//
//go:embed schema.sql
var schemaSQL string

// Record is a trajectory record read back from a sink.
type Record struct {
	Seq int
	// Gap records carry no keyframe.
	Gap      bool
	Keyframe riglocalizer.Keyframe
}

// SQLiteSink records the trajectory of a run into a sqlite database.
type SQLiteSink struct {
	db         *sql.DB
	runID      string
	numCameras int
	seq        map[riglocalizer.StreamID]int
	logger     golog.Logger
}

// NewSQLiteSink opens, creating it if needed, the database at path and starts a new run
// for a rig of numCameras cameras.
func NewSQLiteSink(ctx context.Context, path string, numCameras int, logger golog.Logger) (*SQLiteSink, error) {
	if numCameras < 1 {
		return nil, errors.Errorf("a rig needs at least one camera, got %d", numCameras)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening trajectory database %v", path)
	}
	sink := &SQLiteSink{
		db:         db,
		runID:      uuid.NewString(),
		numCameras: numCameras,
		seq:        map[riglocalizer.StreamID]int{},
		logger:     logger,
	}

	var success bool
	defer func() {
		if !success {
			if err := sink.Close(); err != nil {
				logger.Errorw("error closing out after error", "error", err)
			}
		}
	}()

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return nil, errors.Wrap(err, "error creating trajectory schema")
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO trajectory_runs (run_id, num_cameras, created_at_ns) VALUES (?, ?, ?)`,
		sink.runID, numCameras, time.Now().UnixNano(),
	); err != nil {
		return nil, errors.Wrap(err, "error recording trajectory run")
	}
	logger.Infow("recording trajectory", "path", path, "run_id", sink.runID, "cameras", numCameras)

	success = true
	return sink, nil
}

// RunID returns the identifier of the run being recorded.
func (s *SQLiteSink) RunID() string {
	return s.runID
}

// AppendKeyframe appends a keyframe to a stream.
func (s *SQLiteSink) AppendKeyframe(ctx context.Context, stream riglocalizer.StreamID, kf riglocalizer.Keyframe) error {
	ctx, span := trace.StartSpan(ctx, "trajectory::SQLiteSink::AppendKeyframe")
	defer span.End()

	if err := s.checkStream(stream); err != nil {
		return err
	}
	if kf.Pose == nil {
		return errors.Errorf("keyframe %d of stream %v has no pose", kf.FrameIndex, stream)
	}
	pose := spatialmath.PoseToProtobuf(kf.Pose)
	var pinhole transform.PinholeCameraIntrinsics
	if kf.Intrinsics.Pinhole != nil {
		pinhole = *kf.Intrinsics.Pinhole
	}
	var distortion transform.BrownConrady
	if kf.Intrinsics.Distortion != nil {
		distortion = *kf.Intrinsics.Distortion
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trajectory_records (
			run_id, stream, seq, gap, frame_index,
			x, y, z, o_x, o_y, o_z, theta,
			width, height, fx, fy, ppx, ppy,
			has_distortion, k1, k2, k3, p1, p2,
			source
		) VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.runID, stream.String(), s.seq[stream], kf.FrameIndex,
		pose.X, pose.Y, pose.Z, pose.OX, pose.OY, pose.OZ, pose.Theta,
		pinhole.Width, pinhole.Height, pinhole.Fx, pinhole.Fy, pinhole.Ppx, pinhole.Ppy,
		kf.Intrinsics.Distortion != nil, distortion.RadialK1, distortion.RadialK2, distortion.RadialK3,
		distortion.TangentialP1, distortion.TangentialP2,
		kf.Source,
	)
	if err != nil {
		return errors.Wrapf(err, "error inserting keyframe of stream %v", stream)
	}
	s.seq[stream]++
	return nil
}

// AppendGap appends a gap to a stream, keeping its sequence aligned with the frame index.
func (s *SQLiteSink) AppendGap(ctx context.Context, stream riglocalizer.StreamID) error {
	ctx, span := trace.StartSpan(ctx, "trajectory::SQLiteSink::AppendGap")
	defer span.End()

	if err := s.checkStream(stream); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO trajectory_records (run_id, stream, seq, gap) VALUES (?, ?, ?, 1)`,
		s.runID, stream.String(), s.seq[stream],
	); err != nil {
		return errors.Wrapf(err, "error inserting gap of stream %v", stream)
	}
	s.seq[stream]++
	return nil
}

// Records returns the records of a stream of the current run in sequence order.
func (s *SQLiteSink) Records(ctx context.Context, stream riglocalizer.StreamID) ([]Record, error) {
	if err := s.checkStream(stream); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, gap, frame_index,
			x, y, z, o_x, o_y, o_z, theta,
			width, height, fx, fy, ppx, ppy,
			has_distortion, k1, k2, k3, p1, p2,
			source
		FROM trajectory_records
		WHERE run_id = ? AND stream = ?
		ORDER BY seq`,
		s.runID, stream.String(),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "error querying stream %v", stream)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			record        Record
			frameIndex    sql.NullInt64
			pose          commonpb.Pose
			pinhole       transform.PinholeCameraIntrinsics
			distortion    transform.BrownConrady
			hasDistortion bool
		)
		if err := rows.Scan(
			&record.Seq, &record.Gap, &frameIndex,
			&pose.X, &pose.Y, &pose.Z, &pose.OX, &pose.OY, &pose.OZ, &pose.Theta,
			&pinhole.Width, &pinhole.Height, &pinhole.Fx, &pinhole.Fy, &pinhole.Ppx, &pinhole.Ppy,
			&hasDistortion, &distortion.RadialK1, &distortion.RadialK2, &distortion.RadialK3,
			&distortion.TangentialP1, &distortion.TangentialP2,
			&record.Keyframe.Source,
		); err != nil {
			return nil, errors.Wrapf(err, "error reading stream %v", stream)
		}
		if !record.Gap {
			record.Keyframe.FrameIndex = int(frameIndex.Int64)
			record.Keyframe.Pose = spatialmath.NewPoseFromProtobuf(&pose)
			record.Keyframe.Intrinsics.Pinhole = &pinhole
			if hasDistortion {
				record.Keyframe.Intrinsics.Distortion = &distortion
			}
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error reading stream %v", stream)
	}
	return records, nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "error closing trajectory database")
	}
	return nil
}

func (s *SQLiteSink) checkStream(stream riglocalizer.StreamID) error {
	if stream != riglocalizer.RigStream && (stream < 0 || int(stream) >= s.numCameras) {
		return errors.Errorf("stream %d does not exist on a rig of %d cameras", int(stream), s.numCameras)
	}
	return nil
}
