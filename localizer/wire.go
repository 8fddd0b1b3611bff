package localizer

import (
	"context"
	"encoding/base64"
	"image"

	"github.com/pkg/errors"
	commonpb "go.viam.com/api/common/v1"
	"go.viam.com/rdk/rimage"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/spatialmath"
	rdkutils "go.viam.com/rdk/utils"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	riglocalizer "github.com/viamrobotics/viam-rig-localizer"
)

const (
	serviceName       = "riglocalizer.v1.RigLocalizerService"
	localizeRigMethod = "/" + serviceName + "/LocalizeRig"
)

// rigLocalizerServer is the server API of the localization service.
type rigLocalizerServer interface {
	LocalizeRig(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var rigLocalizerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*rigLocalizerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "LocalizeRig",
			Handler:    localizeRigHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "riglocalizer/v1/riglocalizer.proto",
}

func localizeRigHandler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(rigLocalizerServer).LocalizeRig(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: localizeRigMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(rigLocalizerServer).LocalizeRig(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterRigLocalizerServer serves the given localizer on s through the localization
// service protocol.
func RegisterRigLocalizerServer(s *grpc.Server, localizer riglocalizer.RigLocalizer) {
	s.RegisterService(&rigLocalizerServiceDesc, &server{localizer: localizer})
}

type server struct {
	localizer riglocalizer.RigLocalizer
}

func (s *server) LocalizeRig(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	images, intrinsics, subPoses, params, err := decodeRequest(ctx, req.AsMap())
	if err != nil {
		return nil, errors.Wrap(err, "invalid localization request")
	}
	outcome, err := s.localizer.LocalizeRig(ctx, images, intrinsics, subPoses, params)
	if err != nil {
		return nil, err
	}
	return encodeOutcome(outcome)
}

func encodeRequest(
	ctx context.Context,
	images []*image.Gray,
	intrinsics []riglocalizer.Intrinsics,
	subPoses []spatialmath.Pose,
	params *riglocalizer.EstimationParams,
	variant map[string]interface{},
) (*structpb.Struct, error) {
	if len(images) != len(intrinsics) {
		return nil, errors.Wrapf(riglocalizer.ErrCameraCountMismatch, "%d images for %d intrinsics",
			len(images), len(intrinsics))
	}
	encodedImages := make([]interface{}, 0, len(images))
	for camID, img := range images {
		data, err := rimage.EncodeImage(ctx, img, rdkutils.MimeTypePNG)
		if err != nil {
			return nil, errors.Wrapf(err, "error encoding image of camera %d", camID)
		}
		encodedImages = append(encodedImages, base64.StdEncoding.EncodeToString(data))
	}
	encodedIntrinsics := make([]interface{}, 0, len(intrinsics))
	for _, in := range intrinsics {
		encodedIntrinsics = append(encodedIntrinsics, encodeIntrinsics(in))
	}
	encodedSubPoses := make([]interface{}, 0, len(subPoses))
	for _, subPose := range subPoses {
		encodedSubPoses = append(encodedSubPoses, encodePose(subPose))
	}

	req, err := structpb.NewStruct(map[string]interface{}{
		"images":     encodedImages,
		"intrinsics": encodedIntrinsics,
		"sub_poses":  encodedSubPoses,
		"params":     encodeParams(params),
		"variant":    variant,
	})
	if err != nil {
		return nil, errors.Wrap(err, "error encoding localization request")
	}
	return req, nil
}

func decodeRequest(ctx context.Context, req map[string]interface{}) (
	[]*image.Gray, []riglocalizer.Intrinsics, []spatialmath.Pose, *riglocalizer.EstimationParams, error,
) {
	encodedImages, err := listField(req, "images")
	if err != nil {
		return nil, nil, nil, nil, err
	}
	images := make([]*image.Gray, 0, len(encodedImages))
	for camID, encoded := range encodedImages {
		str, ok := encoded.(string)
		if !ok {
			return nil, nil, nil, nil, errors.Errorf("image of camera %d is not a string", camID)
		}
		data, err := base64.StdEncoding.DecodeString(str)
		if err != nil {
			return nil, nil, nil, nil, errors.Wrapf(err, "error decoding image of camera %d", camID)
		}
		img, err := rimage.DecodeImage(ctx, data, rdkutils.MimeTypePNG)
		if err != nil {
			return nil, nil, nil, nil, errors.Wrapf(err, "error decoding image of camera %d", camID)
		}
		images = append(images, riglocalizer.ToGray(img))
	}

	encodedIntrinsics, err := listField(req, "intrinsics")
	if err != nil {
		return nil, nil, nil, nil, err
	}
	intrinsics := make([]riglocalizer.Intrinsics, 0, len(encodedIntrinsics))
	for camID, encoded := range encodedIntrinsics {
		in, err := decodeIntrinsics(encoded)
		if err != nil {
			return nil, nil, nil, nil, errors.Wrapf(err, "invalid intrinsics of camera %d", camID)
		}
		intrinsics = append(intrinsics, in)
	}
	if len(images) != len(intrinsics) {
		return nil, nil, nil, nil, errors.Wrapf(riglocalizer.ErrCameraCountMismatch, "%d images for %d intrinsics",
			len(images), len(intrinsics))
	}

	encodedSubPoses, err := listField(req, "sub_poses")
	if err != nil {
		return nil, nil, nil, nil, err
	}
	subPoses := make([]spatialmath.Pose, 0, len(encodedSubPoses))
	for i, encoded := range encodedSubPoses {
		pose, err := decodePose(encoded)
		if err != nil {
			return nil, nil, nil, nil, errors.Wrapf(err, "invalid sub-pose %d", i)
		}
		subPoses = append(subPoses, pose)
	}

	params, err := decodeParams(req["params"])
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return images, intrinsics, subPoses, params, nil
}

func encodeOutcome(outcome riglocalizer.LocalizationOutcome) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"localized": outcome.Localized,
	}
	if outcome.Localized {
		fields["rig_pose"] = encodePose(outcome.RigPose)
		cameras := make([]interface{}, 0, len(outcome.Cameras))
		for _, cam := range outcome.Cameras {
			encoded := map[string]interface{}{
				"localized":   cam.Localized,
				"num_inliers": cam.NumInliers,
			}
			if cam.Pose != nil {
				encoded["pose"] = encodePose(cam.Pose)
			}
			if cam.RefinedIntrinsics != nil {
				encoded["refined_intrinsics"] = encodeIntrinsics(*cam.RefinedIntrinsics)
			}
			cameras = append(cameras, encoded)
		}
		fields["cameras"] = cameras
	}
	resp, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, "error encoding localization outcome")
	}
	return resp, nil
}

func decodeOutcome(resp map[string]interface{}) (riglocalizer.LocalizationOutcome, error) {
	localized, ok := resp["localized"].(bool)
	if !ok {
		return riglocalizer.LocalizationOutcome{}, errors.New("localization outcome is missing \"localized\"")
	}
	if !localized {
		return riglocalizer.LocalizationOutcome{}, nil
	}

	rigPose, err := decodePose(resp["rig_pose"])
	if err != nil {
		return riglocalizer.LocalizationOutcome{}, errors.Wrap(err, "invalid rig pose")
	}
	encodedCameras, err := listField(resp, "cameras")
	if err != nil {
		return riglocalizer.LocalizationOutcome{}, err
	}
	outcome := riglocalizer.LocalizationOutcome{
		Localized: true,
		RigPose:   rigPose,
		Cameras:   make([]riglocalizer.CameraResult, 0, len(encodedCameras)),
	}
	for camID, encoded := range encodedCameras {
		fields, ok := encoded.(map[string]interface{})
		if !ok {
			return riglocalizer.LocalizationOutcome{}, errors.Errorf("result of camera %d is not an object", camID)
		}
		var cam riglocalizer.CameraResult
		cam.Localized, _ = fields["localized"].(bool)
		if numInliers, ok := fields["num_inliers"].(float64); ok {
			cam.NumInliers = int(numInliers)
		}
		if encodedPose, ok := fields["pose"]; ok {
			if cam.Pose, err = decodePose(encodedPose); err != nil {
				return riglocalizer.LocalizationOutcome{}, errors.Wrapf(err, "invalid pose of camera %d", camID)
			}
		}
		if encodedIntrinsics, ok := fields["refined_intrinsics"]; ok {
			in, err := decodeIntrinsics(encodedIntrinsics)
			if err != nil {
				return riglocalizer.LocalizationOutcome{}, errors.Wrapf(err, "invalid refined intrinsics of camera %d", camID)
			}
			cam.RefinedIntrinsics = &in
		}
		outcome.Cameras = append(outcome.Cameras, cam)
	}
	return outcome, nil
}

func encodePose(pose spatialmath.Pose) map[string]interface{} {
	pb := spatialmath.PoseToProtobuf(pose)
	return map[string]interface{}{
		"x":     pb.X,
		"y":     pb.Y,
		"z":     pb.Z,
		"o_x":   pb.OX,
		"o_y":   pb.OY,
		"o_z":   pb.OZ,
		"theta": pb.Theta,
	}
}

func decodePose(encoded interface{}) (spatialmath.Pose, error) {
	fields, ok := encoded.(map[string]interface{})
	if !ok {
		return nil, errors.New("pose is not an object")
	}
	pb := &commonpb.Pose{}
	var err error
	for key, dst := range map[string]*float64{
		"x": &pb.X, "y": &pb.Y, "z": &pb.Z,
		"o_x": &pb.OX, "o_y": &pb.OY, "o_z": &pb.OZ,
		"theta": &pb.Theta,
	} {
		if *dst, err = floatField(fields, key); err != nil {
			return nil, err
		}
	}
	return spatialmath.NewPoseFromProtobuf(pb), nil
}

func encodeIntrinsics(in riglocalizer.Intrinsics) map[string]interface{} {
	fields := map[string]interface{}{}
	if in.Pinhole != nil {
		fields["width"] = in.Pinhole.Width
		fields["height"] = in.Pinhole.Height
		fields["fx"] = in.Pinhole.Fx
		fields["fy"] = in.Pinhole.Fy
		fields["ppx"] = in.Pinhole.Ppx
		fields["ppy"] = in.Pinhole.Ppy
	}
	if in.Distortion != nil {
		fields["distortion"] = map[string]interface{}{
			"k1": in.Distortion.RadialK1,
			"k2": in.Distortion.RadialK2,
			"k3": in.Distortion.RadialK3,
			"p1": in.Distortion.TangentialP1,
			"p2": in.Distortion.TangentialP2,
		}
	}
	return fields
}

func decodeIntrinsics(encoded interface{}) (riglocalizer.Intrinsics, error) {
	fields, ok := encoded.(map[string]interface{})
	if !ok {
		return riglocalizer.Intrinsics{}, errors.New("intrinsics are not an object")
	}
	var in riglocalizer.Intrinsics
	if _, ok := fields["width"]; ok {
		values := make(map[string]float64, 6)
		for _, key := range []string{"width", "height", "fx", "fy", "ppx", "ppy"} {
			v, err := floatField(fields, key)
			if err != nil {
				return riglocalizer.Intrinsics{}, err
			}
			values[key] = v
		}
		in.Pinhole = &transform.PinholeCameraIntrinsics{
			Width:  int(values["width"]),
			Height: int(values["height"]),
			Fx:     values["fx"],
			Fy:     values["fy"],
			Ppx:    values["ppx"],
			Ppy:    values["ppy"],
		}
	}
	if encodedDistortion, ok := fields["distortion"]; ok {
		distortionFields, ok := encodedDistortion.(map[string]interface{})
		if !ok {
			return riglocalizer.Intrinsics{}, errors.New("distortion is not an object")
		}
		in.Distortion = &transform.BrownConrady{}
		for key, dst := range map[string]*float64{
			"k1": &in.Distortion.RadialK1,
			"k2": &in.Distortion.RadialK2,
			"k3": &in.Distortion.RadialK3,
			"p1": &in.Distortion.TangentialP1,
			"p2": &in.Distortion.TangentialP2,
		} {
			v, err := floatField(distortionFields, key)
			if err != nil {
				return riglocalizer.Intrinsics{}, err
			}
			*dst = v
		}
	}
	return in, nil
}

func encodeParams(params *riglocalizer.EstimationParams) map[string]interface{} {
	return map[string]interface{}{
		"preset":                 string(params.Preset),
		"matching_estimator":     string(params.MatchingEstimator),
		"resection_estimator":    string(params.ResectionEstimator),
		"reprojection_error_max": params.ReprojectionErrorMax,
		"matching_error_max":     params.MatchingErrorMax,
		"angular_threshold":      params.AngularThreshold,
		"refine_intrinsics":      params.RefineIntrinsics,
		"use_localize_rig_naive": params.UseLocalizeRigNaive,
	}
}

func decodeParams(encoded interface{}) (*riglocalizer.EstimationParams, error) {
	fields, ok := encoded.(map[string]interface{})
	if !ok {
		return nil, errors.New("estimation parameters are not an object")
	}
	params := &riglocalizer.EstimationParams{}
	preset, _ := fields["preset"].(string)
	matchingEstimator, _ := fields["matching_estimator"].(string)
	resectionEstimator, _ := fields["resection_estimator"].(string)
	params.Preset = riglocalizer.FeaturePreset(preset)
	params.MatchingEstimator = riglocalizer.RobustEstimator(matchingEstimator)
	params.ResectionEstimator = riglocalizer.RobustEstimator(resectionEstimator)
	params.RefineIntrinsics, _ = fields["refine_intrinsics"].(bool)
	params.UseLocalizeRigNaive, _ = fields["use_localize_rig_naive"].(bool)

	var err error
	if params.ReprojectionErrorMax, err = floatField(fields, "reprojection_error_max"); err != nil {
		return nil, err
	}
	if params.MatchingErrorMax, err = floatField(fields, "matching_error_max"); err != nil {
		return nil, err
	}
	if params.AngularThreshold, err = floatField(fields, "angular_threshold"); err != nil {
		return nil, err
	}
	return params, nil
}

func listField(fields map[string]interface{}, key string) ([]interface{}, error) {
	raw, ok := fields[key]
	if !ok || raw == nil {
		return []interface{}{}, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, errors.Errorf("%q is not a list", key)
	}
	return list, nil
}

func floatField(fields map[string]interface{}, key string) (float64, error) {
	v, ok := fields[key].(float64)
	if !ok {
		return 0, errors.Errorf("%q is missing or not a number", key)
	}
	return v, nil
}
