package riglocalizer

import (
	"image"
	"image/draw"

	"go.viam.com/rdk/rimage/transform"
)

// Intrinsics is the calibrated model of a camera: a pinhole projection and an optional
// radial-tangential distortion.
type Intrinsics struct {
	Pinhole    *transform.PinholeCameraIntrinsics
	Distortion *transform.BrownConrady
}

// CheckValid checks that the intrinsics describe a usable camera.
func (in Intrinsics) CheckValid() error {
	if in.Pinhole == nil {
		return transform.NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if err := in.Pinhole.CheckValid(); err != nil {
		return err
	}
	if in.Distortion != nil {
		return in.Distortion.CheckValid()
	}
	return nil
}

// ToGray returns img as an 8-bit greyscale image, converting it if needed.
func ToGray(img image.Image) *image.Gray {
	if gray, ok := img.(*image.Gray); ok {
		return gray
	}
	gray := image.NewGray(img.Bounds())
	draw.Draw(gray, gray.Bounds(), img, img.Bounds().Min, draw.Src)
	return gray
}
