package codec

import (
	"errors"
	"image"

	"github.com/disintegration/imaging"

	"github.com/tonk/lesionseg/pkg/types"
)

// ErrEmptyCrop is returned when a box does not overlap the image.
var ErrEmptyCrop = errors.New("empty crop rectangle")

// PadBox grows a normalized box by padding times its size on every side and
// clips it to the unit square.
func PadBox(box types.Box, padding float64) types.Box {
	if padding < 0 {
		padding = 0
	}
	px, py := box.W*padding, box.H*padding
	x0 := clamp(box.X-px, 0, 1)
	y0 := clamp(box.Y-py, 0, 1)
	x1 := clamp(box.X+box.W+px, 0, 1)
	y1 := clamp(box.Y+box.H+py, 0, 1)
	return types.Box{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// CropToBox cuts the normalized box out of img. When size > 0 the crop is
// filled to a size×size square around its centre.
func CropToBox(img image.Image, box types.Box, size int) (*image.NRGBA, error) {
	bounds := img.Bounds()
	fw, fh := float64(bounds.Dx()), float64(bounds.Dy())

	x0 := int(clamp(box.X, 0, 1)*fw + 0.5)
	y0 := int(clamp(box.Y, 0, 1)*fh + 0.5)
	x1 := int(clamp(box.X+box.W, 0, 1)*fw + 0.5)
	y1 := int(clamp(box.Y+box.H, 0, 1)*fh + 0.5)

	rect := image.Rect(x0, y0, x1, y1).Add(bounds.Min).Intersect(bounds)
	if rect.Empty() {
		return nil, ErrEmptyCrop
	}

	cropped := imaging.Crop(img, rect)
	if size > 0 {
		cropped = imaging.Fill(cropped, size, size, imaging.Center, imaging.Lanczos)
	}
	return cropped, nil
}
