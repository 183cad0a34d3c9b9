package codec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	"github.com/tonk/lesionseg/pkg/types"
)

// PNGDataURLPrefix prefixes every encoded overlay.
const PNGDataURLPrefix = "data:image/png;base64,"

// LesionTint is the default colour used by TintOverlay.
var LesionTint = color.NRGBA{R: 255, G: 48, B: 48, A: 255}

// ResizeMask scales mask to width x height with bicubic interpolation.
func ResizeMask(mask *image.Gray, width, height int) *image.Gray {
	b := mask.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return mask
	}
	resized := imaging.Resize(mask, width, height, imaging.CatmullRom)
	out := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			// grayscale in, so any channel carries the value
			out.Pix[y*out.Stride+x] = resized.Pix[resized.PixOffset(x, y)]
		}
	}
	return out
}

// CombineWithMask places the original image on the left and the mask,
// resized to the original size, on the right. The result is 2W x H.
func CombineWithMask(original image.Image, mask *image.Gray) *image.NRGBA {
	ob := original.Bounds()
	w, h := ob.Dx(), ob.Dy()
	m := ResizeMask(mask, w, h)
	mb := m.Bounds()

	combined := imaging.New(w*2, h, color.NRGBA{A: 255})
	combined = imaging.Paste(combined, original, image.Pt(0, 0))

	for y := 0; y < h; y++ {
		row := combined.Pix[y*combined.Stride+w*4:]
		src := m.Pix[m.PixOffset(mb.Min.X, mb.Min.Y+y):]
		for x := 0; x < w; x++ {
			v := src[x]
			row[x*4+0], row[x*4+1], row[x*4+2], row[x*4+3] = v, v, v, 0xff
		}
	}
	return combined
}

// TintOverlay blends tint over the lesion pixels of original with the given
// opacity (0..1). The mask is resized to the original size first.
func TintOverlay(original image.Image, mask *image.Gray, tint color.NRGBA, alpha float64) *image.NRGBA {
	alpha = clamp(alpha, 0, 1)
	out := imaging.Clone(original)
	w, h := out.Bounds().Dx(), out.Bounds().Dy()
	m := ResizeMask(mask, w, h)
	mb := m.Bounds()

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := m.Pix[m.PixOffset(mb.Min.X+x, mb.Min.Y+y)]
			if v == 0 {
				continue
			}
			a := alpha * float64(v) / 255
			i := out.PixOffset(x, y)
			out.Pix[i+0] = blend(out.Pix[i+0], tint.R, a)
			out.Pix[i+1] = blend(out.Pix[i+1], tint.G, a)
			out.Pix[i+2] = blend(out.Pix[i+2], tint.B, a)
			out.Pix[i+3] = 0xff
		}
	}
	return out
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodePNGDataURL encodes img as a base64 PNG data URL.
func EncodePNGDataURL(img image.Image) (string, error) {
	data, err := EncodePNG(img)
	if err != nil {
		return "", err
	}
	return PNGDataURLPrefix + base64.StdEncoding.EncodeToString(data), nil
}

// SaveImage writes img to path in the given format (png, jpg or webp).
func SaveImage(img image.Image, path, format string, quality int) error {
	switch strings.ToLower(format) {
	case "webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return webp.Encode(f, img, &webp.Options{Lossless: quality >= 100, Quality: float32(quality)})
	case "jpg", "jpeg":
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	default:
		return imaging.Save(img, path, imaging.PNGCompressionLevel(png.DefaultCompression))
	}
}

// MaskStats summarises a binary mask.
type MaskStats struct {
	Pixels   int        `json:"pixels"`
	Coverage float64    `json:"coverage"`
	Box      *types.Box `json:"bbox,omitempty"`
}

// Stats counts lesion pixels and computes their normalized bounding box.
// Box is nil when the mask is empty.
func Stats(mask *image.Gray) MaskStats {
	b := mask.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return MaskStats{}
	}

	x0, y0, x1, y1 := w, h, -1, -1
	count := 0
	for y := 0; y < h; y++ {
		off := mask.PixOffset(b.Min.X, b.Min.Y+y)
		row := mask.Pix[off : off+w]
		for x, v := range row {
			if v < 128 {
				continue
			}
			count++
			x0, y0 = minInt(x0, x), minInt(y0, y)
			x1, y1 = maxInt(x1, x), maxInt(y1, y)
		}
	}

	stats := MaskStats{Pixels: count, Coverage: float64(count) / float64(w*h)}
	if count > 0 {
		stats.Box = &types.Box{
			X: float64(x0) / float64(w),
			Y: float64(y0) / float64(h),
			W: float64(x1-x0+1) / float64(w),
			H: float64(y1-y0+1) / float64(h),
		}
	}
	return stats
}

func blend(dst, src uint8, a float64) uint8 {
	return uint8(float64(dst)*(1-a) + float64(src)*a + 0.5)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
