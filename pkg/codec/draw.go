package codec

import (
	"image"
	"image/color"
	"math"

	"github.com/tonk/lesionseg/pkg/types"
)

// OutlineColor is the default colour of lesion outlines.
var OutlineColor = color.NRGBA{R: 255, G: 204, B: 0, A: 255}

// DrawBoxes outlines each normalized box on img in place. The stroke scales
// with the image, about 0.4% of the shorter side and at least 2px.
func DrawBoxes(img *image.NRGBA, boxes []types.Box, c color.NRGBA) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	stroke := int(math.Max(2, 0.004*float64(minInt(w, h))))
	for _, b := range boxes {
		drawBox(img, b, w, h, c, stroke)
	}
}

func boxToPixels(box types.Box, w, h int) (int, int, int, int) {
	x0 := int(clamp(box.X, 0, 1)*float64(w) + 0.5)
	y0 := int(clamp(box.Y, 0, 1)*float64(h) + 0.5)
	x1 := int(clamp(box.X+box.W, 0, 1)*float64(w) + 0.5)
	y1 := int(clamp(box.Y+box.H, 0, 1)*float64(h) + 0.5)
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	return x0, y0, x1, y1
}

func drawBox(img *image.NRGBA, box types.Box, w, h int, c color.NRGBA, stroke int) {
	x0, y0, x1, y1 := boxToPixels(box, w, h)
	for s := 0; s < stroke; s++ {
		drawHLine(img, y0+s, x0, x1, c)
		drawHLine(img, y1-1-s, x0, x1, c)
		drawVLine(img, x0+s, y0, y1, c)
		drawVLine(img, x1-1-s, y0, y1, c)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if y < 0 || y >= h {
		return
	}
	x0, x1 = maxInt(x0, 0), minInt(x1, w)
	for x := x0; x < x1; x++ {
		setPix(img, x, y, c)
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if x < 0 || x >= w {
		return
	}
	y0, y1 = maxInt(y0, 0), minInt(y1, h)
	for y := y0; y < y1; y++ {
		setPix(img, x, y, c)
	}
}

func setPix(img *image.NRGBA, x, y int, c color.NRGBA) {
	b := img.Bounds()
	i := img.PixOffset(b.Min.X+x, b.Min.Y+y)
	img.Pix[i+0] = c.R
	img.Pix[i+1] = c.G
	img.Pix[i+2] = c.B
	img.Pix[i+3] = c.A
}
