// Package vision finds individual lesions in a binary segmentation mask.
package vision

import (
	"image"
	"sort"

	"github.com/tonk/lesionseg/pkg/types"
)

// RegionConfig holds configuration for lesion region extraction
type RegionConfig struct {
	// MinAreaRatio drops components smaller than this fraction of the mask.
	MinAreaRatio float64
	// MaxRegions caps the number of regions returned; zero means no cap.
	MaxRegions int
}

// DefaultRegionConfig ignores specks under 0.1% of the image and keeps the
// ten largest lesions.
func DefaultRegionConfig() RegionConfig {
	return RegionConfig{
		MinAreaRatio: 0.001,
		MaxRegions:   10,
	}
}

// Region is the bounding rectangle of one connected lesion component
type Region struct {
	X      int     `json:"x"`
	Y      int     `json:"y"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Pixels int     `json:"pixels"`
	Score  float64 `json:"score"`
}

// Center returns the center point of the region
func (r Region) Center() (int, int) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// Area returns the area of the region
func (r Region) Area() int {
	return r.Width * r.Height
}

// Box returns the region normalized to a w x h image
func (r Region) Box(w, h int) types.Box {
	return types.Box{
		X: float64(r.X) / float64(w),
		Y: float64(r.Y) / float64(h),
		W: float64(r.Width) / float64(w),
		H: float64(r.Height) / float64(h),
	}
}

// FindRegions labels the 8-connected foreground components of mask
// (pixels >= 128) and returns them largest first. Score is the fraction of
// the bounding rectangle covered by the component. Coordinates are relative
// to mask.Bounds().Min.
func FindRegions(mask *image.Gray, cfg RegionConfig) []Region {
	b := mask.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil
	}
	minPixels := int(cfg.MinAreaRatio * float64(w*h))
	if minPixels < 1 {
		minPixels = 1
	}

	fg := func(x, y int) bool {
		return mask.Pix[mask.PixOffset(b.Min.X+x, b.Min.Y+y)] >= 128
	}

	visited := make([]bool, w*h)
	var regions []Region
	stack := make([]int, 0, 64)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if visited[y*w+x] || !fg(x, y) {
				continue
			}

			// flood fill one component
			x0, y0, x1, y1, count := x, y, x, y, 0
			visited[y*w+x] = true
			stack = append(stack[:0], y*w+x)
			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				px, py := p%w, p/w
				count++
				x0, x1 = min(x0, px), max(x1, px)
				y0, y1 = min(y0, py), max(y1, py)

				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						nx, ny := px+dx, py+dy
						if nx < 0 || ny < 0 || nx >= w || ny >= h {
							continue
						}
						q := ny*w + nx
						if visited[q] || !fg(nx, ny) {
							continue
						}
						visited[q] = true
						stack = append(stack, q)
					}
				}
			}

			if count < minPixels {
				continue
			}
			r := Region{X: x0, Y: y0, Width: x1 - x0 + 1, Height: y1 - y0 + 1, Pixels: count}
			r.Score = float64(count) / float64(r.Area())
			regions = append(regions, r)
		}
	}

	sort.SliceStable(regions, func(i, j int) bool {
		return regions[i].Pixels > regions[j].Pixels
	})
	if cfg.MaxRegions > 0 && len(regions) > cfg.MaxRegions {
		regions = regions[:cfg.MaxRegions]
	}
	return regions
}
