package codec

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/tonk/lesionseg/pkg/tensor"
)

// Options configures the pre/post-processing pipeline.
type Options struct {
	// InputSize is the square side the image is resized to before inference.
	InputSize int
	// Threshold is applied to the sigmoid of the logits.
	Threshold float32
	// MaxPixels rejects larger images before full decoding; zero disables it.
	MaxPixels int
}

// DefaultOptions matches the training transform: 256x256, threshold 0.5.
func DefaultOptions() Options {
	return Options{
		InputSize: 256,
		Threshold: 0.5,
		MaxPixels: 40_000_000,
	}
}

// Processor handles image decoding and tensor conversion.
type Processor struct {
	opts Options
}

// NewProcessor creates a processor with DefaultOptions.
func NewProcessor() *Processor {
	return &Processor{opts: DefaultOptions()}
}

// NewProcessorWithOptions creates a processor with custom options. Zero
// fields fall back to the defaults.
func NewProcessorWithOptions(opts Options) *Processor {
	def := DefaultOptions()
	if opts.InputSize <= 0 {
		opts.InputSize = def.InputSize
	}
	if opts.Threshold <= 0 || opts.Threshold >= 1 {
		opts.Threshold = def.Threshold
	}
	return &Processor{opts: opts}
}

// Options returns the effective options.
func (p *Processor) Options() Options {
	return p.opts
}

// ToTensor resizes img to InputSize x InputSize and returns a [1, 3, S, S]
// tensor with channel values scaled to [0, 1].
func (p *Processor) ToTensor(img image.Image) *tensor.Tensor {
	s := p.opts.InputSize
	resized := imaging.Resize(img, s, s, imaging.Linear)

	t := tensor.New(1, 3, s, s)
	r, g, b := t.Plane(0, 0), t.Plane(0, 1), t.Plane(0, 2)
	for y := 0; y < s; y++ {
		for x := 0; x < s; x++ {
			i := resized.PixOffset(x, y)
			j := y*s + x
			r[j] = float32(resized.Pix[i+0]) / 255
			g[j] = float32(resized.Pix[i+1]) / 255
			b[j] = float32(resized.Pix[i+2]) / 255
		}
	}
	return t
}

// MaskFromLogits thresholds sigmoid(logits) of the first sample and class
// into a binary 8-bit mask: 255 for lesion, 0 otherwise.
func (p *Processor) MaskFromLogits(logits *tensor.Tensor) (*image.Gray, error) {
	n, c, h, w, err := logits.Dims()
	if err != nil {
		return nil, err
	}
	if n < 1 || c < 1 {
		return nil, fmt.Errorf("%w: unexpected mask shape %v", tensor.ErrShape, logits.Shape)
	}

	mask := image.NewGray(image.Rect(0, 0, w, h))
	plane := logits.Plane(0, 0)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if tensor.SigmoidScalar(plane[y*w+x]) > p.opts.Threshold {
				mask.Pix[y*mask.Stride+x] = 255
			}
		}
	}
	return mask, nil
}
