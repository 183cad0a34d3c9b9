package tensor

import (
	"fmt"
	"math"
)

// BatchNorm2d normalizes x per channel with running statistics:
// (x-mean)/sqrt(variance+eps)*gamma + beta. All parameter tensors hold C values.
func BatchNorm2d(x, gamma, beta, mean, variance *Tensor, eps float32) (*Tensor, error) {
	n, c, _, _, err := x.Dims()
	if err != nil {
		return nil, fmt.Errorf("batchnorm2d input: %w", err)
	}
	for name, p := range map[string]*Tensor{"weight": gamma, "bias": beta, "running_mean": mean, "running_var": variance} {
		if p == nil || p.Len() != c {
			return nil, fmt.Errorf("%w: batchnorm2d %s must hold %d values", ErrShape, name, c)
		}
	}

	scale := make([]float32, c)
	shift := make([]float32, c)
	for i := 0; i < c; i++ {
		s := gamma.Data[i] / float32(math.Sqrt(float64(variance.Data[i]+eps)))
		scale[i] = s
		shift[i] = beta.Data[i] - mean.Data[i]*s
	}

	out := New(x.Shape...)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			src, dst := x.Plane(b, ch), out.Plane(b, ch)
			s, sh := scale[ch], shift[ch]
			for i, v := range src {
				dst[i] = v*s + sh
			}
		}
	}
	return out, nil
}

// ReLU clamps negative values to zero in place and returns t.
func ReLU(t *Tensor) *Tensor {
	for i, v := range t.Data {
		if v < 0 {
			t.Data[i] = 0
		}
	}
	return t
}

// Sigmoid returns a new tensor holding the logistic function of t.
func Sigmoid(t *Tensor) *Tensor {
	out := New(t.Shape...)
	for i, v := range t.Data {
		out.Data[i] = SigmoidScalar(v)
	}
	return out
}

// SigmoidScalar is the logistic function 1/(1+e^-v).
func SigmoidScalar(v float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(v))))
}

// MaxPool2d downsamples H and W by k taking the maximum of each k*k window.
// Trailing rows and columns that do not fill a window are dropped.
func MaxPool2d(x *Tensor, k int) (*Tensor, error) {
	n, c, h, w, err := x.Dims()
	if err != nil {
		return nil, fmt.Errorf("maxpool2d input: %w", err)
	}
	if k < 1 {
		return nil, fmt.Errorf("%w: pool size %d", ErrShape, k)
	}
	oh, ow := h/k, w/k
	if oh == 0 || ow == 0 {
		return nil, fmt.Errorf("%w: %dx%d input too small for pool size %d", ErrShape, h, w, k)
	}

	out := New(n, c, oh, ow)
	parallelFor(n*c, func(job int) {
		b, ch := job/c, job%c
		src, dst := x.Plane(b, ch), out.Plane(b, ch)
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				m := float32(math.Inf(-1))
				for dy := 0; dy < k; dy++ {
					row := (oy*k + dy) * w
					for dx := 0; dx < k; dx++ {
						if v := src[row+ox*k+dx]; v > m {
							m = v
						}
					}
				}
				dst[oy*ow+ox] = m
			}
		}
	})
	return out, nil
}

// Concat joins rank-4 tensors along the channel dimension, in argument order.
func Concat(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrShape)
	}
	n, _, h, w, err := ts[0].Dims()
	if err != nil {
		return nil, fmt.Errorf("concat: %w", err)
	}
	total := 0
	for i, t := range ts {
		tn, tc, th, tw, err := t.Dims()
		if err != nil {
			return nil, fmt.Errorf("concat operand %d: %w", i, err)
		}
		if tn != n || th != h || tw != w {
			return nil, fmt.Errorf("%w: concat operand %d has shape %v, want [%d * %d %d]", ErrShape, i, t.Shape, n, h, w)
		}
		total += tc
	}

	out := New(n, total, h, w)
	plane := h * w
	for b := 0; b < n; b++ {
		off := b * total * plane
		for _, t := range ts {
			c := t.Shape[1]
			copy(out.Data[off:off+c*plane], t.Data[b*c*plane:(b+1)*c*plane])
			off += c * plane
		}
	}
	return out, nil
}

// MeanOverRows averages each column: [N, C, H, W] -> [N, C, 1, W].
func MeanOverRows(x *Tensor) (*Tensor, error) {
	n, c, h, w, err := x.Dims()
	if err != nil {
		return nil, fmt.Errorf("mean over rows: %w", err)
	}
	out := New(n, c, 1, w)
	inv := 1 / float32(h)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			src, dst := x.Plane(b, ch), out.Plane(b, ch)
			for y := 0; y < h; y++ {
				row := src[y*w : (y+1)*w]
				for xi, v := range row {
					dst[xi] += v
				}
			}
			for i := range dst {
				dst[i] *= inv
			}
		}
	}
	return out, nil
}

// MeanOverCols averages each row: [N, C, H, W] -> [N, C, H, 1].
func MeanOverCols(x *Tensor) (*Tensor, error) {
	n, c, h, w, err := x.Dims()
	if err != nil {
		return nil, fmt.Errorf("mean over cols: %w", err)
	}
	out := New(n, c, h, 1)
	inv := 1 / float32(w)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			src, dst := x.Plane(b, ch), out.Plane(b, ch)
			for y := 0; y < h; y++ {
				var s float32
				for _, v := range src[y*w : (y+1)*w] {
					s += v
				}
				dst[y] = s * inv
			}
		}
	}
	return out, nil
}

// AxisGate multiplies x by sigmoid(colGate[x] + rowGate[y]) per channel.
//
// colGate is [N, C, 1, W] and varies along the width; rowGate is
// [N, C, H, 1] and varies along the height. The result has x's shape.
func AxisGate(x, colGate, rowGate *Tensor) (*Tensor, error) {
	n, c, h, w, err := x.Dims()
	if err != nil {
		return nil, fmt.Errorf("axis gate: %w", err)
	}
	want := func(t *Tensor, shape ...int) error {
		probe := &Tensor{Shape: shape}
		if !t.SameShape(probe) {
			return fmt.Errorf("%w: axis gate operand %v, want %v", ErrShape, t.Shape, shape)
		}
		return nil
	}
	if err := want(colGate, n, c, 1, w); err != nil {
		return nil, err
	}
	if err := want(rowGate, n, c, h, 1); err != nil {
		return nil, err
	}

	out := New(x.Shape...)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			src, dst := x.Plane(b, ch), out.Plane(b, ch)
			cg, rg := colGate.Plane(b, ch), rowGate.Plane(b, ch)
			for y := 0; y < h; y++ {
				r := rg[y]
				for xi := 0; xi < w; xi++ {
					i := y*w + xi
					dst[i] = src[i] * SigmoidScalar(cg[xi]+r)
				}
			}
		}
	}
	return out, nil
}
