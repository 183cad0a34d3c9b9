package tensor

import "fmt"

// Conv2d computes a stride-1 2D convolution with symmetric zero padding.
//
// x is [N, Cin, H, W], weight is [Cout, Cin, kH, kW] and bias, when non-nil,
// holds Cout values. The result is [N, Cout, H+2*pad-kH+1, W+2*pad-kW+1].
func Conv2d(x, weight, bias *Tensor, pad int) (*Tensor, error) {
	n, cin, h, w, err := x.Dims()
	if err != nil {
		return nil, fmt.Errorf("conv2d input: %w", err)
	}
	if len(weight.Shape) != 4 {
		return nil, fmt.Errorf("%w: conv2d weight shape %v", ErrShape, weight.Shape)
	}
	cout, wcin, kh, kw := weight.Shape[0], weight.Shape[1], weight.Shape[2], weight.Shape[3]
	if wcin != cin {
		return nil, fmt.Errorf("%w: conv2d weight expects %d input channels, got %d", ErrShape, wcin, cin)
	}
	if bias != nil && bias.Len() != cout {
		return nil, fmt.Errorf("%w: conv2d bias has %d values for %d output channels", ErrShape, bias.Len(), cout)
	}
	if pad < 0 {
		return nil, fmt.Errorf("%w: negative padding %d", ErrShape, pad)
	}
	oh, ow := h+2*pad-kh+1, w+2*pad-kw+1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("%w: kernel %dx%d larger than padded input %dx%d", ErrShape, kh, kw, h+2*pad, w+2*pad)
	}

	out := New(n, cout, oh, ow)
	ksize := cin * kh * kw

	parallelFor(n*cout, func(job int) {
		b, co := job/cout, job%cout
		dst := out.Plane(b, co)
		if bias != nil {
			bv := bias.Data[co]
			for i := range dst {
				dst[i] = bv
			}
		}
		wk := weight.Data[co*ksize : (co+1)*ksize]
		for ci := 0; ci < cin; ci++ {
			src := x.Plane(b, ci)
			for ky := 0; ky < kh; ky++ {
				for kx := 0; kx < kw; kx++ {
					wv := wk[(ci*kh+ky)*kw+kx]
					if wv == 0 {
						continue
					}
					// valid output columns for this kernel tap
					x0 := pad - kx
					if x0 < 0 {
						x0 = 0
					}
					x1 := w + pad - kx
					if x1 > ow {
						x1 = ow
					}
					if x0 >= x1 {
						continue
					}
					for oy := 0; oy < oh; oy++ {
						iy := oy + ky - pad
						if iy < 0 || iy >= h {
							continue
						}
						off := iy*w + kx - pad
						drow := dst[oy*ow : (oy+1)*ow]
						for ox := x0; ox < x1; ox++ {
							drow[ox] += wv * src[off+ox]
						}
					}
				}
			}
		}
	})
	return out, nil
}

// ConvTranspose2d computes a transposed convolution with no padding.
//
// x is [N, Cin, H, W], weight is [Cin, Cout, k, k] and bias, when non-nil,
// holds Cout values. The result is [N, Cout, (H-1)*stride+k, (W-1)*stride+k].
func ConvTranspose2d(x, weight, bias *Tensor, stride int) (*Tensor, error) {
	n, cin, h, w, err := x.Dims()
	if err != nil {
		return nil, fmt.Errorf("conv_transpose2d input: %w", err)
	}
	if len(weight.Shape) != 4 {
		return nil, fmt.Errorf("%w: conv_transpose2d weight shape %v", ErrShape, weight.Shape)
	}
	wcin, cout, kh, kw := weight.Shape[0], weight.Shape[1], weight.Shape[2], weight.Shape[3]
	if wcin != cin {
		return nil, fmt.Errorf("%w: conv_transpose2d weight expects %d input channels, got %d", ErrShape, wcin, cin)
	}
	if bias != nil && bias.Len() != cout {
		return nil, fmt.Errorf("%w: conv_transpose2d bias has %d values for %d output channels", ErrShape, bias.Len(), cout)
	}
	if stride < 1 {
		return nil, fmt.Errorf("%w: stride %d", ErrShape, stride)
	}
	oh, ow := (h-1)*stride+kh, (w-1)*stride+kw

	out := New(n, cout, oh, ow)
	parallelFor(n*cout, func(job int) {
		b, co := job/cout, job%cout
		dst := out.Plane(b, co)
		if bias != nil {
			bv := bias.Data[co]
			for i := range dst {
				dst[i] = bv
			}
		}
		for ci := 0; ci < cin; ci++ {
			src := x.Plane(b, ci)
			base := (ci*cout + co) * kh * kw
			for ky := 0; ky < kh; ky++ {
				for kx := 0; kx < kw; kx++ {
					wv := weight.Data[base+ky*kw+kx]
					if wv == 0 {
						continue
					}
					for iy := 0; iy < h; iy++ {
						drow := dst[(iy*stride+ky)*ow:]
						srow := src[iy*w : (iy+1)*w]
						for ix, v := range srow {
							drow[ix*stride+kx] += wv * v
						}
					}
				}
			}
		}
	})
	return out, nil
}
