package unet

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tonk/lesionseg/pkg/tensor"
)

// fmap is a single feature map [C][H][W] in float64, used to recompute the
// layers with plain loops.
type fmap struct {
	c, h, w int
	v       []float64
}

func newFmap(c, h, w int) *fmap {
	return &fmap{c: c, h: h, w: w, v: make([]float64, c*h*w)}
}

func (m *fmap) at(c, y, x int) float64     { return m.v[(c*m.h+y)*m.w+x] }
func (m *fmap) add(c, y, x int, v float64) { m.v[(c*m.h+y)*m.w+x] += v }

func fmapOf(t *tensor.Tensor) *fmap {
	m := newFmap(t.Shape[1], t.Shape[2], t.Shape[3])
	for i := range m.v {
		m.v[i] = float64(t.Data[i])
	}
	return m
}

func refConv(x *fmap, c Conv) *fmap {
	cout, cin, kh, kw := c.Weight.Shape[0], c.Weight.Shape[1], c.Weight.Shape[2], c.Weight.Shape[3]
	out := newFmap(cout, x.h+2*c.Pad-kh+1, x.w+2*c.Pad-kw+1)
	for co := 0; co < cout; co++ {
		for oy := 0; oy < out.h; oy++ {
			for ox := 0; ox < out.w; ox++ {
				var s float64
				if c.Bias != nil {
					s = float64(c.Bias.Data[co])
				}
				for ci := 0; ci < cin; ci++ {
					for ky := 0; ky < kh; ky++ {
						for kx := 0; kx < kw; kx++ {
							iy, ix := oy+ky-c.Pad, ox+kx-c.Pad
							if iy < 0 || iy >= x.h || ix < 0 || ix >= x.w {
								continue
							}
							s += float64(c.Weight.Data[((co*cin+ci)*kh+ky)*kw+kx]) * x.at(ci, iy, ix)
						}
					}
				}
				out.add(co, oy, ox, s)
			}
		}
	}
	return out
}

func refBatchNormReLU(x *fmap, bn BatchNorm) *fmap {
	out := newFmap(x.c, x.h, x.w)
	plane := x.h * x.w
	for c := 0; c < x.c; c++ {
		std := math.Sqrt(float64(bn.RunningVar.Data[c]) + float64(bn.Eps))
		for i := 0; i < plane; i++ {
			v := (x.v[c*plane+i]-float64(bn.RunningMean.Data[c]))/std*float64(bn.Weight.Data[c]) + float64(bn.Bias.Data[c])
			out.v[c*plane+i] = math.Max(0, v)
		}
	}
	return out
}

func refCoordAttention(x *fmap, a *CoordAttention) *fmap {
	// pooled over height: [C, 1, W]; pooled over width: [C, H, 1]
	overH, overW := newFmap(x.c, 1, x.w), newFmap(x.c, x.h, 1)
	for c := 0; c < x.c; c++ {
		for y := 0; y < x.h; y++ {
			for xi := 0; xi < x.w; xi++ {
				overH.add(c, 0, xi, x.at(c, y, xi)/float64(x.h))
				overW.add(c, y, 0, x.at(c, y, xi)/float64(x.w))
			}
		}
	}
	outH := refConv(refBatchNormReLU(refConv(overH, a.Conv1), a.BN1), a.ConvH)
	outW := refConv(refBatchNormReLU(refConv(overW, a.Conv1), a.BN1), a.ConvW)

	out := newFmap(x.c, x.h, x.w)
	for c := 0; c < x.c; c++ {
		for y := 0; y < x.h; y++ {
			for xi := 0; xi < x.w; xi++ {
				g := 1 / (1 + math.Exp(-(outH.at(c, 0, xi) + outW.at(c, y, 0))))
				out.add(c, y, xi, x.at(c, y, xi)*g)
			}
		}
	}
	return out
}

func refDoubleConv(x *fmap, d *DoubleConvCA) *fmap {
	y := refBatchNormReLU(refConv(x, d.Conv1), d.BN1)
	y = refBatchNormReLU(refConv(y, d.Conv2), d.BN2)
	return refCoordAttention(y, d.Attention)
}

func refMaxPool(x *fmap) *fmap {
	out := newFmap(x.c, x.h/2, x.w/2)
	for c := 0; c < x.c; c++ {
		for y := 0; y < out.h; y++ {
			for xi := 0; xi < out.w; xi++ {
				m := math.Inf(-1)
				for dy := 0; dy < 2; dy++ {
					for dx := 0; dx < 2; dx++ {
						m = math.Max(m, x.at(c, 2*y+dy, 2*xi+dx))
					}
				}
				out.add(c, y, xi, m)
			}
		}
	}
	return out
}

func refUp(x *fmap, u UpConv) *fmap {
	cin, cout := u.Weight.Shape[0], u.Weight.Shape[1]
	out := newFmap(cout, x.h*2, x.w*2)
	for co := 0; co < cout; co++ {
		for y := 0; y < out.h; y++ {
			for xi := 0; xi < out.w; xi++ {
				out.add(co, y, xi, float64(u.Bias.Data[co]))
			}
		}
	}
	for ci := 0; ci < cin; ci++ {
		for co := 0; co < cout; co++ {
			for y := 0; y < x.h; y++ {
				for xi := 0; xi < x.w; xi++ {
					for ky := 0; ky < 2; ky++ {
						for kx := 0; kx < 2; kx++ {
							wv := float64(u.Weight.Data[((ci*cout+co)*2+ky)*2+kx])
							out.add(co, 2*y+ky, 2*xi+kx, wv*x.at(ci, y, xi))
						}
					}
				}
			}
		}
	}
	return out
}

func refCat(a, b *fmap) *fmap {
	out := newFmap(a.c+b.c, a.h, a.w)
	copy(out.v, a.v)
	copy(out.v[len(a.v):], b.v)
	return out
}

func refNetwork(n *Network, x *fmap) *fmap {
	x1 := refDoubleConv(x, n.Inc)
	x2 := refDoubleConv(refMaxPool(x1), n.Down[0])
	x3 := refDoubleConv(refMaxPool(x2), n.Down[1])
	x4 := refDoubleConv(refMaxPool(x3), n.Down[2])
	x5 := refDoubleConv(refMaxPool(x4), n.Down[3])

	y := refDoubleConv(refCat(x4, refUp(x5, n.Up[0])), n.UpConv[0])
	y = refDoubleConv(refCat(x3, refUp(y, n.Up[1])), n.UpConv[1])
	y = refDoubleConv(refCat(x2, refUp(y, n.Up[2])), n.UpConv[2])
	y = refDoubleConv(refCat(x1, refUp(y, n.Up[3])), n.UpConv[3])
	return refConv(y, n.Out)
}

// perturb fills every parameter with random values, including conv biases,
// batch-norm affine terms and running statistics away from their defaults.
func perturb(params map[string]*tensor.Tensor, seed uint64) {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		t := params[name]
		for i := range t.Data {
			switch {
			case strings.HasSuffix(name, "running_var"):
				t.Data[i] = 0.5 + rng.Float32()
			case t.Rank() == 4:
				fanIn := t.Shape[1] * t.Shape[2] * t.Shape[3]
				t.Data[i] = (rng.Float32() - 0.5) * 2 / float32(math.Sqrt(float64(fanIn)))
			default:
				t.Data[i] = rng.Float32() - 0.5
			}
		}
	}
}

func requireClose(t *testing.T, want *fmap, got *tensor.Tensor) {
	t.Helper()
	require.Equal(t, []int{1, want.c, want.h, want.w}, got.Shape)
	for i, v := range want.v {
		tol := 1e-4 * math.Max(1, math.Abs(v))
		require.InDelta(t, v, float64(got.Data[i]), tol, "index %d", i)
	}
}

func TestCoordAttentionMatchesReference(t *testing.T) {
	a := NewCoordAttention(6, 32, 3, 1e-5)
	p := make(map[string]*tensor.Tensor)
	a.params("ca", p)
	perturb(p, 31)
	require.NotEqual(t, a.ConvH.Weight.Data, a.ConvW.Weight.Data)

	// non-square so the height and width paths cannot stand in for each other
	x := randomInput(4, 1, 6, 5, 7)
	out, err := a.Forward(x)
	require.NoError(t, err)
	requireClose(t, refCoordAttention(fmapOf(x), a), out)
}

func TestCoordAttentionHeightPathUsesConvH(t *testing.T) {
	a := NewCoordAttention(1, 32, 1, 1e-5)
	a.Conv1.Weight.Data[0] = 1
	a.ConvH.Weight.Data[0] = 2
	a.ConvW.Weight.Data[0] = -1

	x := tensor.New(1, 1, 2, 2)
	copy(x.Data, []float32{1, 1, 1, 3})
	out, err := a.Forward(x)
	require.NoError(t, err)

	// means over height (per column) [1, 2] go through conv_h,
	// means over width (per row) [1, 2] through conv_w
	want := []float32{
		1 * tensor.SigmoidScalar(2*1-1*1),
		1 * tensor.SigmoidScalar(2*2-1*1),
		1 * tensor.SigmoidScalar(2*1-1*2),
		3 * tensor.SigmoidScalar(2*2-1*2),
	}
	require.InDeltaSlice(t, want, out.Data, 1e-4)
}

func TestDoubleConvCAMatchesReference(t *testing.T) {
	cfg := smallConfig()
	cfg.MinAttentionChannels = 2
	d := NewDoubleConvCA(3, 5, cfg)
	p := make(map[string]*tensor.Tensor)
	d.params("block", p)
	perturb(p, 41)

	x := randomInput(5, 1, 3, 6, 9)
	out, err := d.Forward(x)
	require.NoError(t, err)
	requireClose(t, refDoubleConv(fmapOf(x), d), out)
}

func TestForwardMatchesReference(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseWidth = 2
	cfg.MinAttentionChannels = 2
	n, err := New(cfg)
	require.NoError(t, err)
	perturb(n.Parameters(), 51)

	x := randomInput(6, 1, 3, 16, 16)
	out, err := n.Forward(context.Background(), x)
	require.NoError(t, err)
	requireClose(t, refNetwork(n, fmapOf(x)), out)
}

func TestDecoderConcatenatesSkipFirst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseWidth = 1
	cfg.MinAttentionChannels = 1
	n, err := New(cfg)
	require.NoError(t, err)
	perturb(n.Parameters(), 61)

	// the last decoder block sees [skip from inc, upsampled]; keep only the
	// skip channel so the output is a function of the encoder's first block
	last := n.UpConv[Levels-1]
	w := last.Conv1.Weight // [1, 2, 3, 3]
	for k := 0; k < 9; k++ {
		w.Data[9+k] = 0
	}

	x := randomInput(7, 1, 3, 16, 16)
	out, err := n.Forward(context.Background(), x)
	require.NoError(t, err)

	skip := refDoubleConv(fmapOf(x), n.Inc)
	zeroUp := newFmap(1, 16, 16)
	want := refConv(refDoubleConv(refCat(skip, zeroUp), last), n.Out)
	requireClose(t, want, out)
}
