package unet

import (
	"math"
	"math/rand/v2"

	"github.com/tonk/lesionseg/pkg/tensor"
)

// Conv is a 2D convolution with stride 1. Bias may be nil.
type Conv struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
	Pad    int
}

func newConv(cin, cout, k int, bias bool) Conv {
	c := Conv{Weight: tensor.New(cout, cin, k, k), Pad: k / 2}
	if bias {
		c.Bias = tensor.New(cout)
	}
	return c
}

// Forward applies the convolution.
func (c Conv) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Conv2d(x, c.Weight, c.Bias, c.Pad)
}

func (c Conv) params(prefix string, into map[string]*tensor.Tensor) {
	into[prefix+".weight"] = c.Weight
	if c.Bias != nil {
		into[prefix+".bias"] = c.Bias
	}
}

func (c Conv) init(rng *rand.Rand) {
	fanIn := c.Weight.Shape[1] * c.Weight.Shape[2] * c.Weight.Shape[3]
	heNormal(rng, c.Weight, fanIn)
	if c.Bias != nil {
		clear(c.Bias.Data)
	}
}

// UpConv is a 2x2 stride-2 transposed convolution.
type UpConv struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

func newUpConv(cin, cout int) UpConv {
	return UpConv{Weight: tensor.New(cin, cout, 2, 2), Bias: tensor.New(cout)}
}

// Forward doubles the spatial resolution.
func (u UpConv) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ConvTranspose2d(x, u.Weight, u.Bias, 2)
}

func (u UpConv) params(prefix string, into map[string]*tensor.Tensor) {
	into[prefix+".weight"] = u.Weight
	into[prefix+".bias"] = u.Bias
}

func (u UpConv) init(rng *rand.Rand) {
	heNormal(rng, u.Weight, u.Weight.Shape[0]*4)
	clear(u.Bias.Data)
}

// BatchNorm holds inference-time batch normalization statistics.
type BatchNorm struct {
	Weight      *tensor.Tensor
	Bias        *tensor.Tensor
	RunningMean *tensor.Tensor
	RunningVar  *tensor.Tensor
	Eps         float32
}

func newBatchNorm(c int, eps float32) BatchNorm {
	bn := BatchNorm{
		Weight:      tensor.New(c),
		Bias:        tensor.New(c),
		RunningMean: tensor.New(c),
		RunningVar:  tensor.New(c),
		Eps:         eps,
	}
	bn.reset()
	return bn
}

func (bn BatchNorm) reset() {
	for i := range bn.Weight.Data {
		bn.Weight.Data[i] = 1
		bn.RunningVar.Data[i] = 1
	}
	clear(bn.Bias.Data)
	clear(bn.RunningMean.Data)
}

// Forward normalizes x with the running statistics.
func (bn BatchNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.BatchNorm2d(x, bn.Weight, bn.Bias, bn.RunningMean, bn.RunningVar, bn.Eps)
}

func (bn BatchNorm) params(prefix string, into map[string]*tensor.Tensor) {
	into[prefix+".weight"] = bn.Weight
	into[prefix+".bias"] = bn.Bias
	into[prefix+".running_mean"] = bn.RunningMean
	into[prefix+".running_var"] = bn.RunningVar
}

func heNormal(rng *rand.Rand, t *tensor.Tensor, fanIn int) {
	std := math.Sqrt(2 / float64(fanIn))
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64() * std)
	}
}
