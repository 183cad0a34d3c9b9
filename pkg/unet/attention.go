package unet

import (
	"fmt"
	"math/rand/v2"

	"github.com/tonk/lesionseg/pkg/tensor"
)

// CoordAttention gates every channel by a signal factored into a per-column
// and a per-row component.
//
// Column and row averages are squeezed through a shared 1x1 convolution,
// batch normalization and ReLU, expanded back with separate 1x1 convolutions
// and combined as sigmoid(col[x] + row[y]). The output has the input's shape.
type CoordAttention struct {
	Conv1 Conv
	BN1   BatchNorm
	ConvH Conv
	ConvW Conv

	channels int
}

// NewCoordAttention builds a block for the given channel count. The hidden
// width is max(minMid, channels/reduction).
func NewCoordAttention(channels, reduction, minMid int, eps float32) *CoordAttention {
	mid := channels / reduction
	if mid < minMid {
		mid = minMid
	}
	return &CoordAttention{
		Conv1:    newConv(channels, mid, 1, false),
		BN1:      newBatchNorm(mid, eps),
		ConvH:    newConv(mid, channels, 1, false),
		ConvW:    newConv(mid, channels, 1, false),
		channels: channels,
	}
}

// Forward applies the attention gate to x.
func (a *CoordAttention) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	colMean, err := tensor.MeanOverRows(x) // [N, C, 1, W]
	if err != nil {
		return nil, err
	}
	rowMean, err := tensor.MeanOverCols(x) // [N, C, H, 1]
	if err != nil {
		return nil, err
	}

	colHidden, err := a.squeeze(colMean)
	if err != nil {
		return nil, fmt.Errorf("coord attention columns: %w", err)
	}
	rowHidden, err := a.squeeze(rowMean)
	if err != nil {
		return nil, fmt.Errorf("coord attention rows: %w", err)
	}

	colGate, err := a.ConvH.Forward(colHidden)
	if err != nil {
		return nil, err
	}
	rowGate, err := a.ConvW.Forward(rowHidden)
	if err != nil {
		return nil, err
	}
	return tensor.AxisGate(x, colGate, rowGate)
}

func (a *CoordAttention) squeeze(pooled *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := a.Conv1.Forward(pooled)
	if err != nil {
		return nil, err
	}
	y, err = a.BN1.Forward(y)
	if err != nil {
		return nil, err
	}
	return tensor.ReLU(y), nil
}

func (a *CoordAttention) params(prefix string, into map[string]*tensor.Tensor) {
	a.Conv1.params(prefix+".conv1", into)
	a.BN1.params(prefix+".bn1", into)
	a.ConvH.params(prefix+".conv_h", into)
	a.ConvW.params(prefix+".conv_w", into)
}

func (a *CoordAttention) init(rng *rand.Rand) {
	a.Conv1.init(rng)
	a.BN1.reset()
	a.ConvH.init(rng)
	a.ConvW.init(rng)
}

// DoubleConvCA is (conv3x3 -> BN -> ReLU) twice followed by CoordAttention.
type DoubleConvCA struct {
	Conv1     Conv
	BN1       BatchNorm
	Conv2     Conv
	BN2       BatchNorm
	Attention *CoordAttention
}

// NewDoubleConvCA builds a block mapping in channels to out channels.
func NewDoubleConvCA(in, out int, cfg Config) *DoubleConvCA {
	return &DoubleConvCA{
		Conv1:     newConv(in, out, 3, true),
		BN1:       newBatchNorm(out, cfg.Eps),
		Conv2:     newConv(out, out, 3, true),
		BN2:       newBatchNorm(out, cfg.Eps),
		Attention: NewCoordAttention(out, cfg.Reduction, cfg.MinAttentionChannels, cfg.Eps),
	}
}

// Forward runs both convolution stages and the attention gate.
func (d *DoubleConvCA) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := d.Conv1.Forward(x)
	if err != nil {
		return nil, err
	}
	if y, err = d.BN1.Forward(y); err != nil {
		return nil, err
	}
	tensor.ReLU(y)

	if y, err = d.Conv2.Forward(y); err != nil {
		return nil, err
	}
	if y, err = d.BN2.Forward(y); err != nil {
		return nil, err
	}
	tensor.ReLU(y)

	return d.Attention.Forward(y)
}

// params names tensors the way the trained checkpoint does: the two
// convolution stages live in a sequential container at indices 0,1 and 3,4.
func (d *DoubleConvCA) params(prefix string, into map[string]*tensor.Tensor) {
	d.Conv1.params(prefix+".double_conv.0", into)
	d.BN1.params(prefix+".double_conv.1", into)
	d.Conv2.params(prefix+".double_conv.3", into)
	d.BN2.params(prefix+".double_conv.4", into)
	d.Attention.params(prefix+".coord_attention", into)
}

func (d *DoubleConvCA) init(rng *rand.Rand) {
	d.Conv1.init(rng)
	d.BN1.reset()
	d.Conv2.init(rng)
	d.BN2.reset()
	d.Attention.init(rng)
}
