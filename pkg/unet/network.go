// Package unet implements the encoder-decoder lesion segmentation network:
// a five-level U-Net whose double-convolution blocks each end in a
// coordinate attention gate.
package unet

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/tonk/lesionseg/pkg/tensor"
	"github.com/tonk/lesionseg/pkg/weights"
)

// ErrWeights is returned (wrapped) when a state dict does not fit the network.
var ErrWeights = errors.New("unet: incompatible weights")

// Levels is the number of 2x poolings in the encoder. Inputs must have
// height and width divisible by 1<<Levels.
const Levels = 4

// Config describes the network topology.
type Config struct {
	InChannels           int
	Classes              int
	BaseWidth            int
	Reduction            int
	MinAttentionChannels int
	Eps                  float32
}

// DefaultConfig matches the trained lesion checkpoint: RGB in, one mask
// channel out, 64..1024 feature channels.
func DefaultConfig() Config {
	return Config{
		InChannels:           3,
		Classes:              1,
		BaseWidth:            64,
		Reduction:            32,
		MinAttentionChannels: 8,
		Eps:                  1e-5,
	}
}

// Validate checks the topology parameters.
func (c Config) Validate() error {
	switch {
	case c.InChannels < 1:
		return fmt.Errorf("in_channels must be positive")
	case c.Classes < 1:
		return fmt.Errorf("classes must be positive")
	case c.BaseWidth < 1:
		return fmt.Errorf("base_width must be positive")
	case c.Reduction < 1:
		return fmt.Errorf("reduction must be positive")
	case c.MinAttentionChannels < 1:
		return fmt.Errorf("min_attention_channels must be positive")
	case c.Eps <= 0:
		return fmt.Errorf("eps must be positive")
	}
	return nil
}

// Network is the segmentation model. A Network is safe for concurrent
// Forward calls once its weights are loaded.
type Network struct {
	cfg Config

	Inc    *DoubleConvCA
	Down   [Levels]*DoubleConvCA
	Up     [Levels]UpConv
	UpConv [Levels]*DoubleConvCA
	Out    Conv
}

// New builds a network with neutral parameters: zero convolutions and
// identity batch normalization. Load weights or call Init before use.
func New(cfg Config) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid network config: %w", err)
	}
	n := &Network{cfg: cfg}
	b := cfg.BaseWidth
	n.Inc = NewDoubleConvCA(cfg.InChannels, b, cfg)
	for i := 0; i < Levels; i++ {
		in := b << i
		n.Down[i] = NewDoubleConvCA(in, in*2, cfg)
	}
	for i := 0; i < Levels; i++ {
		in := b << (Levels - i)
		n.Up[i] = newUpConv(in, in/2)
		n.UpConv[i] = NewDoubleConvCA(in, in/2, cfg)
	}
	n.Out = newConv(b, cfg.Classes, 1, true)
	return n, nil
}

// Config returns the topology the network was built with.
func (n *Network) Config() Config {
	return n.cfg
}

// Init fills every parameter with He-normal random weights and resets batch
// normalization to identity statistics.
func (n *Network) Init(rng *rand.Rand) {
	n.Inc.init(rng)
	for i := 0; i < Levels; i++ {
		n.Down[i].init(rng)
		n.Up[i].init(rng)
		n.UpConv[i].init(rng)
	}
	n.Out.init(rng)
}

// Parameters returns every parameter tensor keyed by its checkpoint name.
func (n *Network) Parameters() map[string]*tensor.Tensor {
	p := make(map[string]*tensor.Tensor)
	n.Inc.params("inc", p)
	for i := 0; i < Levels; i++ {
		// the checkpoint wraps each encoder block as Sequential(MaxPool2d, block)
		n.Down[i].params(fmt.Sprintf("down%d.1", i+1), p)
		n.Up[i].params(fmt.Sprintf("up%d", i+1), p)
		n.UpConv[i].params(fmt.Sprintf("up_conv%d", i+1), p)
	}
	n.Out.params("outc", p)
	return p
}

// NumParameters counts scalar parameters.
func (n *Network) NumParameters() int {
	total := 0
	for _, t := range n.Parameters() {
		total += t.Len()
	}
	return total
}

// StateDict returns a copy of the parameters suitable for weights.Encode.
func (n *Network) StateDict() weights.StateDict {
	sd := make(weights.StateDict)
	for name, t := range n.Parameters() {
		sd[name] = t.Clone()
	}
	return sd
}

// LoadStateDict copies matching tensors into the network. Every parameter
// must be present with the expected shape. Unknown names are returned so
// callers can log them; batch-norm step counters are skipped silently.
func (n *Network) LoadStateDict(sd weights.StateDict) ([]string, error) {
	params := n.Parameters()

	var missing, mismatched []string
	for name, dst := range params {
		src, ok := sd[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		if src.Len() != dst.Len() || !compatibleShape(src.Shape, dst.Shape) {
			mismatched = append(mismatched, fmt.Sprintf("%s %v != %v", name, src.Shape, dst.Shape))
		}
	}
	if len(missing) > 0 || len(mismatched) > 0 {
		sort.Strings(missing)
		sort.Strings(mismatched)
		var parts []string
		if len(missing) > 0 {
			parts = append(parts, fmt.Sprintf("missing %d tensors (first: %s)", len(missing), missing[0]))
		}
		if len(mismatched) > 0 {
			parts = append(parts, fmt.Sprintf("shape mismatch: %s", strings.Join(mismatched, "; ")))
		}
		return nil, fmt.Errorf("%w: %s", ErrWeights, strings.Join(parts, ", "))
	}

	for name, dst := range params {
		copy(dst.Data, sd[name].Data)
	}

	var unexpected []string
	for name := range sd {
		if _, ok := params[name]; ok || strings.HasSuffix(name, ".num_batches_tracked") {
			continue
		}
		unexpected = append(unexpected, name)
	}
	sort.Strings(unexpected)
	return unexpected, nil
}

// compatibleShape accepts exact matches and 1-element tensors stored as scalars.
func compatibleShape(a, b []int) bool {
	if len(a) == len(b) {
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	}
	return len(a) == 0 && len(b) == 1 && b[0] == 1
}

// Load builds a network from cfg and loads a safetensors checkpoint.
func Load(path string, cfg Config) (*Network, []string, error) {
	n, err := New(cfg)
	if err != nil {
		return nil, nil, err
	}
	sd, _, err := weights.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	unexpected, err := n.LoadStateDict(sd)
	if err != nil {
		return nil, nil, err
	}
	return n, unexpected, nil
}

// Forward runs the network on x ([N, InChannels, H, W]) and returns raw
// logits of shape [N, Classes, H, W]. H and W must be multiples of 16.
// The context is checked between blocks.
func (n *Network) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	_, c, h, w, err := x.Dims()
	if err != nil {
		return nil, err
	}
	if c != n.cfg.InChannels {
		return nil, fmt.Errorf("%w: network expects %d input channels, got %d", tensor.ErrShape, n.cfg.InChannels, c)
	}
	const div = 1 << Levels
	if h%div != 0 || w%div != 0 || h == 0 || w == 0 {
		return nil, fmt.Errorf("%w: input %dx%d is not a positive multiple of %d", tensor.ErrShape, w, h, div)
	}

	skips := make([]*tensor.Tensor, 0, Levels)
	y, err := n.Inc.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("inc: %w", err)
	}

	for i, block := range n.Down {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		skips = append(skips, y)
		pooled, err := tensor.MaxPool2d(y, 2)
		if err != nil {
			return nil, fmt.Errorf("down%d: %w", i+1, err)
		}
		if y, err = block.Forward(pooled); err != nil {
			return nil, fmt.Errorf("down%d: %w", i+1, err)
		}
	}

	for i := 0; i < Levels; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		up, err := n.Up[i].Forward(y)
		if err != nil {
			return nil, fmt.Errorf("up%d: %w", i+1, err)
		}
		merged, err := tensor.Concat(skips[Levels-1-i], up)
		if err != nil {
			return nil, fmt.Errorf("up%d skip: %w", i+1, err)
		}
		if y, err = n.UpConv[i].Forward(merged); err != nil {
			return nil, fmt.Errorf("up_conv%d: %w", i+1, err)
		}
	}

	logits, err := n.Out.Forward(y)
	if err != nil {
		return nil, fmt.Errorf("outc: %w", err)
	}
	return logits, nil
}
