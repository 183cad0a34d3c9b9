// Package tensor implements the dense float32 NCHW arrays and the handful of
// inference-time operations the segmentation network is built from.
//
// Only the operations needed for a forward pass are provided: 2D convolution,
// 2x2 transposed convolution, batch normalization with running statistics,
// max pooling, channel concatenation, axis means and elementwise activations.
// There is no autodiff and no training support.
package tensor

import (
	"errors"
	"fmt"
)

// ErrShape is returned (wrapped) whenever operand shapes do not conform.
var ErrShape = errors.New("tensor: shape mismatch")

// Tensor is a dense row-major float32 array.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Shape: s, Data: make([]float32, n)}
}

// FromData wraps data in a tensor of the given shape without copying.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("%w: negative dimension in %v", ErrShape, shape)
		}
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(data), shape)
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Shape: s, Data: data}, nil
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return len(t.Data)
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Dims returns the NCHW extents of a rank-4 tensor.
func (t *Tensor) Dims() (n, c, h, w int, err error) {
	if len(t.Shape) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("%w: want rank 4, got shape %v", ErrShape, t.Shape)
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3], nil
}

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := New(t.Shape...)
	copy(c.Data, t.Data)
	return c
}

// At returns the element at NCHW position (n, c, y, x) of a rank-4 tensor.
func (t *Tensor) At(n, c, y, x int) float32 {
	return t.Data[t.offset(n, c, y, x)]
}

// Set stores v at NCHW position (n, c, y, x) of a rank-4 tensor.
func (t *Tensor) Set(n, c, y, x int, v float32) {
	t.Data[t.offset(n, c, y, x)] = v
}

// Plane returns the H*W slice backing channel c of sample n.
func (t *Tensor) Plane(n, c int) []float32 {
	h, w := t.Shape[2], t.Shape[3]
	start := (n*t.Shape[1] + c) * h * w
	return t.Data[start : start+h*w]
}

func (t *Tensor) offset(n, c, y, x int) int {
	return ((n*t.Shape[1]+c)*t.Shape[2]+y)*t.Shape[3] + x
}

// String renders the shape only; tensors are usually too large to print.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}
