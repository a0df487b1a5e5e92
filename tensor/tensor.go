// Package tensor is a minimal dense float64 array used by the sampler.
//
// A Tensor owns a flat buffer and a shape. The leading dimension is the batch
// dimension; Batch and Concat operate along it. Arithmetic is performed in
// place where the caller owns the receiver.
package tensor

import (
	"errors"
	"fmt"
	"slices"

	"gonum.org/v1/gonum/floats"
)

var ErrShapeMismatch = errors.New("tensor: shape mismatch")

type Tensor struct {
	shape []int
	data  []float64
}

// New wraps data with the given shape. The tensor takes ownership of data.
func New(shape []int, data []float64) (*Tensor, error) {
	n, err := numel(shape)
	if err != nil {
		return nil, err
	}

	if n != len(data) {
		return nil, fmt.Errorf("%w: shape %v holds %d elements, got %d", ErrShapeMismatch, shape, n, len(data))
	}

	return &Tensor{shape: slices.Clone(shape), data: data}, nil
}

// Zeros returns a zero-filled tensor. It panics on a non-positive dimension.
func Zeros(shape ...int) *Tensor {
	n, err := numel(shape)
	if err != nil {
		panic(err)
	}

	return &Tensor{shape: slices.Clone(shape), data: make([]float64, n)}
}

func numel(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("%w: empty shape", ErrShapeMismatch)
	}

	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("%w: invalid dimension in %v", ErrShapeMismatch, shape)
		}
		n *= d
	}

	return n, nil
}

// Shape returns a copy of the tensor shape.
func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int {
	return t.shape[i]
}

// Data returns the backing buffer. Writes are visible to the tensor.
func (t *Tensor) Data() []float64 {
	return t.data
}

func (t *Tensor) Len() int {
	return len(t.data)
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), data: slices.Clone(t.data)}
}

func (t *Tensor) SameShape(o *Tensor) bool {
	return slices.Equal(t.shape, o.shape)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("tensor%v", t.shape)
}

// Scale multiplies every element by c in place and returns t.
func (t *Tensor) Scale(c float64) *Tensor {
	floats.Scale(c, t.data)
	return t
}

// AddScaled computes t += alpha * o in place.
func (t *Tensor) AddScaled(alpha float64, o *Tensor) error {
	if !t.SameShape(o) {
		return fmt.Errorf("%w: %v and %v", ErrShapeMismatch, t.shape, o.shape)
	}

	floats.AddScaled(t.data, alpha, o.data)
	return nil
}

// Sub returns a - b as a new tensor.
func Sub(a, b *Tensor) (*Tensor, error) {
	if !a.SameShape(b) {
		return nil, fmt.Errorf("%w: %v and %v", ErrShapeMismatch, a.shape, b.shape)
	}

	dst := make([]float64, len(a.data))
	floats.SubTo(dst, a.data, b.data)
	return &Tensor{shape: slices.Clone(a.shape), data: dst}, nil
}

// Batch returns a view of batch entry i with a leading dimension of 1.
// The view shares memory with t.
func (t *Tensor) Batch(i int) (*Tensor, error) {
	if i < 0 || i >= t.shape[0] {
		return nil, fmt.Errorf("tensor: batch index %d out of range for %v", i, t.shape)
	}

	stride := len(t.data) / t.shape[0]
	shape := slices.Clone(t.shape)
	shape[0] = 1
	return &Tensor{shape: shape, data: t.data[i*stride : (i+1)*stride : (i+1)*stride]}, nil
}

// Repeat duplicates a tensor with a leading dimension of 1 into a batch of n.
func (t *Tensor) Repeat(n int) (*Tensor, error) {
	if t.shape[0] != 1 {
		return nil, fmt.Errorf("%w: repeat requires a batch of 1, got %v", ErrShapeMismatch, t.shape)
	}

	if n < 1 {
		return nil, fmt.Errorf("tensor: invalid repeat count %d", n)
	}

	data := make([]float64, 0, n*len(t.data))
	for range n {
		data = append(data, t.data...)
	}

	shape := slices.Clone(t.shape)
	shape[0] = n
	return &Tensor{shape: shape, data: data}, nil
}

// Concat joins tensors along the batch dimension. All trailing dimensions
// must match.
func Concat(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("tensor: nothing to concatenate")
	}

	var n, size int
	for _, t := range ts {
		if !slices.Equal(t.shape[1:], ts[0].shape[1:]) {
			return nil, fmt.Errorf("%w: cannot concatenate %v and %v", ErrShapeMismatch, ts[0].shape, t.shape)
		}
		n += t.shape[0]
		size += len(t.data)
	}

	data := make([]float64, 0, size)
	for _, t := range ts {
		data = append(data, t.data...)
	}

	shape := slices.Clone(ts[0].shape)
	shape[0] = n
	return &Tensor{shape: shape, data: data}, nil
}

// Reshape returns a view of t with a new shape holding the same number of
// elements.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	n, err := numel(shape)
	if err != nil {
		return nil, err
	}

	if n != len(t.data) {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShapeMismatch, t.shape, shape)
	}

	return &Tensor{shape: slices.Clone(shape), data: t.data}, nil
}
