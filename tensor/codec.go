package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType names the element encoding of a serialized tensor.
type DType string

const (
	F32  DType = "f32"
	F16  DType = "f16"
	BF16 DType = "bf16"
)

func (d DType) Size() int {
	switch d {
	case F32:
		return 4
	case F16, BF16:
		return 2
	default:
		return 0
	}
}

// Encode serializes the tensor elements as little-endian values of dtype.
func Encode(t *Tensor, dtype DType) ([]byte, error) {
	switch dtype {
	case F32:
		b := make([]byte, 4*len(t.data))
		for i, v := range t.data {
			binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(float32(v)))
		}
		return b, nil
	case F16:
		b := make([]byte, 2*len(t.data))
		for i, v := range t.data {
			binary.LittleEndian.PutUint16(b[2*i:], float16.Fromfloat32(float32(v)).Bits())
		}
		return b, nil
	case BF16:
		f32s := make([]float32, len(t.data))
		for i, v := range t.data {
			f32s[i] = float32(v)
		}
		return bfloat16.EncodeFloat32(f32s), nil
	default:
		return nil, fmt.Errorf("tensor: unknown dtype %q", dtype)
	}
}

// Decode builds a tensor of the given shape from little-endian values of dtype.
func Decode(shape []int, dtype DType, b []byte) (*Tensor, error) {
	n, err := numel(shape)
	if err != nil {
		return nil, err
	}

	if size := dtype.Size(); size == 0 {
		return nil, fmt.Errorf("tensor: unknown dtype %q", dtype)
	} else if len(b) != n*size {
		return nil, fmt.Errorf("%w: %d bytes of %s for shape %v", ErrShapeMismatch, len(b), dtype, shape)
	}

	data := make([]float64, n)
	switch dtype {
	case F32:
		for i := range data {
			data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:])))
		}
	case F16:
		for i := range data {
			data[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(b[2*i:])).Float32())
		}
	case BF16:
		for i, v := range bfloat16.DecodeFloat32(b) {
			data[i] = float64(v)
		}
	}

	return New(shape, data)
}
