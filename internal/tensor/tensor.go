// Package tensor describes typed views over device buffers.
package tensor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/kiln/internal/gpu"
)

type DType uint8

const (
	Invalid DType = iota
	F32
	F16
	U32
	I32
	// Q4 is packed signed 4-bit codes, eight per u32.
	Q4
)

var ErrDType = errors.New("unsupported dtype")

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case U32:
		return "u32"
	case I32:
		return "i32"
	case Q4:
		return "q4"
	default:
		return "invalid"
	}
}

func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "float32":
		return F32, nil
	case "f16", "float16", "half":
		return F16, nil
	case "u32", "uint32":
		return U32, nil
	case "i32", "int32":
		return I32, nil
	case "q4":
		return Q4, nil
	default:
		return Invalid, fmt.Errorf("%w %q", ErrDType, s)
	}
}

// ByteSize returns the storage needed for n elements, rounded up to a
// whole u32 word since device buffers are word addressed.
func (d DType) ByteSize(n int) uint64 {
	var raw uint64
	switch d {
	case F32, U32, I32:
		raw = uint64(n) * 4
	case F16:
		raw = uint64(n) * 2
	case Q4:
		raw = (uint64(n) + 1) / 2
	}
	return (raw + 3) / 4 * 4
}

// Float reports whether the dtype holds floating-point activations.
func (d DType) Float() bool { return d == F32 || d == F16 }

// Tensor is a typed, shaped view of a device buffer. It does not own the
// buffer; whoever acquired the buffer releases it.
type Tensor struct {
	Buffer gpu.Buffer
	DType  DType
	Shape  []int
	Label  string
}

func New(buf gpu.Buffer, dtype DType, shape []int, label string) Tensor {
	return Tensor{Buffer: buf, DType: dtype, Shape: append([]int(nil), shape...), Label: label}
}

func (t Tensor) Valid() bool { return t.Buffer != nil }

func Elements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t Tensor) Elements() int { return Elements(t.Shape) }

// Bytes is the logical size, which may be smaller than the buffer.
func (t Tensor) Bytes() uint64 { return t.DType.ByteSize(t.Elements()) }

func (t Tensor) Rank() int { return len(t.Shape) }

// Dim returns dimension i, counting from the end when i is negative.
func (t Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	if i < 0 || i >= len(t.Shape) {
		return 0
	}
	return t.Shape[i]
}

// Reshape returns a view with a new shape over the same elements.
func (t Tensor) Reshape(shape ...int) (Tensor, error) {
	if Elements(shape) != t.Elements() {
		return Tensor{}, fmt.Errorf("reshape %s %v to %v: element count differs", t.Label, t.Shape, shape)
	}
	out := t
	out.Shape = append([]int(nil), shape...)
	return out, nil
}

func (t Tensor) String() string {
	return fmt.Sprintf("%s%v:%s", t.Label, t.Shape, t.DType)
}

func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Encode converts host floats to the device representation of dtype.
func Encode(dtype DType, data []float32) ([]byte, error) {
	switch dtype {
	case F32:
		return gpu.F32Bytes(data), nil
	case F16:
		b := make([]byte, dtype.ByteSize(len(data)))
		gpu.EncodeF16(b, data)
		return b, nil
	default:
		return nil, fmt.Errorf("encode: %w %s", ErrDType, dtype)
	}
}

// Decode reads n floats of dtype from device bytes.
func Decode(dtype DType, b []byte, n int) ([]float32, error) {
	switch dtype {
	case F32:
		if len(b) < n*4 {
			return nil, fmt.Errorf("decode: have %d bytes for %d f32", len(b), n)
		}
		return gpu.DecodeF32(b[:n*4]), nil
	case F16:
		if len(b) < n*2 {
			return nil, fmt.Errorf("decode: have %d bytes for %d f16", len(b), n)
		}
		return gpu.DecodeF16(b[:n*2]), nil
	default:
		return nil, fmt.Errorf("decode: %w %s", ErrDType, dtype)
	}
}
