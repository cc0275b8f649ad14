package gpu

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

// Device memory is little-endian regardless of host order.

func DecodeF32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func EncodeF32(dst []byte, v []float32) {
	for i, x := range v {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(x))
	}
}

func F32Bytes(v []float32) []byte {
	b := make([]byte, len(v)*4)
	EncodeF32(b, v)
	return b
}

func DecodeU32(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out
}

func EncodeU32(dst []byte, v []uint32) {
	for i, x := range v {
		binary.LittleEndian.PutUint32(dst[i*4:], x)
	}
}

func U32Bytes(v []uint32) []byte {
	b := make([]byte, len(v)*4)
	EncodeU32(b, v)
	return b
}

// DecodeF16 widens packed binary16 values to float32.
func DecodeF16(b []byte) []float32 {
	out := make([]float32, len(b)/2)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(b[i*2:])).Float32()
	}
	return out
}

// EncodeF16 rounds v to nearest-even binary16.
func EncodeF16(dst []byte, v []float32) {
	for i, x := range v {
		binary.LittleEndian.PutUint16(dst[i*2:], float16.Fromfloat32(x).Bits())
	}
}

func F16Bytes(v []float32) []byte {
	b := make([]byte, len(v)*2)
	EncodeF16(b, v)
	return b
}
