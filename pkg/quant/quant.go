// Package quant packs float32 data into signed 4-bit codes.
//
// Two layouts share one code format: nibbles are two's complement in
// [-8, 7], stored low nibble first, eight per little-endian u32 word.
//   - Blocked (Q4): 32 values per block with one f32 scale, used for weights.
//   - Row: one scale for a whole row, used for cold KV-cache rows.
//
// Scales are maxabs/7 so the largest magnitude maps to ±7 and the
// reconstruction error is at most half a step.
package quant

import (
	"fmt"
	"math"
)

const (
	BlockSize = 32
	// WordsPerBlock is the number of u32 words holding one Q4 block.
	WordsPerBlock = BlockSize / 8
	// ValuesPerWord is the number of nibbles in a u32.
	ValuesPerWord = 8
)

var q4SignTable = [16]int8{
	0, 1, 2, 3, 4, 5, 6, 7,
	-8, -7, -6, -5, -4, -3, -2, -1,
}

// SignExtend4 widens a nibble to its signed value.
func SignExtend4(v uint32) int8 {
	return q4SignTable[v&0x0F]
}

// QuantTensor is a blocked Q4 matrix or vector.
type QuantTensor struct {
	BlockSize int
	Scales    []float32
	Data      []uint32
}

func scaleFor(x []float32) float32 {
	maxAbs := float32(0)
	for _, v := range x {
		if v < 0 {
			v = -v
		}
		if v > maxAbs {
			maxAbs = v
		}
	}
	return maxAbs / 7
}

func code(v, inv float32) uint32 {
	q := int32(math.Round(float64(v * inv)))
	if q > 7 {
		q = 7
	} else if q < -8 {
		q = -8
	}
	return uint32(q) & 0x0F
}

// QuantizeRow packs x into dst with a single scale and returns it.
// len(x) must be a multiple of 8 and dst must hold len(x)/8 words.
func QuantizeRow(dst []uint32, x []float32) float32 {
	scale := scaleFor(x)
	for i := range dst[:len(x)/ValuesPerWord] {
		dst[i] = 0
	}
	if scale == 0 {
		return 0
	}
	inv := 1 / scale
	for i, v := range x {
		dst[i/ValuesPerWord] |= code(v, inv) << (4 * uint(i%ValuesPerWord))
	}
	return scale
}

// DequantizeRow expands len(dst) values from src.
func DequantizeRow(dst []float32, src []uint32, scale float32) {
	for i := range dst {
		nib := src[i/ValuesPerWord] >> (4 * uint(i%ValuesPerWord))
		dst[i] = float32(SignExtend4(nib)) * scale
	}
}

// QuantizeQ4 packs a rows x cols matrix in 32-value blocks. cols must be a
// multiple of BlockSize.
func QuantizeQ4(x []float32, rows, cols int) (QuantTensor, error) {
	if cols%BlockSize != 0 {
		return QuantTensor{}, fmt.Errorf("q4: cols %d is not a multiple of %d", cols, BlockSize)
	}
	if len(x) != rows*cols {
		return QuantTensor{}, fmt.Errorf("q4: have %d values, want %dx%d", len(x), rows, cols)
	}
	blocks := len(x) / BlockSize
	q := QuantTensor{
		BlockSize: BlockSize,
		Scales:    make([]float32, blocks),
		Data:      make([]uint32, blocks*WordsPerBlock),
	}
	for b := 0; b < blocks; b++ {
		src := x[b*BlockSize : (b+1)*BlockSize]
		q.Scales[b] = QuantizeRow(q.Data[b*WordsPerBlock:(b+1)*WordsPerBlock], src)
	}
	return q, nil
}

// Dequantize expands the whole tensor.
func (q QuantTensor) Dequantize() []float32 {
	out := make([]float32, len(q.Scales)*BlockSize)
	for b, scale := range q.Scales {
		DequantizeRow(out[b*BlockSize:(b+1)*BlockSize], q.Data[b*WordsPerBlock:], scale)
	}
	return out
}

// DecodeBlock4 unpacks one block of 32 codes.
func DecodeBlock4(dst *[BlockSize]int8, src []uint32) {
	for w := 0; w < WordsPerBlock; w++ {
		word := src[w]
		base := w * ValuesPerWord
		for i := 0; i < ValuesPerWord; i++ {
			dst[base+i] = q4SignTable[(word>>(4*uint(i)))&0x0F]
		}
	}
}

// DotBlock multiplies one decoded block by x and the block scale.
func DotBlock(q *[BlockSize]int8, x []float32, scale float32) float32 {
	var sum float32
	for i, v := range q {
		sum += float32(v) * x[i]
	}
	return sum * scale
}
