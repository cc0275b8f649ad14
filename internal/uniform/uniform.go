// Package uniform encodes kernel parameter blocks.
//
// Every field is a 4-byte scalar (u32, i32 or f32) stored little-endian at
// the next 4-byte offset, in declaration order, and the block is zero padded
// to a multiple of 16 bytes. The WGSL structs mirror this layout exactly.
package uniform

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Align is the size granularity of a uniform block.
const Align = 16

type Kind uint8

const (
	KindU32 Kind = iota
	KindI32
	KindF32
)

func (k Kind) String() string {
	switch k {
	case KindU32:
		return "u32"
	case KindI32:
		return "i32"
	case KindF32:
		return "f32"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is one named field of a block.
type Value struct {
	Name string
	Kind Kind
	bits uint32
}

func U32(name string, v uint32) Value { return Value{Name: name, Kind: KindU32, bits: v} }

func I32(name string, v int32) Value { return Value{Name: name, Kind: KindI32, bits: uint32(v)} }

func F32(name string, v float32) Value {
	return Value{Name: name, Kind: KindF32, bits: math.Float32bits(v)}
}

// Bool is a u32 holding 0 or 1.
func Bool(name string, v bool) Value {
	if v {
		return U32(name, 1)
	}
	return U32(name, 0)
}

func (v Value) Bits() uint32 { return v.bits }

// Size returns the padded byte size of a block with n fields.
func Size(n int) int {
	raw := n * 4
	if raw == 0 {
		return Align
	}
	return (raw + Align - 1) / Align * Align
}

func Encode(vals []Value) []byte {
	out := make([]byte, Size(len(vals)))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], v.bits)
	}
	return out
}

// Field describes where a value lands in an encoded block.
type Field struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Offset int    `json:"offset"`
}

func Layout(vals []Value) []Field {
	out := make([]Field, len(vals))
	for i, v := range vals {
		out[i] = Field{Name: v.Name, Kind: v.Kind.String(), Offset: i * 4}
	}
	return out
}

// Offset returns the byte offset of the named field, or -1.
func Offset(vals []Value, name string) int {
	for i, v := range vals {
		if v.Name == name {
			return i * 4
		}
	}
	return -1
}
