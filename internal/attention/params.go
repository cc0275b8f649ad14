package attention

import (
	"math"

	"github.com/samcharles93/kiln/internal/uniform"
)

// Params is the per-dispatch parameter block shared by every attention
// variant. Field order is the WGSL struct order and must not change.
type Params struct {
	NumHeads        uint32
	NumKVHeads      uint32
	HeadDim         uint32
	QueryLen        uint32
	KVLen           uint32
	StartPos        uint32
	Causal          bool
	Window          uint32
	Scale           float32
	Softcap         float32
	HasMask         bool
	KVLenFromBuffer bool
	ColdLen         uint32
	HotLen          uint32
	HotWindow       uint32
	HotStart        uint32
}

func (p Params) Values() []uniform.Value {
	return []uniform.Value{
		uniform.U32("num_heads", p.NumHeads),
		uniform.U32("num_kv_heads", p.NumKVHeads),
		uniform.U32("head_dim", p.HeadDim),
		uniform.U32("query_len", p.QueryLen),
		uniform.U32("kv_len", p.KVLen),
		uniform.U32("start_pos", p.StartPos),
		uniform.Bool("causal", p.Causal),
		uniform.U32("window", p.Window),
		uniform.F32("scale", p.Scale),
		uniform.F32("softcap", p.Softcap),
		uniform.Bool("has_mask", p.HasMask),
		uniform.Bool("kv_len_from_buffer", p.KVLenFromBuffer),
		uniform.U32("cold_len", p.ColdLen),
		uniform.U32("hot_len", p.HotLen),
		uniform.U32("hot_window", p.HotWindow),
		uniform.U32("hot_start", p.HotStart),
	}
}

func (p Params) Encode() []byte { return uniform.Encode(p.Values()) }

// DecodeParams reads a block written by Encode.
func DecodeParams(w []uint32) Params {
	if len(w) < 16 {
		w = append(w[:len(w):len(w)], make([]uint32, 16-len(w))...)
	}
	return Params{
		NumHeads:        w[0],
		NumKVHeads:      w[1],
		HeadDim:         w[2],
		QueryLen:        w[3],
		KVLen:           w[4],
		StartPos:        w[5],
		Causal:          w[6] != 0,
		Window:          w[7],
		Scale:           math.Float32frombits(w[8]),
		Softcap:         math.Float32frombits(w[9]),
		HasMask:         w[10] != 0,
		KVLenFromBuffer: w[11] != 0,
		ColdLen:         w[12],
		HotLen:          w[13],
		HotWindow:       w[14],
		HotStart:        w[15],
	}
}

// TieredParams is the second uniform block of the tiered decode variants.
type TieredParams struct {
	PageSize     uint32
	UsePageTable bool
	Quantized    bool
	NumPages     uint32
}

func (p TieredParams) Values() []uniform.Value {
	return []uniform.Value{
		uniform.U32("page_size", p.PageSize),
		uniform.Bool("use_page_table", p.UsePageTable),
		uniform.Bool("quantized", p.Quantized),
		uniform.U32("num_pages", p.NumPages),
	}
}

func (p TieredParams) Encode() []byte { return uniform.Encode(p.Values()) }

func DecodeTieredParams(w []uint32) TieredParams {
	if len(w) < 4 {
		w = append(w[:len(w):len(w)], make([]uint32, 4-len(w))...)
	}
	return TieredParams{
		PageSize:     w[0],
		UsePageTable: w[1] != 0,
		Quantized:    w[2] != 0,
		NumPages:     w[3],
	}
}
