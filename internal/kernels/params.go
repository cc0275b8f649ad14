package kernels

import (
	"math"

	"github.com/samcharles93/kiln/internal/uniform"
)

// Uniform blocks of the supporting kernels. Field order is the WGSL struct
// order.

type normParams struct {
	Rows uint32
	N    uint32
	Eps  float32
}

func (p normParams) encode() []byte {
	return uniform.Encode([]uniform.Value{
		uniform.U32("rows", p.Rows),
		uniform.U32("n", p.N),
		uniform.F32("eps", p.Eps),
	})
}

func decodeNorm(w []uint32) normParams {
	return normParams{Rows: w[0], N: w[1], Eps: math.Float32frombits(w[2])}
}

type ropeParams struct {
	SeqLen   uint32
	NumHeads uint32
	HeadDim  uint32
	Pos      uint32
	Theta    float32
}

func (p ropeParams) encode() []byte {
	return uniform.Encode([]uniform.Value{
		uniform.U32("seq_len", p.SeqLen),
		uniform.U32("num_heads", p.NumHeads),
		uniform.U32("head_dim", p.HeadDim),
		uniform.U32("pos", p.Pos),
		uniform.F32("theta", p.Theta),
	})
}

func decodeRoPE(w []uint32) ropeParams {
	return ropeParams{SeqLen: w[0], NumHeads: w[1], HeadDim: w[2], Pos: w[3], Theta: math.Float32frombits(w[4])}
}

// countParams serves the element-wise kernels.
type countParams struct {
	N uint32
}

func (p countParams) encode() []byte {
	return uniform.Encode([]uniform.Value{uniform.U32("n", p.N)})
}

type matVecParams struct {
	Rows   uint32
	Cols   uint32
	Blocks uint32
}

func (p matVecParams) encode() []byte {
	return uniform.Encode([]uniform.Value{
		uniform.U32("rows", p.Rows),
		uniform.U32("cols", p.Cols),
		uniform.U32("blocks", p.Blocks),
	})
}

func decodeMatVec(w []uint32) matVecParams {
	return matVecParams{Rows: w[0], Cols: w[1], Blocks: w[2]}
}

type routeParams struct {
	Tokens  uint32
	Experts uint32
	TopK    uint32
}

func (p routeParams) encode() []byte {
	return uniform.Encode([]uniform.Value{
		uniform.U32("tokens", p.Tokens),
		uniform.U32("experts", p.Experts),
		uniform.U32("top_k", p.TopK),
	})
}

func decodeRoute(w []uint32) routeParams {
	return routeParams{Tokens: w[0], Experts: w[1], TopK: w[2]}
}

// rowsParams serves gather and scatter: Rows is the row count of the
// indexed tensor, Count the number of indices.
type rowsParams struct {
	Rows  uint32
	Dim   uint32
	Count uint32
}

func (p rowsParams) encode() []byte {
	return uniform.Encode([]uniform.Value{
		uniform.U32("rows", p.Rows),
		uniform.U32("dim", p.Dim),
		uniform.U32("count", p.Count),
	})
}

func decodeRows(w []uint32) rowsParams {
	return rowsParams{Rows: w[0], Dim: w[1], Count: w[2]}
}
