package kernels

import (
	"context"

	"github.com/samcharles93/kiln/internal/pipeline"
	"github.com/samcharles93/kiln/internal/recorder"
	"github.com/samcharles93/kiln/internal/tensor"
	"github.com/samcharles93/kiln/pkg/quant"
)

// Q4Matrix is a rows x cols weight matrix in device memory. Codes holds
// quant.WordsPerBlock words per 32-value block, row-major; Scales one f32
// per block.
type Q4Matrix struct {
	Codes  tensor.Tensor
	Scales tensor.Tensor
	Rows   int
	Cols   int
}

func (m Q4Matrix) blocks() int { return m.Cols / quant.BlockSize }

// UploadQ4 copies a blocked Q4 matrix to the device.
func (k *Kernels) UploadQ4(q quant.QuantTensor, rows, cols int) (Q4Matrix, error) {
	if rows <= 0 || cols <= 0 || cols%quant.BlockSize != 0 {
		return Q4Matrix{}, configErr("q4 matrix %dx%d: cols must be a positive multiple of %d", rows, cols, quant.BlockSize)
	}
	blocks := rows * cols / quant.BlockSize
	if len(q.Scales) != blocks || len(q.Data) != blocks*quant.WordsPerBlock {
		return Q4Matrix{}, configErr("q4 matrix %dx%d: have %d scales and %d words", rows, cols, len(q.Scales), len(q.Data))
	}
	codes, err := k.rt.UploadU32([]int{rows, cols / quant.ValuesPerWord}, q.Data, "q4.codes")
	if err != nil {
		return Q4Matrix{}, err
	}
	scales, err := k.rt.Upload(tensor.F32, []int{rows, cols / quant.BlockSize}, q.Scales, "q4.scales")
	if err != nil {
		_ = k.rt.Release(codes)
		return Q4Matrix{}, err
	}
	return Q4Matrix{Codes: codes, Scales: scales, Rows: rows, Cols: cols}, nil
}

// ReleaseQ4 returns the matrix buffers to the pool.
func (k *Kernels) ReleaseQ4(m Q4Matrix) error {
	return k.rt.Release(m.Codes, m.Scales)
}

// MatVecQ4 returns w·x as an f32 vector of w.Rows values.
func (k *Kernels) MatVecQ4(ctx context.Context, w Q4Matrix, x tensor.Tensor) (tensor.Tensor, error) {
	outs, err := k.submit(ctx, "matvec", func(rec *recorder.Recorder) ([]tensor.Tensor, error) {
		out, err := k.RecordMatVecQ4(ctx, rec, w, x)
		return []tensor.Tensor{out}, err
	})
	if err != nil {
		return tensor.Tensor{}, err
	}
	return outs[0], nil
}

func (k *Kernels) RecordMatVecQ4(ctx context.Context, rec *recorder.Recorder, w Q4Matrix, x tensor.Tensor) (tensor.Tensor, error) {
	out, err := k.recordMatVecQ4(ctx, rec, w, x)
	return out, failed(rec, err)
}

func (k *Kernels) recordMatVecQ4(ctx context.Context, rec *recorder.Recorder, w Q4Matrix, x tensor.Tensor) (tensor.Tensor, error) {
	if w.Cols <= 0 || w.Cols%quant.BlockSize != 0 || w.Rows <= 0 {
		return tensor.Tensor{}, configErr("q4 matrix %dx%d", w.Rows, w.Cols)
	}
	if w.Codes.DType != tensor.U32 || w.Scales.DType != tensor.F32 {
		return tensor.Tensor{}, configErr("q4 matrix storage %s/%s, want u32/f32", w.Codes.DType, w.Scales.DType)
	}
	if x.DType != tensor.F32 || x.Elements() != w.Cols {
		return tensor.Tensor{}, configErr("matvec input %s, want %d f32 values", x, w.Cols)
	}
	variant := k.choose(k.matvec, map[string]any{"rows": w.Rows, "cols": w.Cols})
	groups := pipeline.Groups(w.Rows, gemvWorkgroup)
	if variant == VariantQ4GEMVSubgroup {
		groups = pipeline.Groups(w.Rows, gemvWorkgroup/subgroupWidth)
	}
	out, err := k.output(tensor.F32, []int{w.Rows}, "matvec.out")
	if err != nil {
		return tensor.Tensor{}, err
	}
	params := matVecParams{Rows: uint32(w.Rows), Cols: uint32(w.Cols), Blocks: uint32(w.blocks())}.encode()
	if err := k.dispatch(ctx, rec, OpMatVec, variant, params, groups,
		bind(1, w.Codes), bind(2, w.Scales), bind(3, x), bind(4, out)); err != nil {
		_ = k.rt.Release(out)
		return tensor.Tensor{}, err
	}
	return out, nil
}
