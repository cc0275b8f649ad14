package kernels

import (
	"context"

	"github.com/samcharles93/kiln/internal/pipeline"
	"github.com/samcharles93/kiln/internal/recorder"
	"github.com/samcharles93/kiln/internal/tensor"
)

// RoPE rotates x in place and returns it. x holds seqLen rows of
// numHeads*headDim values; row r sits at position pos+r.
func (k *Kernels) RoPE(ctx context.Context, x tensor.Tensor, pos int, theta float32, headDim, numHeads int) (tensor.Tensor, error) {
	_, err := k.submit(ctx, "rope", func(rec *recorder.Recorder) ([]tensor.Tensor, error) {
		_, err := k.RecordRoPE(ctx, rec, x, pos, theta, headDim, numHeads)
		return nil, err
	})
	if err != nil {
		return tensor.Tensor{}, err
	}
	return x, nil
}

func (k *Kernels) RecordRoPE(ctx context.Context, rec *recorder.Recorder, x tensor.Tensor, pos int, theta float32, headDim, numHeads int) (tensor.Tensor, error) {
	if err := failed(rec, k.recordRoPE(ctx, rec, x, pos, theta, headDim, numHeads)); err != nil {
		return tensor.Tensor{}, err
	}
	return x, nil
}

func (k *Kernels) recordRoPE(ctx context.Context, rec *recorder.Recorder, x tensor.Tensor, pos int, theta float32, headDim, numHeads int) error {
	if x.DType != tensor.F32 && x.DType != tensor.F16 {
		return configErr("rope takes f32 or f16, got %s", x.DType)
	}
	if numHeads <= 0 || headDim <= 0 || headDim%2 != 0 {
		return configErr("rope needs positive heads and an even head dim, got %d x %d", numHeads, headDim)
	}
	if pos < 0 || theta <= 0 {
		return configErr("rope position %d theta %g", pos, theta)
	}
	row := numHeads * headDim
	if x.Elements()%row != 0 {
		return configErr("rope: %d elements are not whole rows of %d", x.Elements(), row)
	}
	variant := k.choose(k.rope, map[string]any{"dtype": x.DType.String(), "headDim": headDim})
	if err := checkElem(OpRoPE, variant, variant == VariantRoPEF16, x.DType); err != nil {
		return err
	}
	seqLen := x.Elements() / row
	params := ropeParams{
		SeqLen:   uint32(seqLen),
		NumHeads: uint32(numHeads),
		HeadDim:  uint32(headDim),
		Pos:      uint32(pos),
		Theta:    theta,
	}.encode()
	pairs := x.Elements() / 2
	return k.dispatch(ctx, rec, OpRoPE, variant, params, pipeline.Groups(pairs, ropeWorkgroup), bind(1, x))
}
