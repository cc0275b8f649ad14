package kernels

import (
	"context"

	"github.com/samcharles93/kiln/internal/pipeline"
	"github.com/samcharles93/kiln/internal/recorder"
	"github.com/samcharles93/kiln/internal/tensor"
)

// ResidualAdd returns a + b for two f32 tensors of the same shape.
func (k *Kernels) ResidualAdd(ctx context.Context, a, b tensor.Tensor) (tensor.Tensor, error) {
	outs, err := k.submit(ctx, "residual_add", func(rec *recorder.Recorder) ([]tensor.Tensor, error) {
		out, err := k.RecordResidualAdd(ctx, rec, a, b)
		return []tensor.Tensor{out}, err
	})
	if err != nil {
		return tensor.Tensor{}, err
	}
	return outs[0], nil
}

func (k *Kernels) RecordResidualAdd(ctx context.Context, rec *recorder.Recorder, a, b tensor.Tensor) (tensor.Tensor, error) {
	out, err := k.recordResidualAdd(ctx, rec, a, b)
	return out, failed(rec, err)
}

func (k *Kernels) recordResidualAdd(ctx context.Context, rec *recorder.Recorder, a, b tensor.Tensor) (tensor.Tensor, error) {
	if a.DType != tensor.F32 || b.DType != tensor.F32 {
		return tensor.Tensor{}, configErr("residual add takes f32, got %s and %s", a.DType, b.DType)
	}
	if !tensor.SameShape(a.Shape, b.Shape) {
		return tensor.Tensor{}, configErr("residual add shapes %v and %v differ", a.Shape, b.Shape)
	}
	out, err := k.output(tensor.F32, a.Shape, "residual.out")
	if err != nil {
		return tensor.Tensor{}, err
	}
	n := a.Elements()
	if err := k.dispatch(ctx, rec, OpAdd, VariantAdd, countParams{N: uint32(n)}.encode(), pipeline.Groups(n, addWorkgroup),
		bind(1, a), bind(2, b), bind(3, out)); err != nil {
		_ = k.rt.Release(out)
		return tensor.Tensor{}, err
	}
	return out, nil
}
