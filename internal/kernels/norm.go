package kernels

import (
	"context"

	"github.com/samcharles93/kiln/internal/recorder"
	"github.com/samcharles93/kiln/internal/tensor"
)

// RMSNorm normalizes every row of x, shaped [..., n], and scales it by
// weight [n]. The result is a new tensor of x's shape.
func (k *Kernels) RMSNorm(ctx context.Context, x, weight tensor.Tensor, eps float32) (tensor.Tensor, error) {
	outs, err := k.submit(ctx, "rmsnorm", func(rec *recorder.Recorder) ([]tensor.Tensor, error) {
		out, err := k.RecordRMSNorm(ctx, rec, x, weight, eps)
		return []tensor.Tensor{out}, err
	})
	if err != nil {
		return tensor.Tensor{}, err
	}
	return outs[0], nil
}

func (k *Kernels) RecordRMSNorm(ctx context.Context, rec *recorder.Recorder, x, weight tensor.Tensor, eps float32) (tensor.Tensor, error) {
	out, err := k.recordRMSNorm(ctx, rec, x, weight, eps)
	return out, failed(rec, err)
}

func (k *Kernels) recordRMSNorm(ctx context.Context, rec *recorder.Recorder, x, weight tensor.Tensor, eps float32) (tensor.Tensor, error) {
	if x.DType != tensor.F32 || weight.DType != tensor.F32 {
		return tensor.Tensor{}, configErr("rmsnorm takes f32, got x %s weight %s", x.DType, weight.DType)
	}
	n := x.Dim(-1)
	if n <= 0 || n > MaxNormWidth {
		return tensor.Tensor{}, configErr("rmsnorm width %d outside [1, %d]", n, MaxNormWidth)
	}
	if weight.Elements() != n {
		return tensor.Tensor{}, configErr("rmsnorm weight holds %d values, rows hold %d", weight.Elements(), n)
	}
	if eps <= 0 {
		return tensor.Tensor{}, configErr("rmsnorm eps %g must be positive", eps)
	}
	rows := x.Elements() / n
	out, err := k.output(tensor.F32, x.Shape, "rmsnorm.out")
	if err != nil {
		return tensor.Tensor{}, err
	}
	params := normParams{Rows: uint32(rows), N: uint32(n), Eps: eps}.encode()
	if err := k.dispatch(ctx, rec, OpRMSNorm, VariantRMSNorm, params, uint32(rows),
		bind(1, x), bind(2, weight), bind(3, out)); err != nil {
		_ = k.rt.Release(out)
		return tensor.Tensor{}, err
	}
	return out, nil
}
