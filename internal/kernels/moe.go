package kernels

import (
	"context"

	"github.com/samcharles93/kiln/internal/pipeline"
	"github.com/samcharles93/kiln/internal/recorder"
	"github.com/samcharles93/kiln/internal/tensor"
)

// Route picks topK experts per token from logits [tokens, experts]. It
// returns u32 indices and f32 weights, both [tokens, topK], with each
// token's weights summing to one and the experts ordered by weight.
func (k *Kernels) Route(ctx context.Context, logits tensor.Tensor, topK int) (indices, weights tensor.Tensor, err error) {
	outs, err := k.submit(ctx, "moe.route", func(rec *recorder.Recorder) ([]tensor.Tensor, error) {
		idx, w, err := k.RecordRoute(ctx, rec, logits, topK)
		return []tensor.Tensor{idx, w}, err
	})
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, err
	}
	return outs[0], outs[1], nil
}

func (k *Kernels) RecordRoute(ctx context.Context, rec *recorder.Recorder, logits tensor.Tensor, topK int) (tensor.Tensor, tensor.Tensor, error) {
	idx, w, err := k.recordRoute(ctx, rec, logits, topK)
	return idx, w, failed(rec, err)
}

func (k *Kernels) recordRoute(ctx context.Context, rec *recorder.Recorder, logits tensor.Tensor, topK int) (tensor.Tensor, tensor.Tensor, error) {
	if logits.DType != tensor.F32 || logits.Rank() < 1 {
		return tensor.Tensor{}, tensor.Tensor{}, configErr("route logits %s, want f32 [tokens, experts]", logits)
	}
	experts := logits.Dim(-1)
	if experts <= 0 || experts > MaxExperts {
		return tensor.Tensor{}, tensor.Tensor{}, configErr("route over %d experts, limit %d", experts, MaxExperts)
	}
	if topK <= 0 || topK > MaxTopK || topK > experts {
		return tensor.Tensor{}, tensor.Tensor{}, configErr("top-k %d of %d experts, limit %d", topK, experts, MaxTopK)
	}
	tokens := logits.Elements() / experts
	idx, err := k.output(tensor.U32, []int{tokens, topK}, "moe.indices")
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, err
	}
	w, err := k.output(tensor.F32, []int{tokens, topK}, "moe.weights")
	if err != nil {
		_ = k.rt.Release(idx)
		return tensor.Tensor{}, tensor.Tensor{}, err
	}
	params := routeParams{Tokens: uint32(tokens), Experts: uint32(experts), TopK: uint32(topK)}.encode()
	if err := k.dispatch(ctx, rec, OpRoute, VariantTopK, params, pipeline.Groups(tokens, routeWorkgroup),
		bind(1, logits), bind(2, idx), bind(3, w)); err != nil {
		_ = k.rt.Release(idx, w)
		return tensor.Tensor{}, tensor.Tensor{}, err
	}
	return idx, w, nil
}

// Gather copies rows of src [rows, dim] picked by indices into a new
// [len(indices), dim] tensor. An index past the last row yields zeros.
func (k *Kernels) Gather(ctx context.Context, src, indices tensor.Tensor) (tensor.Tensor, error) {
	outs, err := k.submit(ctx, "moe.gather", func(rec *recorder.Recorder) ([]tensor.Tensor, error) {
		out, err := k.RecordGather(ctx, rec, src, indices)
		return []tensor.Tensor{out}, err
	})
	if err != nil {
		return tensor.Tensor{}, err
	}
	return outs[0], nil
}

func (k *Kernels) RecordGather(ctx context.Context, rec *recorder.Recorder, src, indices tensor.Tensor) (tensor.Tensor, error) {
	out, err := k.recordGather(ctx, rec, src, indices)
	return out, failed(rec, err)
}

func (k *Kernels) recordGather(ctx context.Context, rec *recorder.Recorder, src, indices tensor.Tensor) (tensor.Tensor, error) {
	if src.DType != tensor.F32 && src.DType != tensor.F16 {
		return tensor.Tensor{}, configErr("gather takes f32 or f16 rows, got %s", src.DType)
	}
	if indices.DType != tensor.U32 {
		return tensor.Tensor{}, configErr("gather indices are %s, want u32", indices.DType)
	}
	dim := src.Dim(-1)
	if src.Rank() != 2 || dim <= 0 {
		return tensor.Tensor{}, configErr("gather source %v, want [rows, dim]", src.Shape)
	}
	if src.DType == tensor.F16 && dim%2 != 0 {
		return tensor.Tensor{}, configErr("f16 gather needs an even row width, got %d", dim)
	}
	variant := k.choose(k.gather, map[string]any{"dtype": src.DType.String(), "dim": dim})
	if err := checkElem(OpGather, variant, variant == VariantGatherF16, src.DType); err != nil {
		return tensor.Tensor{}, err
	}
	count := indices.Elements()
	out, err := k.output(src.DType, []int{count, dim}, "moe.gathered")
	if err != nil {
		return tensor.Tensor{}, err
	}
	params := rowsParams{Rows: uint32(src.Dim(0)), Dim: uint32(dim), Count: uint32(count)}.encode()
	if err := k.dispatch(ctx, rec, OpGather, variant, params, pipeline.Groups(count*dim, gatherWorkgroup),
		bind(1, src), bind(2, indices), bind(3, out)); err != nil {
		_ = k.rt.Release(out)
		return tensor.Tensor{}, err
	}
	return out, nil
}

// ScatterAdd accumulates weights[i] * src[i] into row indices[i] of dst in
// place. Rows named more than once receive every contribution, summed in
// entry order. Out of range indices are skipped.
func (k *Kernels) ScatterAdd(ctx context.Context, dst, src, indices, weights tensor.Tensor) error {
	_, err := k.submit(ctx, "moe.scatter", func(rec *recorder.Recorder) ([]tensor.Tensor, error) {
		return nil, k.RecordScatterAdd(ctx, rec, dst, src, indices, weights)
	})
	return err
}

func (k *Kernels) RecordScatterAdd(ctx context.Context, rec *recorder.Recorder, dst, src, indices, weights tensor.Tensor) error {
	return failed(rec, k.recordScatterAdd(ctx, rec, dst, src, indices, weights))
}

func (k *Kernels) recordScatterAdd(ctx context.Context, rec *recorder.Recorder, dst, src, indices, weights tensor.Tensor) error {
	if dst.DType != tensor.F32 || src.DType != tensor.F32 || weights.DType != tensor.F32 {
		return configErr("scatter takes f32 dst, src and weights")
	}
	if indices.DType != tensor.U32 {
		return configErr("scatter indices are %s, want u32", indices.DType)
	}
	if dst.Rank() != 2 {
		return configErr("scatter destination %v, want [rows, dim]", dst.Shape)
	}
	dim, count := dst.Dim(-1), indices.Elements()
	if src.Elements() != count*dim || weights.Elements() != count {
		return configErr("scatter of %d entries: src %v weights %v", count, src.Shape, weights.Shape)
	}
	if count == 0 {
		return nil
	}
	params := rowsParams{Rows: uint32(dst.Dim(0)), Dim: uint32(dim), Count: uint32(count)}.encode()
	return k.dispatch(ctx, rec, OpScatter, VariantScatterAdd, params, pipeline.Groups(dst.Elements(), gatherWorkgroup),
		bind(1, dst), bind(2, src), bind(3, indices), bind(4, weights))
}
