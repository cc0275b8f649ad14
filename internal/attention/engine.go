// Package attention computes softmax(mask(softcap(scale*QK^T)))V with online
// softmax over dense, f16, or tiered hot/cold key-value caches.
package attention

import (
	"context"
	"fmt"

	"github.com/samcharles93/kiln/internal/gpu"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/pipeline"
	"github.com/samcharles93/kiln/internal/recorder"
	"github.com/samcharles93/kiln/internal/rules"
	"github.com/samcharles93/kiln/internal/runtime"
	"github.com/samcharles93/kiln/internal/tensor"
)

type Engine struct {
	rt    *runtime.Context
	table *rules.Table[string]
	log   logger.Logger
}

// New installs the attention kernels into rt and applies any configured
// overrides of the variant table.
func New(rt *runtime.Context) (*Engine, error) {
	if err := rt.Install(Library()); err != nil {
		return nil, err
	}
	return &Engine{
		rt:    rt,
		table: rt.Table(DefaultTable()),
		log:   rt.Logger().With("component", "attention"),
	}, nil
}

func (e *Engine) Table() *rules.Table[string] { return e.table }

// Keys lists the pipeline keys of every attention variant.
func (e *Engine) Keys() []pipeline.Key {
	vs := Variants()
	keys := make([]pipeline.Key, len(vs))
	for i, v := range vs {
		keys[i] = pipeline.Key{Op: Op, Variant: v}
	}
	return keys
}

// Choose returns the variant for a call shape and the index of the rule
// that picked it, -1 for the fallback.
func (e *Engine) Choose(queryLen, kvLen, headDim int, dtype tensor.DType, tiered, quantized bool) (string, int) {
	ctx := SelectionContext(e.rt.Capabilities(), queryLen, kvLen, headDim, dtype, tiered, quantized)
	return e.table.Explain(ctx)
}

func (e *Engine) variant(p *problem, forced string) (string, error) {
	v := forced
	if v == "" {
		quantized := p.tiered != nil && p.tiered.Quantized
		var rule int
		v, rule = e.Choose(p.queryLen, p.kvLen(), p.headDim, p.dtype, p.tiered != nil, quantized)
		e.log.Debug("variant selected", "variant", v, "rule", rule, "query_len", p.queryLen, "kv_len", p.kvLen())
	}
	if err := checkVariant(v, p); err != nil {
		return "", err
	}
	return v, nil
}

// Run computes attention and submits immediately. The returned tensor is
// [queryLen, numHeads, headDim] in the dtype of q and belongs to the caller,
// who releases it through the runtime.
func (e *Engine) Run(ctx context.Context, q, k, v tensor.Tensor, mask *tensor.Tensor, numHeads, headDim int, opts Options) (tensor.Tensor, error) {
	rec, err := e.rt.NewRecorder("attention")
	if err != nil {
		return tensor.Tensor{}, err
	}
	out, err := e.Record(ctx, rec, q, k, v, mask, numHeads, headDim, opts)
	if err != nil {
		rec.Abort()
		return tensor.Tensor{}, err
	}
	if err := rec.Submit(ctx); err != nil {
		_ = e.rt.Release(out)
		return tensor.Tensor{}, err
	}
	return out, nil
}

// Record appends the attention dispatch to rec. On error the recorder is
// marked failed and no output is returned.
func (e *Engine) Record(ctx context.Context, rec *recorder.Recorder, q, k, v tensor.Tensor, mask *tensor.Tensor, numHeads, headDim int, opts Options) (tensor.Tensor, error) {
	out, err := e.record(ctx, rec, q, k, v, mask, numHeads, headDim, opts)
	if err != nil {
		rec.Fail(err)
		return tensor.Tensor{}, err
	}
	return out, nil
}

func (e *Engine) record(ctx context.Context, rec *recorder.Recorder, q, k, v tensor.Tensor, mask *tensor.Tensor, numHeads, headDim int, opts Options) (tensor.Tensor, error) {
	p, err := validate(q, k, v, mask, numHeads, headDim, opts)
	if err != nil {
		return tensor.Tensor{}, err
	}
	variant, err := e.variant(p, opts.Variant)
	if err != nil {
		return tensor.Tensor{}, err
	}
	pl := e.rt.GetCachedPipeline(Op, variant)
	if pl == nil {
		if pl, err = e.rt.GetPipeline(ctx, Op, variant); err != nil {
			return tensor.Tensor{}, err
		}
	}

	out, err := e.rt.NewTensor(p.dtype, p.outShape(), "attention.out")
	if err != nil {
		return tensor.Tensor{}, err
	}
	var entries []gpu.BindGroupEntry
	if p.tiered != nil {
		entries, err = e.tieredEntries(rec, p, out)
	} else {
		entries, err = e.standardEntries(rec, p, out, opts)
	}
	if err != nil {
		_ = e.rt.Release(out)
		return tensor.Tensor{}, err
	}

	rows := uint32(p.queryLen)
	if variant == VariantPrefill || variant == VariantPrefillF16 {
		rows = pipeline.Groups(p.queryLen, PrefillBlock)
	}
	before := rec.Dispatches()
	rec.Dispatch(pl, entries, uint32(p.numHeads), rows, 1)
	if rec.Dispatches() == before {
		_ = e.rt.Release(out)
		if err := rec.Err(); err != nil {
			return tensor.Tensor{}, err
		}
		return tensor.Tensor{}, fmt.Errorf("attention %s: dispatch not recorded", variant)
	}
	return out, nil
}

func bind(binding uint32, t tensor.Tensor) gpu.BindGroupEntry {
	return gpu.BindGroupEntry{Binding: binding, Buffer: t.Buffer, Size: t.Bytes()}
}

// bindOrDummy binds t, or a small scratch buffer when t is absent or empty
// since every binding of a layout must be populated.
func bindOrDummy(rec *recorder.Recorder, binding uint32, t *tensor.Tensor, label string) (gpu.BindGroupEntry, error) {
	if t != nil && t.Buffer != nil && t.Elements() > 0 {
		return bind(binding, *t), nil
	}
	buf, err := rec.Scratch(16, label)
	if err != nil {
		return gpu.BindGroupEntry{}, err
	}
	return gpu.BindGroupEntry{Binding: binding, Buffer: buf, Size: 16}, nil
}

func (e *Engine) standardEntries(rec *recorder.Recorder, p *problem, out tensor.Tensor, opts Options) ([]gpu.BindGroupEntry, error) {
	params, err := rec.Uniform(p.params.Encode(), "attention.params")
	if err != nil {
		return nil, err
	}
	entries := []gpu.BindGroupEntry{
		{Binding: 0, Buffer: params},
		bind(1, p.q),
		bind(4, out),
	}
	for _, b := range []struct {
		binding uint32
		t       *tensor.Tensor
		label   string
	}{
		{2, &p.k, "attention.k"},
		{3, &p.v, "attention.v"},
		{5, p.mask, "attention.mask"},
		{6, opts.KVLenBuffer, "attention.kv_len"},
	} {
		entry, err := bindOrDummy(rec, b.binding, b.t, b.label)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (e *Engine) tieredEntries(rec *recorder.Recorder, p *problem, out tensor.Tensor) ([]gpu.BindGroupEntry, error) {
	t := p.tiered
	params, err := rec.Uniform(p.params.Encode(), "attention.params")
	if err != nil {
		return nil, err
	}
	tparams, err := rec.Uniform(p.tparams.Encode(), "attention.tiered")
	if err != nil {
		return nil, err
	}
	entries := []gpu.BindGroupEntry{
		{Binding: 0, Buffer: params},
		{Binding: 1, Buffer: tparams},
		bind(2, p.q),
		bind(9, out),
	}
	scales := &t.Scales
	if !t.Quantized {
		scales = nil
	}
	for _, b := range []struct {
		binding uint32
		t       *tensor.Tensor
		label   string
	}{
		{3, &t.HotK, "attention.hot_k"},
		{4, &t.HotV, "attention.hot_v"},
		{5, &t.ColdK, "attention.cold_k"},
		{6, &t.ColdV, "attention.cold_v"},
		{7, scales, "attention.scales"},
		{8, t.PageTable, "attention.page_table"},
	} {
		entry, err := bindOrDummy(rec, b.binding, b.t, b.label)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
