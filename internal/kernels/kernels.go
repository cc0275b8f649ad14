// Package kernels holds the supporting compute kernels of a decoder block:
// RMSNorm, rotary embedding, residual add, Q4 matrix-vector products and
// mixture-of-experts routing, gather and scatter.
//
// Every operation comes in two forms. The plain form records one dispatch
// and submits it; the Record form appends to a caller's recorder so a
// whole layer can share one submission.
package kernels

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/samcharles93/kiln/internal/gpu"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/pipeline"
	"github.com/samcharles93/kiln/internal/recorder"
	"github.com/samcharles93/kiln/internal/rules"
	"github.com/samcharles93/kiln/internal/runtime"
	"github.com/samcharles93/kiln/internal/tensor"
)

// ErrConfig reports shapes, dtypes or parameters a kernel cannot run with.
var ErrConfig = errors.New("kernels: invalid configuration")

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// maxGroups is the per-dimension dispatch limit of WebGPU.
const maxGroups = 65535

type Kernels struct {
	rt     *runtime.Context
	rope   *rules.Table[string]
	matvec *rules.Table[string]
	gather *rules.Table[string]
	log    logger.Logger
}

// New installs the kernel library into rt and resolves the variant tables
// against any configured overrides.
func New(rt *runtime.Context) (*Kernels, error) {
	if err := rt.Install(Library()); err != nil {
		return nil, err
	}
	return &Kernels{
		rt:     rt,
		rope:   rt.Table(RoPEDefaultTable()),
		matvec: rt.Table(MatVecDefaultTable()),
		gather: rt.Table(GatherDefaultTable()),
		log:    rt.Logger().With("component", "kernels"),
	}, nil
}

// Tables returns the variant tables in use, keyed by name.
func (k *Kernels) Tables() map[string]*rules.Table[string] {
	return map[string]*rules.Table[string]{
		RoPETable:   k.rope,
		MatVecTable: k.matvec,
		GatherTable: k.gather,
	}
}

// Keys lists every pipeline this package registers.
func (k *Kernels) Keys() []pipeline.Key {
	keys := make([]pipeline.Key, 0, len(Library().Descriptors))
	for key := range Library().Descriptors {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b pipeline.Key) int { return strings.Compare(a.String(), b.String()) })
	return keys
}

func (k *Kernels) caps() rules.Context {
	c := k.rt.Capabilities()
	return rules.Context{"hasF16": c.HasHalfPrecision, "hasSubgroups": c.HasSubgroupReduction}
}

func (k *Kernels) choose(t *rules.Table[string], extra rules.Context) string {
	ctx := k.caps()
	for key, v := range extra {
		ctx[key] = v
	}
	v, rule := t.Explain(ctx)
	k.log.Debug("variant selected", "table", t.Name, "variant", v, "rule", rule)
	return v
}

// checkElem rejects a variant whose element type differs from dtype. An f16
// tensor routed to an f32 kernel means the device could not take the f16
// one.
func checkElem(op, variant string, half bool, dtype tensor.DType) error {
	if half == (dtype == tensor.F16) {
		return nil
	}
	if dtype == tensor.F16 {
		return &gpu.MissingFeatureError{Pipeline: op + "/" + variant, Features: []gpu.Feature{gpu.FeatureShaderF16}}
	}
	return configErr("%s/%s does not take %s tensors", op, variant, dtype)
}

func bind(binding uint32, t tensor.Tensor) gpu.BindGroupEntry {
	return gpu.BindGroupEntry{Binding: binding, Buffer: t.Buffer, Size: t.Bytes()}
}

// dispatch records one kernel launch of groups workgroups along x with
// params bound at 0.
func (k *Kernels) dispatch(ctx context.Context, rec *recorder.Recorder, op, variant string, params []byte, groups uint32, entries ...gpu.BindGroupEntry) error {
	if groups == 0 {
		return nil
	}
	if groups > maxGroups {
		return configErr("%s needs %d workgroups, limit %d", op, groups, maxGroups)
	}
	pl := k.rt.GetCachedPipeline(op, variant)
	if pl == nil {
		var err error
		if pl, err = k.rt.GetPipeline(ctx, op, variant); err != nil {
			return err
		}
	}
	buf, err := rec.Uniform(params, op+".params")
	if err != nil {
		return err
	}
	entries = append([]gpu.BindGroupEntry{{Binding: 0, Buffer: buf}}, entries...)
	before := rec.Dispatches()
	rec.Dispatch(pl, entries, groups, 1, 1)
	if rec.Dispatches() == before {
		if err := rec.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%s/%s: dispatch not recorded", op, variant)
	}
	return nil
}

// submit runs record on a fresh recorder and submits it. Tensors record
// returns are released again if the submission fails.
func (k *Kernels) submit(ctx context.Context, label string, record func(*recorder.Recorder) ([]tensor.Tensor, error)) ([]tensor.Tensor, error) {
	rec, err := k.rt.NewRecorder(label)
	if err != nil {
		return nil, err
	}
	outs, err := record(rec)
	if err != nil {
		rec.Abort()
		return nil, err
	}
	if err := rec.Submit(ctx); err != nil {
		_ = k.rt.Release(outs...)
		return nil, err
	}
	return outs, nil
}

// failed marks rec failed when err is set and passes err through.
func failed(rec *recorder.Recorder, err error) error {
	if err != nil {
		rec.Fail(err)
	}
	return err
}

func (k *Kernels) output(dtype tensor.DType, shape []int, label string) (tensor.Tensor, error) {
	return k.rt.NewTensor(dtype, shape, label)
}
