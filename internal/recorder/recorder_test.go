package recorder

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/samcharles93/kiln/internal/gpu"
	"github.com/samcharles93/kiln/internal/gpu/soft"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/metrics"
	"github.com/samcharles93/kiln/internal/pipeline"
	"github.com/samcharles93/kiln/internal/pool"
	"github.com/stretchr/testify/require"
)

const stepShader = `
@group(0) @binding(0) var<storage, read_write> data: array<f32>;
@group(0) @binding(1) var<uniform> k: vec4<f32>;

@compute @workgroup_size(64)
fn add(@builtin(global_invocation_id) gid: vec3<u32>) {
    data[gid.x] = data[gid.x] + k.x;
}

@compute @workgroup_size(64)
fn mul(@builtin(global_invocation_id) gid: vec3<u32>) {
    data[gid.x] = data[gid.x] * k.x;
}
`

func stepKernel(apply func(x, k float32) float32) gpu.HostKernel {
	return func(inv *gpu.Invocation) error {
		data, err := inv.F32(0)
		if err != nil {
			return err
		}
		k, err := inv.F32(1)
		if err != nil {
			return err
		}
		for i := range data {
			data[i] = apply(data[i], k[0])
		}
		return inv.Store(0, data)
	}
}

// deferredDevice holds work-done callbacks until flush, like a real queue.
type deferredDevice struct {
	*soft.Device
	pending []func()
	submits int
}

func (d *deferredDevice) Submit(done func(), cmds ...gpu.CommandBuffer) error {
	if err := d.Device.Submit(nil, cmds...); err != nil {
		return err
	}
	d.submits++
	if done != nil {
		d.pending = append(d.pending, done)
	}
	return nil
}

func (d *deferredDevice) flush() {
	for _, f := range d.pending {
		f()
	}
	d.pending = nil
}

type testRuntime struct {
	dev       *deferredDevice
	pool      *pool.Pool
	uniforms  *pool.UniformCache
	metrics   *metrics.Metrics
	pipelines *pipeline.Cache
}

func (r *testRuntime) Device() gpu.Device           { return r.dev }
func (r *testRuntime) Pool() *pool.Pool             { return r.pool }
func (r *testRuntime) Uniforms() *pool.UniformCache { return r.uniforms }
func (r *testRuntime) Logger() logger.Logger        { return logger.Discard() }
func (r *testRuntime) Metrics() *metrics.Metrics    { return r.metrics }

func newTestRuntime(t *testing.T) *testRuntime {
	t.Helper()
	dev := &deferredDevice{Device: soft.New(soft.Options{Capabilities: &gpu.Capabilities{Platform: "test"}})}
	t.Cleanup(func() { _ = dev.Close() })
	m := metrics.New()
	uc, err := pool.NewUniformCache(dev, pool.UniformConfig{}, nil, m)
	require.NoError(t, err)
	pc := pipeline.NewCache(dev, nil, m)
	require.NoError(t, pc.Install(&pipeline.Library{
		Name: "step",
		FS:   fstest.MapFS{"step.wgsl": {Data: []byte(stepShader)}},
		Layouts: map[string][]gpu.LayoutEntry{"step": {
			{Binding: 0, Type: gpu.BindingStorage},
			{Binding: 1, Type: gpu.BindingUniform},
		}},
		Descriptors: map[pipeline.Key]pipeline.Descriptor{
			{Op: "step", Variant: "add"}: {ShaderFile: "step.wgsl", EntryPoint: "add", WorkgroupSize: [3]uint32{64, 1, 1}, Layout: "step"},
			{Op: "step", Variant: "mul"}: {ShaderFile: "step.wgsl", EntryPoint: "mul", WorkgroupSize: [3]uint32{64, 1, 1}, Layout: "step"},
		},
		Kernels: map[pipeline.Key]gpu.HostKernel{
			{Op: "step", Variant: "add"}: stepKernel(func(x, k float32) float32 { return x + k }),
			{Op: "step", Variant: "mul"}: stepKernel(func(x, k float32) float32 { return x * k }),
		},
	}))
	return &testRuntime{
		dev:       dev,
		pool:      pool.New(dev, pool.Config{}, nil, m),
		uniforms:  uc,
		metrics:   m,
		pipelines: pc,
	}
}

func (r *testRuntime) pipeline(t *testing.T, variant string) *pipeline.Pipeline {
	t.Helper()
	p, err := r.pipelines.GetPipeline(context.Background(), "step", variant)
	require.NoError(t, err)
	return p
}

func (r *testRuntime) upload(t *testing.T, v []float32) gpu.Buffer {
	t.Helper()
	buf, err := r.pool.Acquire(uint64(len(v)*4), gpu.StorageUsage, "data")
	require.NoError(t, err)
	require.NoError(t, r.dev.WriteBuffer(buf, 0, gpu.F32Bytes(v)))
	return buf
}

func (r *testRuntime) read(t *testing.T, buf gpu.Buffer, n int) []float32 {
	t.Helper()
	b, err := r.dev.ReadBuffer(context.Background(), buf, 0, uint64(n*4))
	require.NoError(t, err)
	return gpu.DecodeF32(b)
}

func constant(k float32) []byte {
	return gpu.F32Bytes([]float32{k, 0, 0, 0})
}

func record(t *testing.T, rec *Recorder, p *pipeline.Pipeline, data gpu.Buffer, k float32) {
	t.Helper()
	u, err := rec.Uniform(constant(k), "k")
	require.NoError(t, err)
	rec.Dispatch(p, []gpu.BindGroupEntry{
		{Binding: 0, Buffer: data, Size: 16},
		{Binding: 1, Buffer: u},
	}, 1, 1, 1)
}

func TestDispatchOrderIsRecordingOrder(t *testing.T) {
	rt := newTestRuntime(t)
	data := rt.upload(t, []float32{1, 2, 3, 4})

	rec, err := New(rt, "order")
	require.NoError(t, err)
	rec.BeginComputePass("order")
	record(t, rec, rt.pipeline(t, "add"), data, 1)
	record(t, rec, rt.pipeline(t, "mul"), data, 10)
	require.Equal(t, 2, rec.Dispatches())
	require.NoError(t, rec.Submit(context.Background()))

	require.Equal(t, 1, rt.dev.submits, "one submission per recorder")
	require.Equal(t, []float32{20, 30, 40, 50}, rt.read(t, data, 4))
}

func TestTemporariesReleasedOnWorkDone(t *testing.T) {
	rt := newTestRuntime(t)
	data := rt.upload(t, []float32{0, 0, 0, 0})

	rec, err := New(rt, "temps")
	require.NoError(t, err)
	scratch, err := rec.Scratch(64, "scratch")
	require.NoError(t, err)
	record(t, rec, rt.pipeline(t, "add"), data, 2)
	require.NoError(t, rec.Submit(context.Background()))

	require.True(t, rt.pool.Outstanding(scratch), "released before the device finished")
	require.Equal(t, 1, rt.uniforms.Stats().Pinned)

	rt.dev.flush()
	require.False(t, rt.pool.Outstanding(scratch))
	require.Equal(t, 0, rt.uniforms.Stats().Pinned)
}

func TestNilPipelineAbortsRecording(t *testing.T) {
	rt := newTestRuntime(t)
	data := rt.upload(t, []float32{5, 5, 5, 5})

	rec, err := New(rt, "broken")
	require.NoError(t, err)
	scratch, err := rec.Scratch(64, "scratch")
	require.NoError(t, err)
	record(t, rec, rt.pipeline(t, "add"), data, 1)
	rec.Dispatch(nil, nil, 1, 1, 1)
	record(t, rec, rt.pipeline(t, "mul"), data, 3)

	err = rec.Submit(context.Background())
	require.ErrorIs(t, err, ErrPipeline)
	require.Equal(t, 0, rt.dev.submits, "nothing may be submitted")
	require.False(t, rt.pool.Outstanding(scratch), "temporaries must be released on failure")
	require.Equal(t, 0, rt.uniforms.Stats().Pinned)
	require.Equal(t, []float32{5, 5, 5, 5}, rt.read(t, data, 4))
}

func TestFailSurfacesCallerError(t *testing.T) {
	rt := newTestRuntime(t)
	rec, err := New(rt, "fail")
	require.NoError(t, err)

	compileErr := &gpu.CompileError{Module: "x.wgsl"}
	rec.Fail(compileErr)
	rec.Fail(errors.New("second"))
	err = rec.Submit(context.Background())
	require.ErrorIs(t, err, gpu.ErrCompile)
	require.ErrorIs(t, rec.Submit(context.Background()), ErrClosed)
}

func TestSubmitTwice(t *testing.T) {
	rt := newTestRuntime(t)
	data := rt.upload(t, []float32{0, 0, 0, 0})
	rec, err := New(rt, "twice")
	require.NoError(t, err)
	record(t, rec, rt.pipeline(t, "add"), data, 1)
	require.NoError(t, rec.Submit(context.Background()))
	require.ErrorIs(t, rec.Submit(context.Background()), ErrClosed)

	rec.Dispatch(rt.pipeline(t, "add"), nil, 1, 1, 1)
	require.ErrorIs(t, rec.Err(), ErrClosed)
}

func TestAbortReleases(t *testing.T) {
	rt := newTestRuntime(t)
	rec, err := New(rt, "abort")
	require.NoError(t, err)
	scratch, err := rec.Scratch(64, "scratch")
	require.NoError(t, err)
	_, err = rec.Uniform(constant(1), "k")
	require.NoError(t, err)

	rec.Abort()
	require.False(t, rt.pool.Outstanding(scratch))
	require.Equal(t, 0, rt.uniforms.Stats().Pinned)
	require.ErrorIs(t, rec.Submit(context.Background()), ErrClosed)
}

func TestCanceledContext(t *testing.T) {
	rt := newTestRuntime(t)
	rec, err := New(rt, "cancel")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, rec.Submit(ctx), context.Canceled)
	require.Equal(t, 0, rt.dev.submits)
}

func TestBindErrorFailsRecording(t *testing.T) {
	rt := newTestRuntime(t)
	data := rt.upload(t, []float32{0, 0, 0, 0})
	rec, err := New(rt, "bind")
	require.NoError(t, err)
	// The uniform slot is missing.
	rec.Dispatch(rt.pipeline(t, "add"), []gpu.BindGroupEntry{{Binding: 0, Buffer: data}}, 1, 1, 1)
	require.Error(t, rec.Err())
	require.Error(t, rec.Submit(context.Background()))
}
