package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"

	"github.com/samcharles93/kiln/internal/gpu"
	"github.com/samcharles93/kiln/internal/gpu/soft"
	"github.com/stretchr/testify/require"
)

const scaleShader = `
{{if eq .Elem "f16"}}enable f16;{{end}}
@group(0) @binding(0) var<storage, read_write> data: array<{{.Elem}}>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    if (gid.x < arrayLength(&data)) {
        data[gid.x] = data[gid.x] * {{.Elem}}(2.0);
    }
}
`

const plainShader = `
@group(0) @binding(0) var<storage, read_write> data: array<f32>;

@compute @workgroup_size(64)
fn add_one(@builtin(global_invocation_id) gid: vec3<u32>) {
    data[gid.x] = data[gid.x] + 1.0;
}

@compute @workgroup_size(64)
fn sub_one(@builtin(global_invocation_id) gid: vec3<u32>) {
    data[gid.x] = data[gid.x] - 1.0;
}
`

const brokenShader = `
@compute @workgroup_size(1)
fn main() {
    let x = (1;
`

type countingDevice struct {
	*soft.Device
	modules   atomic.Int32
	pipelines atomic.Int32
}

func (d *countingDevice) CreateShaderModule(desc gpu.ShaderModuleDescriptor) (gpu.ShaderModule, error) {
	d.modules.Add(1)
	return d.Device.CreateShaderModule(desc)
}

func (d *countingDevice) CreateComputePipeline(desc gpu.ComputePipelineDescriptor) (gpu.ComputePipeline, error) {
	d.pipelines.Add(1)
	return d.Device.CreateComputePipeline(desc)
}

func scaleKernel(inv *gpu.Invocation) error {
	v, err := inv.F32(0)
	if err != nil {
		return err
	}
	for i := range v {
		v[i] *= 2
	}
	return inv.Store(0, v)
}

func noopKernel(*gpu.Invocation) error { return nil }

func testLibrary() *Library {
	layout := []gpu.LayoutEntry{{Binding: 0, Type: gpu.BindingStorage}}
	return &Library{
		Name: "test",
		FS: fstest.MapFS{
			"scale.wgsl":  {Data: []byte(scaleShader)},
			"plain.wgsl":  {Data: []byte(plainShader)},
			"broken.wgsl": {Data: []byte(brokenShader)},
		},
		Layouts: map[string][]gpu.LayoutEntry{"data": layout},
		Descriptors: map[Key]Descriptor{
			{"scale", "f32"}:      {ShaderFile: "scale.wgsl", EntryPoint: "main", WorkgroupSize: [3]uint32{64, 1, 1}, Layout: "data", Defines: map[string]string{"Elem": "f32"}},
			{"scale", "f16"}:      {ShaderFile: "scale.wgsl", EntryPoint: "main", WorkgroupSize: [3]uint32{64, 1, 1}, Layout: "data", Defines: map[string]string{"Elem": "f16"}, RequiredFeatures: []gpu.Feature{gpu.FeatureShaderF16}},
			{"step", "add"}:       {ShaderFile: "plain.wgsl", EntryPoint: "add_one", WorkgroupSize: [3]uint32{64, 1, 1}, Layout: "data"},
			{"step", "sub"}:       {ShaderFile: "plain.wgsl", EntryPoint: "sub_one", WorkgroupSize: [3]uint32{64, 1, 1}, Layout: "data"},
			{"broken", "default"}: {ShaderFile: "broken.wgsl", EntryPoint: "main", WorkgroupSize: [3]uint32{1, 1, 1}, Layout: "data"},
		},
		Kernels: map[Key]gpu.HostKernel{
			{"scale", "f32"}:      scaleKernel,
			{"scale", "f16"}:      noopKernel,
			{"step", "add"}:       noopKernel,
			{"step", "sub"}:       noopKernel,
			{"broken", "default"}: noopKernel,
		},
	}
}

func newTestCache(t *testing.T, caps gpu.Capabilities) (*Cache, *countingDevice) {
	t.Helper()
	dev := &countingDevice{Device: soft.New(soft.Options{Capabilities: &caps})}
	t.Cleanup(func() { _ = dev.Close() })
	c := NewCache(dev, nil, nil)
	require.NoError(t, c.Install(testLibrary()))
	return c, dev
}

func TestGetPipelineCachesAfterFirstUse(t *testing.T) {
	c, dev := newTestCache(t, gpu.Capabilities{Platform: "test"})
	ctx := context.Background()

	require.Nil(t, c.GetCachedPipeline("scale", "f32"), "cold cache must not block or compile")
	p, err := c.GetPipeline(ctx, "scale", "f32")
	require.NoError(t, err)
	require.Equal(t, Key{"scale", "f32"}, p.Key)
	require.Same(t, p, c.GetCachedPipeline("scale", "f32"))

	again, err := c.GetPipeline(ctx, "scale", "f32")
	require.NoError(t, err)
	require.Same(t, p, again)
	require.Equal(t, int32(1), dev.pipelines.Load())

	s := c.Stats()
	require.Equal(t, uint64(1), s.Hits)
	require.Equal(t, uint64(1), s.Misses)
}

func TestPipelineRunsRegisteredKernel(t *testing.T) {
	c, dev := newTestCache(t, gpu.Capabilities{Platform: "test"})
	p, err := c.GetPipeline(context.Background(), "scale", "f32")
	require.NoError(t, err)

	buf, err := dev.CreateBuffer(gpu.BufferDescriptor{Label: "data", Size: 8, Usage: gpu.StorageUsage})
	require.NoError(t, err)
	require.NoError(t, dev.WriteBuffer(buf, 0, gpu.F32Bytes([]float32{1, 3})))
	bg, err := dev.CreateBindGroup("scale", p.BindLayout, []gpu.BindGroupEntry{{Binding: 0, Buffer: buf}})
	require.NoError(t, err)
	enc, err := dev.CreateCommandEncoder("test")
	require.NoError(t, err)
	pass := enc.BeginComputePass("scale")
	pass.SetPipeline(p.Compute)
	pass.SetBindGroup(0, bg)
	pass.DispatchWorkgroups(Groups(2, 64), 1, 1)
	pass.End()
	cb, err := enc.Finish()
	require.NoError(t, err)
	require.NoError(t, dev.Submit(nil, cb))

	out, err := dev.ReadBuffer(context.Background(), buf, 0, 8)
	require.NoError(t, err)
	require.Equal(t, []float32{2, 6}, gpu.DecodeF32(out))
}

func TestEntryPointsShareModule(t *testing.T) {
	c, dev := newTestCache(t, gpu.Capabilities{Platform: "test"})
	ctx := context.Background()
	_, err := c.GetPipeline(ctx, "step", "add")
	require.NoError(t, err)
	_, err = c.GetPipeline(ctx, "step", "sub")
	require.NoError(t, err)
	require.Equal(t, int32(1), dev.modules.Load())
	require.Equal(t, 1, c.Stats().Modules)
}

func TestDefinesProduceDistinctModules(t *testing.T) {
	c, dev := newTestCache(t, gpu.Capabilities{Platform: "test", HasHalfPrecision: true})
	ctx := context.Background()
	_, err := c.GetPipeline(ctx, "scale", "f32")
	require.NoError(t, err)
	_, err = c.GetPipeline(ctx, "scale", "f16")
	require.NoError(t, err)
	require.Equal(t, int32(2), dev.modules.Load())
}

func TestMissingFeature(t *testing.T) {
	c, dev := newTestCache(t, gpu.Capabilities{Platform: "test"})
	_, err := c.GetPipeline(context.Background(), "scale", "f16")
	require.True(t, errors.Is(err, gpu.ErrMissingFeature), "got %v", err)
	var mf *gpu.MissingFeatureError
	require.True(t, errors.As(err, &mf))
	require.Equal(t, []gpu.Feature{gpu.FeatureShaderF16}, mf.Features)
	require.Equal(t, int32(0), dev.modules.Load(), "no compile should be attempted")
	require.Error(t, c.Supported("scale", "f16"))
	require.NoError(t, c.Supported("scale", "f32"))
}

func TestCompileErrorIsNotCached(t *testing.T) {
	c, dev := newTestCache(t, gpu.Capabilities{Platform: "test"})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := c.GetPipeline(ctx, "broken", "default")
		var ce *gpu.CompileError
		require.True(t, errors.As(err, &ce), "attempt %d: got %v", i, err)
		require.NotEmpty(t, ce.Messages)
		require.Nil(t, c.GetCachedPipeline("broken", "default"))
	}
	require.Equal(t, int32(2), dev.modules.Load(), "failed compiles must be retried, not remembered")
	require.Equal(t, uint64(2), c.Stats().Failures)
}

func TestUnknownVariant(t *testing.T) {
	c, _ := newTestCache(t, gpu.Capabilities{Platform: "test"})
	_, err := c.GetPipeline(context.Background(), "scale", "bf16")
	require.True(t, errors.Is(err, ErrUnknownVariant))
}

func TestCompileFuture(t *testing.T) {
	c, _ := newTestCache(t, gpu.Capabilities{Platform: "test"})
	ctx := context.Background()

	pend := c.Compile("step", "add")
	p, err := pend.Wait(ctx)
	require.NoError(t, err)
	require.True(t, pend.Ready())
	require.Same(t, p, c.GetCachedPipeline("step", "add"))

	cached := c.Compile("step", "add")
	require.True(t, cached.Ready(), "compiling a cached variant resolves immediately")

	failed := c.Compile("broken", "default")
	_, err = failed.Wait(ctx)
	require.ErrorIs(t, err, gpu.ErrCompile)
}

func TestConcurrentMissesShareOneCompile(t *testing.T) {
	c, dev := newTestCache(t, gpu.Capabilities{Platform: "test"})
	ctx := context.Background()

	var wg sync.WaitGroup
	got := make([]*Pipeline, 16)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := c.GetPipeline(ctx, "scale", "f32")
			if err == nil {
				got[i] = p
			}
		}()
	}
	wg.Wait()
	for i := range got {
		require.NotNil(t, got[i])
		require.Same(t, got[0], got[i])
	}
	require.Equal(t, int32(1), dev.modules.Load())
}

func TestPrewarm(t *testing.T) {
	c, _ := newTestCache(t, gpu.Capabilities{Platform: "test"})
	ctx := context.Background()

	results, err := c.Prewarm(ctx, PrewarmOptions{SkipUnsupported: true},
		Key{"scale", "f32"}, Key{"scale", "f16"}, Key{"step", "add"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.True(t, results[1].Skipped)
	require.Equal(t, []Key{{"scale", "f32"}, {"step", "add"}}, c.Compiled())

	_, err = c.Prewarm(ctx, PrewarmOptions{}, Key{"broken", "default"})
	require.Error(t, err)
}

func TestInstallConflicts(t *testing.T) {
	c, _ := newTestCache(t, gpu.Capabilities{Platform: "test"})
	require.NoError(t, c.Install(testLibrary()), "identical re-registration is allowed")

	lib := testLibrary()
	d := lib.Descriptors[Key{"step", "add"}]
	d.EntryPoint = "sub_one"
	lib.Descriptors[Key{"step", "add"}] = d
	require.ErrorIs(t, c.Install(lib), ErrDuplicate)

	bad := testLibrary()
	bad.Descriptors[Key{"x", "y"}] = Descriptor{ShaderFile: "missing.wgsl", EntryPoint: "main", Layout: "data"}
	require.Error(t, c.Install(bad))
}

func TestClear(t *testing.T) {
	c, dev := newTestCache(t, gpu.Capabilities{Platform: "test"})
	ctx := context.Background()
	_, err := c.GetPipeline(ctx, "step", "add")
	require.NoError(t, err)
	c.Clear()
	require.Nil(t, c.GetCachedPipeline("step", "add"))
	require.Len(t, c.Keys(), 5, "registrations survive Clear")
	_, err = c.GetPipeline(ctx, "step", "add")
	require.NoError(t, err)
	require.Equal(t, int32(2), dev.modules.Load())
}

func TestModuleLabel(t *testing.T) {
	d := Descriptor{ShaderFile: "a.wgsl", Defines: map[string]string{"b": "2", "a": "1"}}
	require.Equal(t, "a.wgsl?a=1&b=2", d.ModuleLabel())
	require.Equal(t, "a.wgsl", Descriptor{ShaderFile: "a.wgsl"}.ModuleLabel())
	require.Equal(t, uint32(3), Groups(130, 64))
	require.Equal(t, uint32(0), Groups(0, 64))
}
