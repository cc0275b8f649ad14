// Package runtime owns the per-device registries kernels dispatch through:
// the pipeline cache, the buffer pool, the uniform cache, rule overrides,
// logging and metrics. There is no package-level state; every engine is
// built on a *Context.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/samcharles93/kiln/internal/backend"
	"github.com/samcharles93/kiln/internal/gpu"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/metrics"
	"github.com/samcharles93/kiln/internal/pipeline"
	"github.com/samcharles93/kiln/internal/pool"
	"github.com/samcharles93/kiln/internal/recorder"
	"github.com/samcharles93/kiln/internal/rules"
	"github.com/samcharles93/kiln/internal/tensor"
)

var ErrClosed = errors.New("runtime closed")

type Options struct {
	Logger   logger.Logger
	Metrics  *metrics.Metrics
	Pool     pool.Config
	Uniforms pool.UniformConfig
	// Rules overlay the built-in variant tables by table name.
	Rules rules.Set
	// Capabilities overrides the soft device probe in Open.
	Capabilities *gpu.Capabilities
}

type Context struct {
	dev       gpu.Device
	log       logger.Logger
	metrics   *metrics.Metrics
	pipelines *pipeline.Cache
	pool      *pool.Pool
	uniforms  *pool.UniformCache
	rules     rules.Set

	mu     sync.Mutex
	closed bool
}

// New builds a runtime over dev. The runtime takes ownership of dev and
// closes it in Close.
func New(dev gpu.Device, opts Options) (*Context, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	uc, err := pool.NewUniformCache(dev, opts.Uniforms, log, m)
	if err != nil {
		return nil, err
	}
	rt := &Context{
		dev:       dev,
		log:       log,
		metrics:   m,
		pipelines: pipeline.NewCache(dev, log, m),
		pool:      pool.New(dev, opts.Pool, log, m),
		uniforms:  uc,
		rules:     opts.Rules,
	}
	log.Info("runtime ready", "device", dev.Capabilities().String())
	return rt, nil
}

// Open resolves name through the backend registry and builds a runtime on it.
func Open(name string, opts Options) (*Context, error) {
	dev, err := backend.Open(name, backend.Options{Logger: opts.Logger, Capabilities: opts.Capabilities})
	if err != nil {
		return nil, err
	}
	rt, err := New(dev, opts)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Context) Device() gpu.Device { return rt.dev }
func (rt *Context) Capabilities() gpu.Capabilities { return rt.dev.Capabilities() }
func (rt *Context) Logger() logger.Logger { return rt.log }
func (rt *Context) Metrics() *metrics.Metrics { return rt.metrics }
func (rt *Context) Pipelines() *pipeline.Cache { return rt.pipelines }
func (rt *Context) Pool() *pool.Pool { return rt.pool }
func (rt *Context) Uniforms() *pool.UniformCache { return rt.uniforms }
func (rt *Context) Rules() rules.Set { return rt.rules }
func (rt *Context) Install(lib *pipeline.Library) error { return rt.pipelines.Install(lib) }

// Table applies any configured overrides to a built-in variant table.
func (rt *Context) Table(t *rules.Table[string]) *rules.Table[string] {
	return rules.Apply(t, rt.rules)
}

func (rt *Context) GetPipeline(ctx context.Context, op, variant string) (*pipeline.Pipeline, error) {
	return rt.pipelines.GetPipeline(ctx, op, variant)
}

func (rt *Context) GetCachedPipeline(op, variant string) *pipeline.Pipeline {
	return rt.pipelines.GetCachedPipeline(op, variant)
}

func (rt *Context) AcquireBuffer(size uint64, label string) (gpu.Buffer, error) {
	return rt.pool.Acquire(size, gpu.StorageUsage, label)
}

func (rt *Context) ReleaseBuffer(buf gpu.Buffer) error {
	return rt.pool.Release(buf)
}

// NewRecorder starts a batched submission.
func (rt *Context) NewRecorder(label string) (*recorder.Recorder, error) {
	if rt.isClosed() {
		return nil, ErrClosed
	}
	return recorder.New(rt, label)
}

// NewTensor acquires an uninitialised pooled tensor.
func (rt *Context) NewTensor(dtype tensor.DType, shape []int, label string) (tensor.Tensor, error) {
	size := dtype.ByteSize(tensor.Elements(shape))
	if size == 0 {
		size = 4
	}
	buf, err := rt.AcquireBuffer(size, label)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return tensor.New(buf, dtype, shape, label), nil
}

// Upload encodes values as dtype into a new pooled tensor.
func (rt *Context) Upload(dtype tensor.DType, shape []int, values []float32, label string) (tensor.Tensor, error) {
	if n := tensor.Elements(shape); n != len(values) {
		return tensor.Tensor{}, fmt.Errorf("upload %s: shape %v holds %d values, got %d", label, shape, n, len(values))
	}
	data, err := tensor.Encode(dtype, values)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("upload %s: %w", label, err)
	}
	return rt.UploadBytes(dtype, shape, data, label)
}

func (rt *Context) UploadU32(shape []int, values []uint32, label string) (tensor.Tensor, error) {
	if n := tensor.Elements(shape); n != len(values) {
		return tensor.Tensor{}, fmt.Errorf("upload %s: shape %v holds %d values, got %d", label, shape, n, len(values))
	}
	return rt.UploadBytes(tensor.U32, shape, gpu.U32Bytes(values), label)
}

// UploadBytes copies raw, already encoded data into a new pooled tensor.
func (rt *Context) UploadBytes(dtype tensor.DType, shape []int, data []byte, label string) (tensor.Tensor, error) {
	t, err := rt.NewTensor(dtype, shape, label)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if len(data) == 0 {
		return t, nil
	}
	if pad := len(data) % 4; pad != 0 {
		data = append(data[:len(data):len(data)], make([]byte, 4-pad)...)
	}
	if err := rt.dev.WriteBuffer(t.Buffer, 0, data); err != nil {
		_ = rt.Release(t)
		return tensor.Tensor{}, fmt.Errorf("upload %s: %w", label, err)
	}
	return t, nil
}

// Download reads a float tensor back to the host, widening f16 to f32.
func (rt *Context) Download(ctx context.Context, t tensor.Tensor) ([]float32, error) {
	if !t.DType.Float() {
		return nil, fmt.Errorf("download %s: %w %s", t.Label, tensor.ErrDType, t.DType)
	}
	b, err := rt.dev.ReadBuffer(ctx, t.Buffer, 0, t.Bytes())
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", t.Label, err)
	}
	return tensor.Decode(t.DType, b, t.Elements())
}

func (rt *Context) DownloadU32(ctx context.Context, t tensor.Tensor) ([]uint32, error) {
	b, err := rt.dev.ReadBuffer(ctx, t.Buffer, 0, t.Bytes())
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", t.Label, err)
	}
	return gpu.DecodeU32(b)[:t.Elements()], nil
}

// Release returns a tensor's buffer to the pool.
func (rt *Context) Release(ts ...tensor.Tensor) error {
	var errs []error
	for _, t := range ts {
		if t.Buffer == nil {
			continue
		}
		errs = append(errs, rt.pool.Release(t.Buffer))
	}
	return errors.Join(errs...)
}

// Clear drops compiled pipelines and cached buffers but keeps registered
// libraries and the device.
func (rt *Context) Clear() {
	rt.pipelines.Clear()
	rt.uniforms.Clear()
	rt.pool.Clear()
	rt.log.Debug("runtime cleared")
}

func (rt *Context) isClosed() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.closed
}

// Close clears every cache and closes the device.
func (rt *Context) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	rt.mu.Unlock()
	rt.Clear()
	return rt.dev.Close()
}
